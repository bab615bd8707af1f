package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/shardmgrerr"
)

type fakeLoop struct {
	mu            sync.Mutex
	registered    []cluster.RegisterRequest
	unregistered  []cluster.RunnerAddress
	heartbeats    []cluster.RunnerAddress
	assignments   map[int]cluster.RunnerAddress
	perRunner     map[cluster.RunnerAddress][]int
	registerErr   error
	unregisterErr error
	heartbeatErr  error
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		assignments: make(map[int]cluster.RunnerAddress),
		perRunner:   make(map[cluster.RunnerAddress][]int),
	}
}

func (f *fakeLoop) Register(addr cluster.RunnerAddress, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, cluster.RegisterRequest{Address: addr, Version: version})
	return f.registerErr
}

func (f *fakeLoop) Unregister(addr cluster.RunnerAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, addr)
	return f.unregisterErr
}

func (f *fakeLoop) Heartbeat(addr cluster.RunnerAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, addr)
	return f.heartbeatErr
}

func (f *fakeLoop) GetAssignments() map[int]cluster.RunnerAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignments
}

func (f *fakeLoop) AssignmentsForRunner(addr cluster.RunnerAddress) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perRunner[addr]
}

type fakeNotifier struct {
	mu           sync.Mutex
	registered   []cluster.RunnerAddress
	unregistered []cluster.RunnerAddress
	ch           chan cluster.Delta
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan cluster.Delta, 4)}
}

func (f *fakeNotifier) Register(addr cluster.RunnerAddress, current cluster.Delta) <-chan cluster.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, addr)
	return f.ch
}

func (f *fakeNotifier) Unregister(addr cluster.RunnerAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, addr)
}

func TestHandleRegisterSuccess(t *testing.T) {
	loop := newFakeLoop()
	s := New(loop, newFakeNotifier())
	router := s.Router()

	body, _ := json.Marshal(cluster.RegisterRequest{Address: cluster.RunnerAddress{Host: "h", Port: 1}, Version: 3})
	req := httptest.NewRequest(http.MethodPost, "/runners", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, loop.registered, 1)
	assert.Equal(t, int64(3), loop.registered[0].Version)
}

func TestHandleRegisterRejectsMissingAddress(t *testing.T) {
	s := New(newFakeLoop(), newFakeNotifier())
	router := s.Router()

	body, _ := json.Marshal(cluster.RegisterRequest{})
	req := httptest.NewRequest(http.MethodPost, "/runners", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRegisterRejectsBadJSON(t *testing.T) {
	s := New(newFakeLoop(), newFakeNotifier())
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/runners", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUnregisterSuccess(t *testing.T) {
	loop := newFakeLoop()
	s := New(loop, newFakeNotifier())
	router := s.Router()

	req := httptest.NewRequest(http.MethodDelete, "/runners/h/7070/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, loop.unregistered, 1)
	assert.Equal(t, cluster.RunnerAddress{Host: "h", Port: 7070}, loop.unregistered[0])
}

func TestHandleUnregisterUnknownReturns400(t *testing.T) {
	loop := newFakeLoop()
	loop.unregisterErr = shardmgrerr.New(shardmgrerr.ClientMisuse, "unknown runner")
	s := New(loop, newFakeNotifier())
	router := s.Router()

	req := httptest.NewRequest(http.MethodDelete, "/runners/h/7070/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHeartbeatSuccess(t *testing.T) {
	loop := newFakeLoop()
	s := New(loop, newFakeNotifier())
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/runners/h/7070/heartbeat", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, loop.heartbeats, 1)
}

func TestHandleAssignments(t *testing.T) {
	loop := newFakeLoop()
	loop.assignments[1] = cluster.RunnerAddress{Host: "h", Port: 1}
	s := New(loop, newFakeNotifier())
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/assignments", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Assignments map[string]cluster.RunnerAddress `json:"assignments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, cluster.RunnerAddress{Host: "h", Port: 1}, resp.Assignments["1"])
}

func TestHandleAssignmentsForRunner(t *testing.T) {
	loop := newFakeLoop()
	addr := cluster.RunnerAddress{Host: "h", Port: 7070}
	loop.perRunner[addr] = []int{1, 2, 3}
	s := New(loop, newFakeNotifier())
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/runners/h/7070/assignments", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Shards []int `json:"shards"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []int{1, 2, 3}, resp.Shards)
}

func TestHandleNotificationsStreamsDeltas(t *testing.T) {
	loop := newFakeLoop()
	notifier := newFakeNotifier()
	s := New(loop, notifier)
	router := s.Router()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/runners/h/7070/notifications", nil).WithContext(ctx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	notifier.ch <- cluster.Delta{Added: []int{5}}

	require.Eventually(t, func() bool {
		return bytes.Contains(rec.snapshot(), []byte(`"added":[5]`))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	require.Len(t, notifier.registered, 1)
	require.Len(t, notifier.unregistered, 1)
}

// flushRecorder extends httptest.ResponseRecorder with a no-op Flush so the
// streaming handler's http.Flusher type assertion succeeds.
type flushRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}

func (f *flushRecorder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ResponseRecorder.Write(p)
}

func (f *flushRecorder) snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.ResponseRecorder.Body.Bytes()...)
}
