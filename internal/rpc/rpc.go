// Package rpc binds the control loop to an HTTP surface using
// github.com/go-chi/chi/v5, in the same handler-per-route style as the
// teacher's cmd/coordinator handlers, generalized from node registration
// to the full register/unregister/heartbeat/assignments/notifications
// surface runners speak against.
package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/log"
	"github.com/dreamware/shardkeep/internal/metrics"
	"github.com/dreamware/shardkeep/internal/shardmgrerr"
)

// LoopHandle is the subset of *loop.Loop the HTTP layer drives. Declared
// here rather than imported from internal/loop so rpc depends on loop, not
// the other way around.
type LoopHandle interface {
	Register(addr cluster.RunnerAddress, version int64) error
	Unregister(addr cluster.RunnerAddress) error
	Heartbeat(addr cluster.RunnerAddress) error
	GetAssignments() map[int]cluster.RunnerAddress
	AssignmentsForRunner(addr cluster.RunnerAddress) []int
}

// NotifierHandle is the subset of *notify.Notifier the streaming endpoint
// uses to subscribe a runner to its own assignment deltas.
type NotifierHandle interface {
	Register(addr cluster.RunnerAddress, current cluster.Delta) <-chan cluster.Delta
	Unregister(addr cluster.RunnerAddress)
}

// Server binds LoopHandle and NotifierHandle to HTTP handlers.
type Server struct {
	loop     LoopHandle
	notifier NotifierHandle
	logger   zerolog.Logger
}

// New builds a Server. Call Router to obtain the http.Handler to serve.
func New(loop LoopHandle, notifier NotifierHandle) *Server {
	return &Server{
		loop:     loop,
		notifier: notifier,
		logger:   log.WithComponent("rpc"),
	}
}

// Router assembles the chi router exposing every runner-facing command plus
// the Prometheus /metrics endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/runners", s.handleRegister)
	r.Get("/assignments", s.handleAssignments)
	r.Route("/runners/{host}/{port}", func(r chi.Router) {
		r.Delete("/", s.handleUnregister)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/assignments", s.handleAssignmentsForRunner)
		r.Get("/notifications", s.handleNotifications)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("handled request")
		})
	}
}

func addrFromPath(r *http.Request) (cluster.RunnerAddress, error) {
	host := chi.URLParam(r, "host")
	portStr := chi.URLParam(r, "port")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return cluster.RunnerAddress{}, errors.New("invalid port in path")
	}
	return cluster.RunnerAddress{Host: host, Port: port}, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case shardmgrerr.Is(err, shardmgrerr.ClientMisuse):
		status = http.StatusBadRequest
	case shardmgrerr.Is(err, shardmgrerr.Invariant):
		status = http.StatusConflict
	case shardmgrerr.Is(err, shardmgrerr.Persistence), shardmgrerr.Is(err, shardmgrerr.Transient):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// handleRegister joins a runner to the cluster.
//
// Endpoint: POST /runners
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Address.Host == "" || req.Address.Port == 0 {
		http.Error(w, "address host/port required", http.StatusBadRequest)
		return
	}

	if err := s.loop.Register(req.Address, req.Version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnregister removes a runner from the cluster, vacating its shards
// in the same commit.
//
// Endpoint: DELETE /runners/{host}/{port}
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	addr, err := addrFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.loop.Unregister(addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHeartbeat refreshes a runner's liveness timestamp.
//
// Endpoint: POST /runners/{host}/{port}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	addr, err := addrFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.loop.Heartbeat(addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAssignments returns the full shard-to-runner assignment table.
//
// Endpoint: GET /assignments
func (s *Server) handleAssignments(w http.ResponseWriter, _ *http.Request) {
	assignments := s.loop.GetAssignments()
	writeJSON(w, struct {
		Assignments map[int]cluster.RunnerAddress `json:"assignments"`
	}{Assignments: assignments})
}

// handleAssignmentsForRunner returns the shards currently owned by one
// runner.
//
// Endpoint: GET /runners/{host}/{port}/assignments
func (s *Server) handleAssignmentsForRunner(w http.ResponseWriter, r *http.Request) {
	addr, err := addrFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	shards := s.loop.AssignmentsForRunner(addr)
	writeJSON(w, struct {
		Shards []int `json:"shards"`
	}{Shards: shards})
}

// handleNotifications streams assignment deltas to a runner as
// newline-delimited JSON, standing in for the spec's server-streaming
// Notifications RPC. When the runner currently owns shards, the first line
// carries them as an Added-only delta, mirroring what Register's caller already
// knows so a reconnecting runner can resync without a separate call.
//
// Endpoint: GET /runners/{host}/{port}/notifications
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	addr, err := addrFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	current := cluster.Delta{Added: s.loop.AssignmentsForRunner(addr)}
	ch := s.notifier.Register(addr, current)
	defer s.notifier.Unregister(addr)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case delta, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(delta); err != nil {
				s.logger.Debug().Err(err).Str("runner", addr.String()).Msg("notification stream write failed, runner likely disconnected")
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
	}
}
