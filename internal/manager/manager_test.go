package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/config"
	"github.com/dreamware/shardkeep/internal/persist"
	"github.com/dreamware/shardkeep/internal/state"
)

func persistedSnapshot(addr cluster.RunnerAddress) persist.Snapshot {
	return persist.Snapshot{
		Runners:     []state.RunnerRecord{{Address: addr, Version: 1}},
		Assignments: map[int]cluster.RunnerAddress{1: addr},
		Version:     1,
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TotalShards = 8
	cfg.RebalanceDebounce = 20 * time.Millisecond
	cfg.ProbeInterval = time.Hour
	return cfg
}

func TestManagerServesRegisterAndAssignments(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	baseURL := "http://" + m.Addr()

	body, _ := json.Marshal(cluster.RegisterRequest{Address: cluster.RunnerAddress{Host: "127.0.0.1", Port: 9001}, Version: 1})
	require.Eventually(t, func() bool {
		resp, err := http.Post(baseURL+"/runners", "application/json", bytes.NewReader(body))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/assignments")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out struct {
			Assignments map[string]cluster.RunnerAddress `json:"assignments"`
		}
		if json.NewDecoder(resp.Body).Decode(&out) != nil {
			return false
		}
		for _, owner := range out.Assignments {
			if owner.Port == 9001 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not shut down in time")
	}
}

func TestManagerRecoverSeedsAndMarksUnverified(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)
	defer m.listener.Close()

	addr := cluster.RunnerAddress{Host: "127.0.0.1", Port: 9100}
	require.NoError(t, m.persister.SaveState(context.Background(), persistedSnapshot(addr)))

	require.NoError(t, m.recover(context.Background()))

	runners := m.store.AllRunners()
	require.Len(t, runners, 1)
	assert.Equal(t, addr, runners[0].Address)
	assert.True(t, runners[0].Unverified)
}

func TestManagerNewPropagatesListenError(t *testing.T) {
	cfg := testConfig()
	blocker, err := New(cfg)
	require.NoError(t, err)
	defer blocker.listener.Close()

	cfg.ListenAddr = blocker.Addr()
	_, err = New(cfg)
	assert.Error(t, err)
}
