// Package persist defines the storage contract the shard manager mirrors
// its authoritative state into, plus the two concrete implementations the
// repo ships: an etcd-backed store for real deployments and a process-local
// in-memory store for ephemeral clusters and tests.
package persist

import (
	"context"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/state"
)

// Snapshot is the durable form of the manager's state: every registered
// runner plus the full shard assignment map, tagged with the commit
// version it was written at.
type Snapshot struct {
	Runners     []state.RunnerRecord
	Assignments map[int]cluster.RunnerAddress
	Version     int64
}

// Store is the storage contract §6 requires: LoadState returns the most
// recently saved snapshot (nil if none exists), and SaveState durably
// records a new one. SaveState must be atomic with respect to LoadState —
// a concurrent Load never observes a partially written snapshot.
type Store interface {
	LoadState(ctx context.Context) (*Snapshot, error)
	SaveState(ctx context.Context, snap Snapshot) error
}
