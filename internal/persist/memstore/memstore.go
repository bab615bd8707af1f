// Package memstore is a process-local storage contract implementation,
// used for ephemeral clusters that don't need to survive a restart and for
// exercising the control loop's persistence path in tests without an etcd
// dependency.
package memstore

import (
	"context"
	"sync"

	"github.com/dreamware/shardkeep/internal/persist"
)

// Store is an in-memory persist.Store guarded by a mutex. SaveState and
// LoadState share the lock, which is enough to make SaveState atomic with
// respect to LoadState within one process.
type Store struct {
	mu   sync.Mutex
	snap *persist.Snapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// LoadState returns the most recently saved snapshot, or nil if SaveState
// has never been called.
func (s *Store) LoadState(ctx context.Context) (*persist.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return nil, nil
	}
	cp := *s.snap
	return &cp, nil
}

// SaveState records snap as the current snapshot, replacing any prior one.
func (s *Store) SaveState(ctx context.Context, snap persist.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := snap
	s.snap = &cp
	return nil
}
