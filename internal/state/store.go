// Package state holds the shard manager's single authoritative view of
// registered runners and the shard assignment map. It generalizes the
// teacher's ShardRegistry (a loose map[int]*ShardAssignment) to a total
// [1,N] domain plus a runner record set, and derives a per-runner delta on
// every committed mutation instead of leaving readers to diff snapshots
// themselves.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/shardmgrerr"
)

// RunnerRecord is everything the store tracks about one registered runner.
type RunnerRecord struct {
	Address       cluster.RunnerAddress
	Version       int64
	RegisteredAt  time.Time
	LastHeartbeat time.Time

	// Strikes is the number of consecutive failed health pings recorded by
	// the prober. Reset to zero on a successful Heartbeat.
	Strikes int

	// Unverified is true for a runner seeded from a recovered snapshot that
	// has not yet sent its first heartbeat since this process started.
	Unverified bool
}

// Snapshot is a point-in-time, read-only view of the store handed to the
// assignment engine. Every shard in [1, TotalShards] has an entry in
// Assignments; an unassigned shard maps to the zero RunnerAddress.
type Snapshot struct {
	TotalShards int
	Runners     []RunnerRecord
	Assignments map[int]cluster.RunnerAddress
}

// Owner returns the owner of shard, and whether it is currently assigned.
func (s Snapshot) Owner(shard int) (cluster.RunnerAddress, bool) {
	addr, ok := s.Assignments[shard]
	if !ok || addr == (cluster.RunnerAddress{}) {
		return cluster.RunnerAddress{}, false
	}
	return addr, true
}

// Assignment is one (shard, owner) pair used to describe a batch mutation.
// Owner is the zero RunnerAddress to mean "unassign this shard".
type Assignment struct {
	Shard int
	Owner cluster.RunnerAddress
}

// Store is the shard manager's single mutable resource. The runner and
// assignment mutation methods are invoked only by the control loop;
// RecordStrike is called by the prober directly. All methods share one
// coarse lock,
// matching the concurrency model: contention is trivial at the event rates
// the loop sees.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	totalShards int
	runners     map[cluster.RunnerAddress]*RunnerRecord
	assignments map[int]cluster.RunnerAddress

	// ownerIndex mirrors assignments the other way round so per-runner
	// shard sets and deltas don't require a linear scan on every commit.
	ownerIndex map[cluster.RunnerAddress]map[int]struct{}
}

// New creates a Store for a shard space of [1, totalShards], all shards
// initially unassigned and no runners registered.
func New(totalShards int, clock clockwork.Clock) *Store {
	assignments := make(map[int]cluster.RunnerAddress, totalShards)
	for shard := 1; shard <= totalShards; shard++ {
		assignments[shard] = cluster.RunnerAddress{}
	}
	return &Store{
		clock:       clock,
		totalShards: totalShards,
		runners:     make(map[cluster.RunnerAddress]*RunnerRecord),
		assignments: assignments,
		ownerIndex:  make(map[cluster.RunnerAddress]map[int]struct{}),
	}
}

// Seed initializes the store from a recovered snapshot, before the control
// loop's event intake opens. Seeded runners are marked Unverified so the
// prober probes them immediately.
func (s *Store) Seed(runners []RunnerRecord, assignments map[int]cluster.RunnerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range runners {
		rec := r
		rec.Unverified = true
		s.runners[rec.Address] = &rec
		s.ownerIndex[rec.Address] = make(map[int]struct{})
	}
	for shard := 1; shard <= s.totalShards; shard++ {
		addr, ok := assignments[shard]
		if !ok {
			continue
		}
		s.assignments[shard] = addr
		if set, exists := s.ownerIndex[addr]; exists {
			set[shard] = struct{}{}
		}
	}
}

// AllRunners returns a copy of every registered runner record.
func (s *Store) AllRunners() []RunnerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunnerRecord, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// AllAssignments returns a copy of the full shard→owner map.
func (s *Store) AllAssignments() map[int]cluster.RunnerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]cluster.RunnerAddress, len(s.assignments))
	for shard, addr := range s.assignments {
		out[shard] = addr
	}
	return out
}

// AssignmentsForRunner returns the shards currently owned by addr, sorted.
func (s *Store) AssignmentsForRunner(addr cluster.RunnerAddress) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.ownerIndex[addr]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(set))
	for shard := range set {
		out = append(out, shard)
	}
	sort.Ints(out)
	return out
}

// Snapshot returns the read-only view the assignment engine consumes.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	runners := make([]RunnerRecord, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, *r)
	}
	assignments := make(map[int]cluster.RunnerAddress, len(s.assignments))
	for shard, addr := range s.assignments {
		assignments[shard] = addr
	}
	return Snapshot{TotalShards: s.totalShards, Runners: runners, Assignments: assignments}
}

// AddRunner registers addr at the given version, idempotent on the
// (address, version) pair: a duplicate Register for an unchanged version is
// a no-op beyond refreshing the heartbeat timestamp. A Register at a new
// version for an already-registered address updates the record in place
// (a rolling-upgrade redeploy), which may change its version-gate class.
func (s *Store) AddRunner(addr cluster.RunnerAddress, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if rec, exists := s.runners[addr]; exists {
		rec.Version = version
		rec.LastHeartbeat = now
		rec.Unverified = false
		return
	}

	s.runners[addr] = &RunnerRecord{
		Address:       addr,
		Version:       version,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	s.ownerIndex[addr] = make(map[int]struct{})
}

// RemoveRunner deletes addr's runner record and, in the same commit,
// unassigns every shard it owned. The returned delta describes only the
// removed runner's side of the change (its full Removed set); reassignment
// of those shards happens in a later ApplyAssignments commit.
func (s *Store) RemoveRunner(addr cluster.RunnerAddress) (cluster.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[addr]; !exists {
		return cluster.Delta{}, false
	}

	owned := s.ownerIndex[addr]
	removed := make([]int, 0, len(owned))
	for shard := range owned {
		s.assignments[shard] = cluster.RunnerAddress{}
		removed = append(removed, shard)
	}
	sort.Ints(removed)

	delete(s.runners, addr)
	delete(s.ownerIndex, addr)

	return cluster.Delta{Removed: removed}, true
}

// Heartbeat refreshes addr's last-heartbeat timestamp and clears its strike
// count. Returns a ClientMisuse error if addr is not registered.
func (s *Store) Heartbeat(addr cluster.RunnerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.runners[addr]
	if !exists {
		return shardmgrerr.New(shardmgrerr.ClientMisuse, "heartbeat from unregistered runner %s", addr)
	}
	rec.LastHeartbeat = s.clock.Now()
	rec.Strikes = 0
	rec.Unverified = false
	return nil
}

// RecordStrike increments addr's consecutive-failure strike count and
// returns the new total. Returns a ClientMisuse error if addr is not
// registered (it may have been removed concurrently with the probe).
func (s *Store) RecordStrike(addr cluster.RunnerAddress) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.runners[addr]
	if !exists {
		return 0, shardmgrerr.New(shardmgrerr.ClientMisuse, "strike against unregistered runner %s", addr)
	}
	rec.Strikes++
	return rec.Strikes, nil
}

// ApplyAssignments commits a batch of new assignments and unassignments
// atomically: either every pair applies or none do. adds and removes may
// target the same shard only across the two slices, never each overwriting
// an assignment in place within one call, preserving the vacate-then-assign
// invariant.
func (s *Store) ApplyAssignments(adds, removes []Assignment) (map[cluster.RunnerAddress]cluster.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range adds {
		if a.Shard < 1 || a.Shard > s.totalShards {
			return nil, shardmgrerr.New(shardmgrerr.Invariant, "assign: shard %d out of range [1,%d]", a.Shard, s.totalShards)
		}
		if a.Owner != (cluster.RunnerAddress{}) {
			if _, ok := s.runners[a.Owner]; !ok {
				return nil, shardmgrerr.New(shardmgrerr.Invariant, "assign: shard %d to unknown runner %s", a.Shard, a.Owner)
			}
		}
	}
	removing := make(map[int]bool, len(removes))
	for _, r := range removes {
		if r.Shard < 1 || r.Shard > s.totalShards {
			return nil, shardmgrerr.New(shardmgrerr.Invariant, "unassign: shard %d out of range [1,%d]", r.Shard, s.totalShards)
		}
		removing[r.Shard] = true
	}
	for _, a := range adds {
		prev := s.assignments[a.Shard]
		if a.Owner != (cluster.RunnerAddress{}) && prev != (cluster.RunnerAddress{}) && !removing[a.Shard] {
			return nil, shardmgrerr.New(shardmgrerr.Invariant, "assign: shard %d already owned by %s", a.Shard, prev)
		}
	}

	deltas := make(map[cluster.RunnerAddress]cluster.Delta)

	for _, r := range removes {
		prev := s.assignments[r.Shard]
		if prev == (cluster.RunnerAddress{}) {
			continue
		}
		s.assignments[r.Shard] = cluster.RunnerAddress{}
		if set, ok := s.ownerIndex[prev]; ok {
			delete(set, r.Shard)
		}
		d := deltas[prev]
		d.Removed = append(d.Removed, r.Shard)
		deltas[prev] = d
	}

	for _, a := range adds {
		s.assignments[a.Shard] = a.Owner
		if a.Owner == (cluster.RunnerAddress{}) {
			continue
		}
		if set, ok := s.ownerIndex[a.Owner]; ok {
			set[a.Shard] = struct{}{}
		}
		d := deltas[a.Owner]
		d.Added = append(d.Added, a.Shard)
		deltas[a.Owner] = d
	}

	for addr, d := range deltas {
		sort.Ints(d.Added)
		sort.Ints(d.Removed)
		deltas[addr] = d
	}

	return deltas, nil
}

// TotalShards returns the fixed shard space size.
func (s *Store) TotalShards() int {
	return s.totalShards
}
