package state

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/shardmgrerr"
)

func addr(host string, port int) cluster.RunnerAddress {
	return cluster.RunnerAddress{Host: host, Port: port}
}

func TestNewStoreAllShardsUnassigned(t *testing.T) {
	s := New(5, clockwork.NewFakeClock())
	snap := s.Snapshot()
	assert.Equal(t, 5, snap.TotalShards)
	for shard := 1; shard <= 5; shard++ {
		_, assigned := snap.Owner(shard)
		assert.False(t, assigned, "shard %d should be unassigned", shard)
	}
}

func TestAddRunnerIdempotentSameVersion(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	a := addr("r1", 9000)

	s.AddRunner(a, 1)
	s.AddRunner(a, 1)

	runners := s.AllRunners()
	require.Len(t, runners, 1)
	assert.Equal(t, int64(1), runners[0].Version)
}

func TestAddRunnerNewVersionUpdatesInPlace(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	a := addr("r1", 9000)

	s.AddRunner(a, 1)
	s.AddRunner(a, 2)

	runners := s.AllRunners()
	require.Len(t, runners, 1)
	assert.Equal(t, int64(2), runners[0].Version)
}

func TestApplyAssignmentsRejectsUnknownOwner(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	_, err := s.ApplyAssignments([]Assignment{{Shard: 1, Owner: addr("ghost", 1)}}, nil)
	require.Error(t, err)
	assert.True(t, shardmgrerr.Is(err, shardmgrerr.Invariant))
}

func TestApplyAssignmentsRejectsOutOfRangeShard(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	_, err := s.ApplyAssignments(nil, []Assignment{{Shard: 99}})
	require.Error(t, err)
	assert.True(t, shardmgrerr.Is(err, shardmgrerr.Invariant))
}

func TestApplyAssignmentsProducesDelta(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	a := addr("r1", 9000)
	s.AddRunner(a, 1)

	deltas, err := s.ApplyAssignments([]Assignment{{Shard: 1, Owner: a}, {Shard: 2, Owner: a}}, nil)
	require.NoError(t, err)
	require.Contains(t, deltas, a)
	assert.Equal(t, []int{1, 2}, deltas[a].Added)
	assert.Empty(t, deltas[a].Removed)

	owner, assigned := s.Snapshot().Owner(1)
	assert.True(t, assigned)
	assert.Equal(t, a, owner)
}

func TestRemoveRunnerUnassignsShardsInSameCommit(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	a := addr("r1", 9000)
	s.AddRunner(a, 1)
	_, err := s.ApplyAssignments([]Assignment{{Shard: 1, Owner: a}, {Shard: 2, Owner: a}}, nil)
	require.NoError(t, err)

	delta, found := s.RemoveRunner(a)
	require.True(t, found)
	assert.Equal(t, []int{1, 2}, delta.Removed)

	snap := s.Snapshot()
	_, assigned := snap.Owner(1)
	assert.False(t, assigned)
	assert.Empty(t, snap.Runners)
}

func TestRemoveRunnerUnknownReturnsFalse(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	_, found := s.RemoveRunner(addr("ghost", 1))
	assert.False(t, found)
}

func TestHeartbeatUnknownRunnerIsClientMisuse(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	err := s.Heartbeat(addr("ghost", 1))
	require.Error(t, err)
	assert.True(t, shardmgrerr.Is(err, shardmgrerr.ClientMisuse))
}

func TestHeartbeatClearsStrikes(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	a := addr("r1", 9000)
	s.AddRunner(a, 1)

	_, err := s.RecordStrike(a)
	require.NoError(t, err)
	_, err = s.RecordStrike(a)
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(a))

	runners := s.AllRunners()
	require.Len(t, runners, 1)
	assert.Equal(t, 0, runners[0].Strikes)
}

func TestSeedMarksRunnersUnverified(t *testing.T) {
	s := New(4, clockwork.NewFakeClock())
	a := addr("r1", 9000)
	s.Seed([]RunnerRecord{{Address: a, Version: 1}}, map[int]cluster.RunnerAddress{1: a})

	runners := s.AllRunners()
	require.Len(t, runners, 1)
	assert.True(t, runners[0].Unverified)

	owner, assigned := s.Snapshot().Owner(1)
	assert.True(t, assigned)
	assert.Equal(t, a, owner)
}

func TestAssignmentsForRunnerSorted(t *testing.T) {
	s := New(10, clockwork.NewFakeClock())
	a := addr("r1", 9000)
	s.AddRunner(a, 1)
	_, err := s.ApplyAssignments([]Assignment{{Shard: 5, Owner: a}, {Shard: 1, Owner: a}, {Shard: 3, Owner: a}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 5}, s.AssignmentsForRunner(a))
}
