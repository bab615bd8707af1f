// Package engine implements the shard manager's pure assignment decisions:
// given a state snapshot, which unassigned shards go to which runner, and
// which currently-assigned shards should be vacated to restore balance.
// Nothing here touches a clock, a socket, or a lock, which is what makes it
// independently unit-testable and deterministic, generalizing the teacher's
// round-robin RebalanceShards into the spec's version-gated, load-aware
// algorithm.
package engine

import (
	"sort"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/state"
)

// Move is one shard vacated by the rebalancer, handed back to the caller so
// it can feed the vacated shard into a following AssignUnassigned pass.
type Move struct {
	Shard    int
	FromAddr cluster.RunnerAddress
}

// candidate is a runner tracked during assignment/rebalance simulation.
type candidate struct {
	addr    cluster.RunnerAddress
	version int64
	load    int
}

// maxVersionCandidates returns the runners at the maximum observed version,
// sorted by ascending load then lexicographic address — the version gate
// plus the tie-break order §4.2 requires.
func maxVersionCandidates(snap state.Snapshot) []candidate {
	if len(snap.Runners) == 0 {
		return nil
	}

	var maxVersion int64
	for _, r := range snap.Runners {
		if r.Version > maxVersion {
			maxVersion = r.Version
		}
	}

	load := make(map[cluster.RunnerAddress]int)
	for _, owner := range snap.Assignments {
		if owner != (cluster.RunnerAddress{}) {
			load[owner]++
		}
	}

	var candidates []candidate
	for _, r := range snap.Runners {
		if r.Version != maxVersion {
			continue
		}
		candidates = append(candidates, candidate{addr: r.Address, version: r.Version, load: load[r.Address]})
	}

	sortCandidates(candidates)
	return candidates
}

func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].addr.String() < candidates[j].addr.String()
	})
}

// AssignUnassigned computes assignments for every currently-unassigned
// shard. It walks shards in ascending id order, always handing the next
// shard to the least-loaded max-version candidate, simulating that
// candidate's load increasing so subsequent shards spread evenly. Returns
// an empty map if there are no runners or no runner sits at the maximum
// observed version.
func AssignUnassigned(snap state.Snapshot) map[int]cluster.RunnerAddress {
	candidates := maxVersionCandidates(snap)
	if len(candidates) == 0 {
		return nil
	}

	var unassigned []int
	for shard := 1; shard <= snap.TotalShards; shard++ {
		owner, assigned := snap.Owner(shard)
		if !assigned || owner == (cluster.RunnerAddress{}) {
			unassigned = append(unassigned, shard)
		}
	}
	sort.Ints(unassigned)

	assignments := make(map[int]cluster.RunnerAddress, len(unassigned))
	for _, shard := range unassigned {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].load != candidates[j].load {
				return candidates[i].load < candidates[j].load
			}
			return candidates[i].addr.String() < candidates[j].addr.String()
		})
		best := &candidates[0]
		assignments[shard] = best.addr
		best.load++
	}
	return assignments
}

// Rebalance computes which currently-assigned shards to vacate to bring
// every runner at a given version within one shard of that version's
// target load, never exceeding moveBudget total vacates. It never assigns
// a vacated shard itself — the caller runs AssignUnassigned on the
// resulting snapshot to place them, preserving the two-phase
// vacate-then-assign discipline.
func Rebalance(snap state.Snapshot, moveBudget int) []Move {
	if moveBudget <= 0 || len(snap.Runners) == 0 {
		return nil
	}

	byVersion := make(map[int64][]cluster.RunnerAddress)
	for _, r := range snap.Runners {
		byVersion[r.Version] = append(byVersion[r.Version], r.Address)
	}

	ownedBy := make(map[cluster.RunnerAddress][]int)
	for shard := 1; shard <= snap.TotalShards; shard++ {
		owner, assigned := snap.Owner(shard)
		if assigned {
			ownedBy[owner] = append(ownedBy[owner], shard)
		}
	}

	versions := make([]int64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	var moves []Move
	for _, v := range versions {
		if len(moves) >= moveBudget {
			break
		}
		moves = append(moves, rebalanceVersionClass(byVersion[v], ownedBy, moveBudget-len(moves))...)
	}
	return moves
}

// rebalanceVersionClass rebalances the runners sharing one version, capped
// at budget total vacates across the whole class.
func rebalanceVersionClass(addrs []cluster.RunnerAddress, ownedBy map[cluster.RunnerAddress][]int, budget int) []Move {
	total := 0
	for _, a := range addrs {
		total += len(ownedBy[a])
	}
	target := total / len(addrs)
	if total%len(addrs) != 0 {
		target++
	}

	type overload struct {
		addr  cluster.RunnerAddress
		over  int
		owned []int
	}
	var overloaded []overload
	for _, a := range addrs {
		owned := append([]int(nil), ownedBy[a]...)
		sort.Sort(sort.Reverse(sort.IntSlice(owned)))
		if excess := len(owned) - target; excess > 0 {
			overloaded = append(overloaded, overload{addr: a, over: excess, owned: owned})
		}
	}

	// Largest overload first, as §4.2 specifies.
	sort.Slice(overloaded, func(i, j int) bool {
		if overloaded[i].over != overloaded[j].over {
			return overloaded[i].over > overloaded[j].over
		}
		return overloaded[i].addr.String() < overloaded[j].addr.String()
	})

	var moves []Move
	for _, o := range overloaded {
		vacateCount := o.over
		for i := 0; i < vacateCount && i < len(o.owned) && len(moves) < budget; i++ {
			moves = append(moves, Move{Shard: o.owned[i], FromAddr: o.addr})
		}
		if len(moves) >= budget {
			break
		}
	}
	return moves
}
