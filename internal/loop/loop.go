// Package loop implements the shard manager's single-consumer control
// loop: the one goroutine with exclusive authority to mutate the state
// store, serializing register/unregister/heartbeat/persist-feedback events
// and debouncing the rebalance rounds they trigger. Modeled on the
// teacher's HealthMonitor.Start/Stop goroutine-plus-context lifecycle and
// cuemby-warren's ticker-driven scheduler loop.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/config"
	"github.com/dreamware/shardkeep/internal/engine"
	"github.com/dreamware/shardkeep/internal/log"
	"github.com/dreamware/shardkeep/internal/metrics"
	"github.com/dreamware/shardkeep/internal/notify"
	"github.com/dreamware/shardkeep/internal/persist"
	"github.com/dreamware/shardkeep/internal/shardmgrerr"
	"github.com/dreamware/shardkeep/internal/state"
)

type registerMsg struct {
	addr    cluster.RunnerAddress
	version int64
	reply   chan error
}

type unregisterMsg struct {
	addr  cluster.RunnerAddress
	reply chan error
}

type heartbeatMsg struct {
	addr  cluster.RunnerAddress
	reply chan error
}

type persistRetryMsg struct{}
type debounceFiredMsg struct{}
type periodicTickMsg struct{}

// Loop is the shard manager's control loop. Create one with New, then run
// it on a dedicated goroutine with Run.
type Loop struct {
	store     *state.Store
	notifier  *notify.Notifier
	persister persist.Store
	clock     clockwork.Clock
	cfg       config.Config
	logger    zerolog.Logger

	intake chan any

	debounceTimer clockwork.Timer
	periodicTimer clockwork.Timer

	committedVersion int64
	persistedVersion int64
	persistBackoff   time.Duration

	fatal     chan struct{}
	fatalOnce sync.Once
	fatalErr  error

	stopped chan struct{}
}

// New builds a Loop over store, notifying through notifier and persisting
// through persister, using clock for all time-based behavior so tests can
// drive it deterministically.
func New(store *state.Store, notifier *notify.Notifier, persister persist.Store, clock clockwork.Clock, cfg config.Config) *Loop {
	return &Loop{
		store:          store,
		notifier:       notifier,
		persister:      persister,
		clock:          clock,
		cfg:            cfg,
		logger:         log.WithComponent("loop"),
		intake:         make(chan any, 256),
		persistBackoff: cfg.PersistRetryBackoff,
		fatal:          make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

// Register enqueues a Register event and blocks until it has been applied.
func (l *Loop) Register(addr cluster.RunnerAddress, version int64) error {
	reply := make(chan error, 1)
	l.intake <- registerMsg{addr: addr, version: version, reply: reply}
	return <-reply
}

// Unregister enqueues an Unregister event and blocks until it has been
// applied.
func (l *Loop) Unregister(addr cluster.RunnerAddress) error {
	reply := make(chan error, 1)
	l.intake <- unregisterMsg{addr: addr, reply: reply}
	return <-reply
}

// Heartbeat enqueues a Heartbeat event and blocks until it has been
// applied, returning a ClientMisuse error if addr is not registered.
func (l *Loop) Heartbeat(addr cluster.RunnerAddress) error {
	reply := make(chan error, 1)
	l.intake <- heartbeatMsg{addr: addr, reply: reply}
	return <-reply
}

// GetAssignments is a direct passthrough to the store's own lock; reads
// never need to go through the event intake.
func (l *Loop) GetAssignments() map[int]cluster.RunnerAddress {
	return l.store.AllAssignments()
}

// AssignmentsForRunner is a direct passthrough to the store.
func (l *Loop) AssignmentsForRunner(addr cluster.RunnerAddress) []int {
	return l.store.AssignmentsForRunner(addr)
}

// Done reports when Run has finished draining and exited, for callers that
// need to wait out the shutdown sequence before releasing the transport.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Err returns the error that halted the loop, if it stopped because of an
// invariant violation rather than a canceled context. Safe to call only
// after Done has fired.
func (l *Loop) Err() error {
	return l.fatalErr
}

// Run drains the event intake until ctx is canceled. Shutdown order
// follows §5: the caller is expected to cancel the prober before canceling
// ctx here, so no new prober-driven events arrive; Run then drains
// whatever is already queued, persists once more, and returns. Per §7, an
// InvariantViolation is fatal: Run stops accepting events and exits on its
// own rather than waiting for ctx to be canceled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)

	if l.cfg.RebalanceInterval > 0 {
		l.periodicTimer = l.clock.AfterFunc(l.cfg.RebalanceInterval, l.firePeriodicTick)
	}

	for {
		select {
		case msg := <-l.intake:
			l.handle(ctx, msg)
		case <-l.fatal:
			l.logger.Error().Err(l.fatalErr).Msg("control loop halted on invariant violation")
			l.drain()
			return
		case <-ctx.Done():
			l.drain()
			return
		}
	}
}

// haltFatal records err and stops Run's event loop after it finishes
// draining, matching §7's policy that an InvariantViolation is fatal rather
// than recoverable: the engine's own output should never produce one, so
// continuing to serve events past it would be operating on a state the
// control loop no longer trusts.
func (l *Loop) haltFatal(err error) {
	l.fatalOnce.Do(func() {
		l.fatalErr = err
		close(l.fatal)
	})
}

// drain processes whatever is already buffered in the intake without
// blocking, then performs one final persist of the latest committed state.
// It uses a fresh background context for that last persist since the one
// Run was given is already canceled.
func (l *Loop) drain() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case msg := <-l.intake:
			l.handle(shutdownCtx, msg)
		default:
			l.persistNow(shutdownCtx)
			return
		}
	}
}

func (l *Loop) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case registerMsg:
		l.store.AddRunner(m.addr, m.version)
		l.updateGauges()
		l.scheduleRebalance()
		m.reply <- nil

	case unregisterMsg:
		delta, found := l.store.RemoveRunner(m.addr)
		if !found {
			m.reply <- shardmgrerr.New(shardmgrerr.ClientMisuse, "unregister of unknown runner %s", m.addr)
			return
		}
		l.notifier.Send(m.addr, delta)
		l.updateGauges()
		l.scheduleRebalance()
		m.reply <- nil

	case heartbeatMsg:
		err := l.store.Heartbeat(m.addr)
		m.reply <- err

	case debounceFiredMsg:
		l.runRebalanceRound(ctx)

	case periodicTickMsg:
		if l.cfg.RebalanceInterval > 0 {
			l.periodicTimer = l.clock.AfterFunc(l.cfg.RebalanceInterval, l.firePeriodicTick)
		}
		l.runRebalanceRound(ctx)

	case persistRetryMsg:
		l.persistNow(ctx)

	default:
		l.logger.Warn().Interface("event", msg).Msg("unrecognized event, ignoring")
	}
}

func (l *Loop) scheduleRebalance() {
	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
	}
	l.debounceTimer = l.clock.AfterFunc(l.cfg.RebalanceDebounce, l.fireDebounce)
}

func (l *Loop) fireDebounce() {
	l.intake <- debounceFiredMsg{}
}

func (l *Loop) firePeriodicTick() {
	l.intake <- periodicTickMsg{}
}

// backlog reports how many commits are ahead of the persisted watermark.
func (l *Loop) backlog() int64 {
	return l.committedVersion - l.persistedVersion
}

// runRebalanceRound is the heart of §4.3: vacate, then assign, followed by
// persist and notify in that order. The vacates and the assignments are
// applied to the store as two separate ApplyAssignments batches, so a
// reader of the store between them sees the vacated shards unassigned; the
// round as a whole counts as one commit version. Paused while the
// unpersisted backlog exceeds its configured bound.
func (l *Loop) runRebalanceRound(ctx context.Context) {
	if int(l.backlog()) > l.cfg.PersistBacklogLimit {
		l.logger.Warn().Int64("backlog", l.backlog()).Msg("rebalance paused: persistence backlog over limit")
		return
	}

	start := l.clock.Now()
	defer func() {
		metrics.RebalanceRoundDuration.Observe(l.clock.Since(start).Seconds())
		metrics.RebalanceRoundsTotal.Inc()
	}()

	snap := l.store.Snapshot()
	moves := engine.Rebalance(snap, l.cfg.RebalanceMoveBudget)

	combined := make(map[cluster.RunnerAddress]cluster.Delta)

	if len(moves) > 0 {
		removes := make([]state.Assignment, 0, len(moves))
		for _, mv := range moves {
			removes = append(removes, state.Assignment{Shard: mv.Shard})
		}
		deltas, err := l.store.ApplyAssignments(nil, removes)
		if err != nil {
			l.haltFatal(err)
			return
		}
		mergeDeltas(combined, deltas)
		metrics.ShardMovesTotal.Add(float64(len(moves)))
	}

	snap = l.store.Snapshot()
	assigned := engine.AssignUnassigned(snap)
	if len(assigned) > 0 {
		adds := make([]state.Assignment, 0, len(assigned))
		for shard, owner := range assigned {
			adds = append(adds, state.Assignment{Shard: shard, Owner: owner})
		}
		deltas, err := l.store.ApplyAssignments(adds, nil)
		if err != nil {
			l.haltFatal(err)
			return
		}
		mergeDeltas(combined, deltas)
	}

	l.updateGauges()

	if len(combined) == 0 {
		return
	}

	l.committedVersion++
	l.persistNow(ctx)
	l.notifier.SendAll(combined)
	for addr := range combined {
		metrics.NotificationsSentTotal.WithLabelValues(addr.String()).Inc()
	}
}

// updateGauges refreshes the runner-count, unassigned-shard, and load-spread
// gauges from the store's current state. Load spread is measured only across
// runners at the maximum observed version, matching the version gate the
// assignment engine itself applies.
func (l *Loop) updateGauges() {
	runners := l.store.AllRunners()
	assignments := l.store.AllAssignments()

	metrics.RunnersTotal.Set(float64(len(runners)))

	var unassigned int
	for _, owner := range assignments {
		if owner == (cluster.RunnerAddress{}) {
			unassigned++
		}
	}
	metrics.ShardsUnassigned.Set(float64(unassigned))

	var maxVersion int64
	for _, r := range runners {
		if r.Version > maxVersion {
			maxVersion = r.Version
		}
	}

	load := make(map[cluster.RunnerAddress]int)
	for _, owner := range assignments {
		if owner != (cluster.RunnerAddress{}) {
			load[owner]++
		}
	}

	var min, max int
	seen := false
	for _, r := range runners {
		if r.Version != maxVersion {
			continue
		}
		n := load[r.Address]
		if !seen {
			min, max, seen = n, n, true
			continue
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if !seen {
		metrics.LoadSpread.Set(0)
		return
	}
	metrics.LoadSpread.Set(float64(max - min))
}

// persistNow attempts one synchronous SaveState for the latest committed
// state. On failure it schedules a backoff retry and leaves the backlog
// counter elevated; state mutations keep applying in memory regardless.
func (l *Loop) persistNow(ctx context.Context) {
	version := l.committedVersion
	snap := persist.Snapshot{
		Runners:     l.store.AllRunners(),
		Assignments: l.store.AllAssignments(),
		Version:     version,
	}

	if err := l.persister.SaveState(ctx, snap); err != nil {
		metrics.PersistFailuresTotal.Inc()
		l.logger.Error().Err(shardmgrerr.Wrap(shardmgrerr.Persistence, err)).Msg("persist failed, retrying with backoff")
		backoff := l.persistBackoff
		l.persistBackoff = minDuration(l.persistBackoff*2, 30*time.Second)
		l.clock.AfterFunc(backoff, l.firePersistRetry)
		return
	}

	l.persistedVersion = version
	l.persistBackoff = l.cfg.PersistRetryBackoff
	metrics.PersistedVersion.Set(float64(version))
}

func (l *Loop) firePersistRetry() {
	l.intake <- persistRetryMsg{}
}

func mergeDeltas(into map[cluster.RunnerAddress]cluster.Delta, from map[cluster.RunnerAddress]cluster.Delta) {
	for addr, d := range from {
		existing := into[addr]
		existing.Added = append(existing.Added, d.Added...)
		existing.Removed = append(existing.Removed, d.Removed...)
		into[addr] = existing
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
