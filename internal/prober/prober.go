// Package prober drives the shard manager's health checks: a fixed-interval
// ticker that pings every runner whose heartbeat has gone stale, bounded to
// probeConcurrency in flight at once via golang.org/x/sync/errgroup, the
// pack's idiom for bounded fan-out. Generalizes the teacher's sequential
// HealthMonitor.checkAllNodes into the spec's required bounded-parallel
// form.
package prober

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/config"
	"github.com/dreamware/shardkeep/internal/log"
	"github.com/dreamware/shardkeep/internal/metrics"
	"github.com/dreamware/shardkeep/internal/state"
)

// PingFunc performs one liveness check against addr, respecting ctx's
// deadline. cluster.Ping is the production implementation; tests inject a
// fake.
type PingFunc func(ctx context.Context, addr cluster.RunnerAddress) error

// loopHandle is the subset of *loop.Loop the prober drives events through.
// Declared here rather than imported from internal/loop to keep the
// dependency direction leaf-first: prober depends on loop, not vice versa,
// and this narrow interface is all it needs.
type loopHandle interface {
	Heartbeat(cluster.RunnerAddress) error
	Unregister(cluster.RunnerAddress) error
}

// StoreReader is the subset of *state.Store the prober reads and updates
// strike bookkeeping on directly, bypassing the control loop: strike
// counts are not part of the commit+persist+notify critical section, so
// incrementing them doesn't need the loop's serialization.
type StoreReader interface {
	AllRunners() []state.RunnerRecord
	RecordStrike(cluster.RunnerAddress) (int, error)
}

// Prober periodically checks every registered runner's liveness.
type Prober struct {
	store  StoreReader
	loop   loopHandle
	ping   PingFunc
	clock  clockwork.Clock
	cfg    config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	timer   clockwork.Timer
	stopped chan struct{}
}

// New builds a Prober. ping is typically cluster.Ping; tests pass a fake.
func New(store StoreReader, loop loopHandle, ping PingFunc, clock clockwork.Clock, cfg config.Config) *Prober {
	return &Prober{
		store:   store,
		loop:    loop,
		ping:    ping,
		clock:   clock,
		cfg:     cfg,
		logger:  log.WithComponent("prober"),
		stopped: make(chan struct{}),
	}
}

// Start begins probing on a fixed interval in the current goroutine,
// running until ctx is canceled.
func (p *Prober) Start(ctx context.Context) {
	defer close(p.stopped)

	ticker := p.clock.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.cfg.ProbeInterval).Msg("health prober started")
	p.tick(ctx)

	for {
		select {
		case <-ticker.Chan():
			p.tick(ctx)
		case <-ctx.Done():
			p.logger.Info().Msg("health prober stopping")
			return
		}
	}
}

// Done reports when Start has returned.
func (p *Prober) Done() <-chan struct{} {
	return p.stopped
}

// tick probes every Unverified runner and every runner whose last heartbeat
// is older than livenessThreshold, up to probeConcurrency at once.
func (p *Prober) tick(ctx context.Context) {
	now := p.clock.Now()
	var stale []state.RunnerRecord
	for _, r := range p.store.AllRunners() {
		if r.Unverified || now.Sub(r.LastHeartbeat) >= p.cfg.LivenessThreshold {
			stale = append(stale, r)
		}
	}
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ProbeConcurrency)

	for _, r := range stale {
		r := r
		g.Go(func() error {
			p.probeOne(gctx, r)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne pings a single stale runner and reports the outcome back into
// the control loop. Consecutive strikes are counted in the store through
// RecordStrike, called directly rather than through the loop's event path.
func (p *Prober) probeOne(ctx context.Context, r state.RunnerRecord) {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()

	err := p.ping(pingCtx, r.Address)
	if err == nil {
		if hbErr := p.loop.Heartbeat(r.Address); hbErr != nil {
			p.logger.Debug().Err(hbErr).Str("runner", r.Address.String()).Msg("heartbeat after successful probe rejected, runner likely removed concurrently")
		}
		return
	}

	strikes, strikeErr := p.store.RecordStrike(r.Address)
	if strikeErr != nil {
		p.logger.Debug().Err(strikeErr).Str("runner", r.Address.String()).Msg("strike against runner rejected, likely removed concurrently")
		return
	}
	metrics.StrikesTotal.Inc()
	p.logger.Debug().Str("runner", r.Address.String()).Int("strikes", strikes).Err(err).Msg("health probe failed")

	if strikes < p.cfg.MaxStrikes {
		return
	}

	p.logger.Warn().Str("runner", r.Address.String()).Int("strikes", strikes).Msg("evicting runner after consecutive probe failures")
	metrics.EvictionsTotal.Inc()
	if unregErr := p.loop.Unregister(r.Address); unregErr != nil {
		p.logger.Debug().Err(unregErr).Str("runner", r.Address.String()).Msg("unregister on eviction rejected, runner likely removed concurrently")
	}
}
