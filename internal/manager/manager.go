// Package manager wires the shard manager's components together and owns
// their lifecycle: construction, recovery from persisted state, startup,
// and the graceful shutdown sequence spec.md §5 mandates. Modeled on the
// teacher's cmd/coordinator newServer/main wiring, generalized from a single
// struct literal into a package so cmd/shardmgrd stays a thin CLI shell.
package manager

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dreamware/shardkeep/internal/cluster"
	"github.com/dreamware/shardkeep/internal/config"
	"github.com/dreamware/shardkeep/internal/log"
	"github.com/dreamware/shardkeep/internal/loop"
	"github.com/dreamware/shardkeep/internal/notify"
	"github.com/dreamware/shardkeep/internal/persist"
	"github.com/dreamware/shardkeep/internal/persist/etcdstore"
	"github.com/dreamware/shardkeep/internal/persist/memstore"
	"github.com/dreamware/shardkeep/internal/prober"
	"github.com/dreamware/shardkeep/internal/rpc"
	"github.com/dreamware/shardkeep/internal/state"
)

// Manager owns one shard manager instance: its state store, control loop,
// health prober, persistence backend, and HTTP transport.
type Manager struct {
	cfg config.Config

	store     *state.Store
	notifier  *notify.Notifier
	persister persist.Store
	etcdConn  *clientv3.Client
	loop      *loop.Loop
	prober    *prober.Prober
	httpSrv   *http.Server
	listener  net.Listener

	logger zerolog.Logger

	loopCancel   context.CancelFunc
	proberCancel context.CancelFunc
}

// New constructs a Manager from cfg but does not start anything yet. Call
// Run to recover state, start every component, and serve until ctx is
// canceled.
func New(cfg config.Config) (*Manager, error) {
	clock := clockwork.NewRealClock()
	store := state.New(cfg.TotalShards, clock)
	notifier := notify.New(cfg.NotificationBuffer)

	persister, etcdConn, err := buildPersister(cfg)
	if err != nil {
		return nil, err
	}

	ctrlLoop := loop.New(store, notifier, persister, clock, cfg)
	healthProber := prober.New(store, ctrlLoop, cluster.Ping, clock, cfg)
	rpcServer := rpc.New(ctrlLoop, notifier)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		if etcdConn != nil {
			_ = etcdConn.Close()
		}
		return nil, fmt.Errorf("manager: listen %s: %w", cfg.ListenAddr, err)
	}

	httpSrv := &http.Server{
		Handler:           rpcServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Manager{
		cfg:       cfg,
		store:     store,
		notifier:  notifier,
		persister: persister,
		etcdConn:  etcdConn,
		loop:      ctrlLoop,
		prober:    healthProber,
		httpSrv:   httpSrv,
		listener:  listener,
		logger:    log.WithComponent("manager"),
	}, nil
}

// Addr returns the address the HTTP transport is bound to, useful for
// tests that ask the OS to pick a free port (":0").
func (m *Manager) Addr() string {
	return m.listener.Addr().String()
}

func buildPersister(cfg config.Config) (persist.Store, *clientv3.Client, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return memstore.New(), nil, nil
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("manager: connect etcd: %w", err)
	}
	return etcdstore.New(client, cfg.EtcdKeyPrefix), client, nil
}

// Run recovers any persisted state, starts every component, and blocks
// serving HTTP until ctx is canceled, at which point it runs the full
// shutdown sequence before returning.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.recover(ctx); err != nil {
		_ = m.listener.Close()
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	proberCtx, proberCancel := context.WithCancel(context.Background())
	m.loopCancel = loopCancel
	m.proberCancel = proberCancel

	go m.loop.Run(loopCtx)
	go m.prober.Start(proberCtx)

	serveErr := make(chan error, 1)
	go func() {
		m.logger.Info().Str("addr", m.listener.Addr().String()).Msg("shard manager listening")
		if err := m.httpSrv.Serve(m.listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		m.shutdown()
		return <-serveErr
	case err := <-serveErr:
		m.shutdown()
		return err
	case <-m.loop.Done():
		// The control loop only exits on its own, ahead of ctx being
		// canceled, when it halted on a fatal invariant violation (§7).
		m.shutdown()
		<-serveErr
		if err := m.loop.Err(); err != nil {
			return fmt.Errorf("manager: control loop halted: %w", err)
		}
		return nil
	}
}

// recover loads any previously persisted snapshot and seeds the store with
// it before the event intake opens, per spec.md §4.6. Seeded runners are
// marked Unverified; the prober's first tick, which runs as soon as Start is
// called, pings every Unverified runner and either heartbeats or strikes it.
func (m *Manager) recover(ctx context.Context) error {
	snap, err := m.persister.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("manager: recover: %w", err)
	}
	if snap == nil {
		return nil
	}

	m.logger.Info().Int("runners", len(snap.Runners)).Int("assignments", len(snap.Assignments)).Msg("recovered persisted state")
	m.store.Seed(snap.Runners, snap.Assignments)
	return nil
}

// shutdown runs the ordering spec.md §5 requires: cancel the prober first so
// no new prober-driven events arrive, then stop the loop's intake and
// let it drain and persist one last time, then close notification channels,
// then release the HTTP transport.
func (m *Manager) shutdown() {
	m.logger.Info().Msg("shutting down")

	if m.proberCancel != nil {
		m.proberCancel()
		<-m.prober.Done()
	}
	if m.loopCancel != nil {
		m.loopCancel()
		<-m.loop.Done()
	}

	m.notifier.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.httpSrv.Shutdown(shutdownCtx); err != nil {
		m.logger.Error().Err(err).Msg("http server shutdown error")
	}

	if m.etcdConn != nil {
		if err := m.etcdConn.Close(); err != nil {
			m.logger.Error().Err(err).Msg("etcd client close error")
		}
	}

	m.logger.Info().Msg("shard manager stopped")
}
