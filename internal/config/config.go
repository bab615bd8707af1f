// Package config loads the shard manager's tunables from a YAML file,
// following the same gopkg.in/yaml.v3 convention the rest of the ecosystem
// uses for declarative resource files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the control loop, prober, notifier, and
// persistence layer read at startup.
type Config struct {
	// ListenAddr is the admin HTTP bind address (commands + /metrics).
	ListenAddr string `yaml:"listenAddr"`

	// TotalShards is the fixed shard space size, numbered [1, TotalShards].
	TotalShards int `yaml:"totalShards"`

	// RebalanceDebounce is how long the control loop waits after the last
	// triggering event before running a rebalance round.
	RebalanceDebounce time.Duration `yaml:"rebalanceDebounce"`

	// RebalanceInterval, when non-zero, also triggers a rebalance round on a
	// fixed period regardless of event traffic.
	RebalanceInterval time.Duration `yaml:"rebalanceInterval"`

	// RebalanceMoveBudget caps the number of shards vacated in a single
	// rebalance round.
	RebalanceMoveBudget int `yaml:"rebalanceMoveBudget"`

	// LivenessThreshold is how long a runner may go without a heartbeat
	// before the prober pings it; a strike accrues only if that ping fails.
	LivenessThreshold time.Duration `yaml:"livenessThreshold"`

	// PingTimeout bounds a single health probe request.
	PingTimeout time.Duration `yaml:"pingTimeout"`

	// ProbeConcurrency bounds how many health probes run concurrently per
	// probe round.
	ProbeConcurrency int `yaml:"probeConcurrency"`

	// MaxStrikes is the number of consecutive failed probes before a runner
	// is evicted.
	MaxStrikes int `yaml:"maxStrikes"`

	// ProbeInterval is the period between health probe rounds.
	ProbeInterval time.Duration `yaml:"probeInterval"`

	// PersistRetryBackoff is the base backoff between retried persistence
	// writes.
	PersistRetryBackoff time.Duration `yaml:"persistRetryBackoff"`

	// PersistBacklogLimit is the number of unpersisted commits allowed
	// before the control loop pauses accepting new rebalance rounds. Kept
	// small by default since it bounds how far in-memory state may diverge
	// from durable storage.
	PersistBacklogLimit int `yaml:"persistBacklogLimit"`

	// NotificationBuffer is the per-runner bounded channel depth for
	// outbound assignment notifications.
	NotificationBuffer int `yaml:"notificationBuffer"`

	// EtcdEndpoints, when non-empty, selects the etcd-backed persistence
	// store; otherwise the in-memory store is used.
	EtcdEndpoints []string `yaml:"etcdEndpoints"`

	// EtcdKeyPrefix namespaces the shard manager's keys within etcd.
	EtcdKeyPrefix string `yaml:"etcdKeyPrefix"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds log settings read from the config file. shardmgrd
// configures the process-wide logger from its --log-level and --log-json
// flags and does not read these fields.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config populated with the values the spec names as
// reasonable defaults for a small deployment.
func Default() Config {
	return Config{
		ListenAddr:          ":8090",
		TotalShards:         256,
		RebalanceDebounce:   300 * time.Millisecond,
		RebalanceMoveBudget: 64,
		LivenessThreshold:   15 * time.Second,
		PingTimeout:         3 * time.Second,
		ProbeConcurrency:    8,
		MaxStrikes:          3,
		ProbeInterval:       5 * time.Second,
		PersistRetryBackoff: 500 * time.Millisecond,
		PersistBacklogLimit: 1,
		NotificationBuffer:  32,
		EtcdKeyPrefix:       "/shardmgr/",
		Log:                 LogConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file, starting from Default and
// overlaying whatever the file sets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the minimal invariants the rest of the system assumes
// about its own configuration.
func (c Config) Validate() error {
	if c.TotalShards <= 0 {
		return fmt.Errorf("totalShards must be positive, got %d", c.TotalShards)
	}
	if c.MaxStrikes <= 0 {
		return fmt.Errorf("maxStrikes must be positive, got %d", c.MaxStrikes)
	}
	if c.ProbeConcurrency <= 0 {
		return fmt.Errorf("probeConcurrency must be positive, got %d", c.ProbeConcurrency)
	}
	if c.NotificationBuffer <= 0 {
		return fmt.Errorf("notificationBuffer must be positive, got %d", c.NotificationBuffer)
	}
	return nil
}
