// Package config loads the TOML configuration for each SwarmOS service,
// in the style of geth's node/eth config structs loaded via BurntSushi/toml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// FeeSplit holds the epoch revenue-split percentages. Every percentage is
// of the epoch's gross revenue except WorkPool and ReadinessPool, which
// split what remains after Protocol and Operator are taken.
type FeeSplit struct {
	Protocol  float64 `toml:"protocol"`
	Operator  float64 `toml:"operator"`
	WorkPool  float64 `toml:"work_pool"`
	Readiness float64 `toml:"readiness_pool"`
}

// DefaultFeeSplit matches the percentages named as authoritative: 2%
// protocol, 5% operator, then 70/30 work/readiness of the remaining 93%.
func DefaultFeeSplit() FeeSplit {
	return FeeSplit{Protocol: 0.02, Operator: 0.05, WorkPool: 0.70, Readiness: 0.30}
}

// Timeouts holds every duration the system names explicitly.
type Timeouts struct {
	ReplayWindow          time.Duration `toml:"replay_window"`
	ClaimTimeout          time.Duration `toml:"claim_timeout"`
	HeartbeatInterval     time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout      time.Duration `toml:"heartbeat_timeout"`
	HeartbeatSweepInterval time.Duration `toml:"heartbeat_sweep_interval"`
	PollInterval          time.Duration `toml:"poll_interval"`
}

// DefaultTimeouts returns the defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ReplayWindow:           300 * time.Second,
		ClaimTimeout:           60 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       60 * time.Second,
		HeartbeatSweepInterval: 10 * time.Second,
		PollInterval:           2 * time.Second,
	}
}

// ControllerConfig configures the Dispatch Controller binary.
type ControllerConfig struct {
	ListenAddr   string   `toml:"listen_addr"`
	DataDir      string   `toml:"data_dir"`
	LedgerAddr   string   `toml:"ledger_addr"`
	PricePerJob  string   `toml:"price_per_job"` // decimal string, e.g. "0.10"
	MetricsAddr  string   `toml:"metrics_addr"`
	JWTSigningKey string  `toml:"jwt_signing_key"`
	Timeouts     Timeouts `toml:"timeouts"`
	FeeSplit     FeeSplit `toml:"fee_split"`

	// ReadinessMinUptimeSec is the per-epoch uptime a worker needs to
	// qualify for the readiness pool at seal time.
	ReadinessMinUptimeSec int64 `toml:"readiness_min_uptime_sec"`
}

// LedgerConfig configures the Settlement Ledger binary.
type LedgerConfig struct {
	ListenAddr    string   `toml:"listen_addr"`
	DataDir       string   `toml:"data_dir"`
	CASDir        string   `toml:"cas_dir"`
	MetricsAddr   string   `toml:"metrics_addr"`
	JWTSigningKey string   `toml:"jwt_signing_key"`
	FeeSplit      FeeSplit `toml:"fee_split"`
}

// WorkerConfig configures a Worker Agent binary.
type WorkerConfig struct {
	WorkerID       string   `toml:"worker_id"`
	ControllerAddr string   `toml:"controller_addr"`
	GPUModel       string   `toml:"gpu_model"`
	VRAMGiB        int      `toml:"vram_gib"`
	Endpoint       string   `toml:"endpoint"`
	Timeouts       Timeouts `toml:"timeouts"`
}

// LoadControllerConfig reads and decodes a controller TOML file, filling
// any unset timeout/fee fields with defaults.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cfg := &ControllerConfig{Timeouts: DefaultTimeouts(), FeeSplit: DefaultFeeSplit(), PricePerJob: "0.10"}
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLedgerConfig reads and decodes a ledger TOML file.
func LoadLedgerConfig(path string) (*LedgerConfig, error) {
	cfg := &LedgerConfig{FeeSplit: DefaultFeeSplit()}
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorkerConfig reads and decodes a worker-agent TOML file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{Timeouts: DefaultTimeouts()}
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, v); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}
