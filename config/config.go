// Package config loads the relayer daemon's TOML configuration file,
// following the same decode-then-validate shape the chain node's own
// config loader uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level relayer daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`

	NEAR          NEARConfig          `toml:"NEAR"`
	KeyPool       KeyPoolConfig       `toml:"KeyPool"`
	Autoscale     AutoscaleConfig     `toml:"Autoscale"`
	KMS           KMSConfig           `toml:"KMS"`
	Governance    GovernanceConfig    `toml:"Governance"`
	RateLimit     RateLimitConfig     `toml:"RateLimit"`
	Observability ObservabilityConfig `toml:"Observability"`
}

// NEARConfig points at the NEAR RPC endpoint the relayer submits
// transactions to and re-syncs nonces against.
type NEARConfig struct {
	RPCEndpoint string `toml:"RPCEndpoint"`
	NetworkID   string `toml:"NetworkID"`
	SponsorID   string `toml:"SponsorID"`
}

// KeyPoolConfig bounds the access-key pool's size and lease behavior.
type KeyPoolConfig struct {
	MinWarmSlots int      `toml:"MinWarmSlots"`
	MaxSlots     int      `toml:"MaxSlots"`
	LeaseTimeout Duration `toml:"LeaseTimeout"`
}

// AutoscaleConfig tunes the key pool's sizing tick: the target in-flight
// load per active key, how much warm headroom to keep provisioned ahead of
// demand, how aggressively to grow or shrink, and the cooldown and aging
// rules that keep scaling decisions from thrashing.
type AutoscaleConfig struct {
	TargetInFlightRatio float64  `toml:"TargetInFlightRatio"`
	GrowStep            int      `toml:"GrowStep"`
	ShrinkStep          int      `toml:"ShrinkStep"`
	WarmBuffer          int      `toml:"WarmBuffer"`
	BatchSize           int      `toml:"BatchSize"`
	Cooldown            Duration `toml:"Cooldown"`
	MaxKeyAge           Duration `toml:"MaxKeyAge"`
	ScaleDownIdle       Duration `toml:"ScaleDownIdle"`
	EvaluateInterval    Duration `toml:"EvaluateInterval"`
}

// KMSConfig configures the external signing service client.
type KMSConfig struct {
	Endpoint string   `toml:"Endpoint"`
	Timeout  Duration `toml:"Timeout"`
}

// GovernanceConfig sets the default group governance policy new groups
// inherit unless their creation params or a passed voting_config_change
// proposal override it.
type GovernanceConfig struct {
	QuorumBps           uint64   `toml:"QuorumBps"`
	PassThresholdBps    uint64   `toml:"PassThresholdBps"`
	VotingPeriod        Duration `toml:"VotingPeriod"`
}

// RateLimitConfig bounds per-key request throughput at the HTTP edge.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// ObservabilityConfig controls logging, metrics, and tracing.
type ObservabilityConfig struct {
	ServiceName   string `toml:"ServiceName"`
	MetricsPrefix string `toml:"MetricsPrefix"`
	Tracing       bool   `toml:"Tracing"`
	OTLPEndpoint  string `toml:"OTLPEndpoint"`
	LogPath       string `toml:"LogPath"`
}

// Duration wraps time.Duration so TOML can decode human readable strings
// like "5s" instead of raw nanosecond integers.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, which toml.Decode uses
// for scalar values backed by a string.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads and validates configuration from path, filling in defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./relayer-data"
	}
	if cfg.KeyPool.MinWarmSlots <= 0 {
		cfg.KeyPool.MinWarmSlots = 2
	}
	if cfg.KeyPool.MaxSlots <= 0 {
		cfg.KeyPool.MaxSlots = 32
	}
	if cfg.KeyPool.LeaseTimeout.Duration <= 0 {
		cfg.KeyPool.LeaseTimeout.Duration = 10 * time.Second
	}
	if cfg.Autoscale.TargetInFlightRatio <= 0 {
		cfg.Autoscale.TargetInFlightRatio = 4
	}
	if cfg.Autoscale.GrowStep <= 0 {
		cfg.Autoscale.GrowStep = 1
	}
	if cfg.Autoscale.ShrinkStep <= 0 {
		cfg.Autoscale.ShrinkStep = 1
	}
	if cfg.Autoscale.WarmBuffer <= 0 {
		cfg.Autoscale.WarmBuffer = cfg.KeyPool.MinWarmSlots
	}
	if cfg.Autoscale.BatchSize <= 0 {
		cfg.Autoscale.BatchSize = 4
	}
	if cfg.Autoscale.Cooldown.Duration <= 0 {
		cfg.Autoscale.Cooldown.Duration = 30 * time.Second
	}
	if cfg.Autoscale.MaxKeyAge.Duration <= 0 {
		cfg.Autoscale.MaxKeyAge.Duration = 30 * 24 * time.Hour
	}
	if cfg.Autoscale.ScaleDownIdle.Duration <= 0 {
		cfg.Autoscale.ScaleDownIdle.Duration = 2 * time.Minute
	}
	if cfg.Autoscale.EvaluateInterval.Duration <= 0 {
		cfg.Autoscale.EvaluateInterval.Duration = 5 * time.Second
	}
	if cfg.KMS.Timeout.Duration <= 0 {
		cfg.KMS.Timeout.Duration = 5 * time.Second
	}
	if cfg.Governance.VotingPeriod.Duration <= 0 {
		cfg.Governance.VotingPeriod.Duration = 72 * time.Hour
	}
	if cfg.Governance.QuorumBps == 0 {
		cfg.Governance.QuorumBps = 2000
	}
	if cfg.Governance.PassThresholdBps == 0 {
		cfg.Governance.PassThresholdBps = 5000
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "onsocial-relayerd"
	}
	if cfg.Observability.MetricsPrefix == "" {
		cfg.Observability.MetricsPrefix = "onsocial"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.NEAR.RPCEndpoint) == "" {
		return fmt.Errorf("config: NEAR.RPCEndpoint must be configured")
	}
	if strings.TrimSpace(cfg.NEAR.NetworkID) == "" {
		return fmt.Errorf("config: NEAR.NetworkID must be configured")
	}
	if strings.TrimSpace(cfg.NEAR.SponsorID) == "" {
		return fmt.Errorf("config: NEAR.SponsorID must be configured")
	}
	if cfg.KeyPool.MinWarmSlots > cfg.KeyPool.MaxSlots {
		return fmt.Errorf("config: KeyPool.MinWarmSlots cannot exceed KeyPool.MaxSlots")
	}
	if cfg.Autoscale.TargetInFlightRatio <= 0 {
		return fmt.Errorf("config: Autoscale.TargetInFlightRatio must be positive")
	}
	if cfg.Governance.QuorumBps > 10_000 || cfg.Governance.PassThresholdBps > 10_000 {
		return fmt.Errorf("config: Governance quorum and pass threshold must be basis points at or below 10000")
	}
	return nil
}

// EnsureDataDir creates the configured data directory if it does not exist.
func EnsureDataDir(cfg *Config) error {
	return os.MkdirAll(cfg.DataDir, 0o755)
}
