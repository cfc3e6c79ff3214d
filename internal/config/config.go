// Package config holds operator-level configuration for an osprey process.
//
// This is infrastructure config set by whoever deploys the triage core, NOT
// per-subject data. The boundary is:
//
//   - Operator config (this package): data directory, decision policy file,
//     signal tuning (feasible speed, velocity window, amount saturation),
//     memory TTLs, remote tool endpoints and timeouts.
//     Set via env vars (OSPREY_*) or config file (osprey.config.yaml).
//
//   - Subject profiles and counterparty reputation: owned by external data
//     sources, reached through the tool router, never configured here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the OSPREY_ prefix
// (e.g. "data_dir" → OSPREY_DATA_DIR) and to a YAML field in
// osprey.config.yaml.
const (
	KeyDataDir            = "data_dir"
	KeyPolicyFile         = "policy_file"
	KeyMaxSpeedKMH        = "max_feasible_speed_kmh"
	KeyConnectionBufferM  = "min_connection_buffer_minutes"
	KeyVelocityWindowM    = "velocity_window_minutes"
	KeyVelocityThreshold  = "velocity_threshold"
	KeyAmountSaturation   = "amount_saturation_ratio"
	KeyShortTermTTLHours  = "short_term_ttl_hours"
	KeyLongTermTTLDays    = "long_term_ttl_days"
	KeyExtractionCron     = "extraction_cron"
	KeyToolTimeoutSeconds = "tool_timeout_seconds"
	KeyToolMaxRetries     = "tool_max_retries"
	KeyRegistryURL        = "remote_registry_url"
)

// Defaults. Thresholds that drive the block/escalate decision live in the
// policy file, not here — these cover signal tuning and infrastructure.
const (
	DefaultPolicyFile       = "triage.policy.yaml"
	DefaultMaxSpeedKMH      = 1000.0 // commercial air travel ceiling
	DefaultConnectionBufMin = 45     // minimum realistic airport connection
	DefaultVelocityWindowM  = 10
	DefaultVelocityThresh   = 3
	DefaultAmountSaturation = 10.0 // 10x typical spend ⇒ max anomaly score
	DefaultShortTermTTLH    = 24
	DefaultLongTermTTLDays  = 30
	DefaultExtractionCron   = "*/1 * * * *"
	DefaultToolTimeoutSec   = 5
	DefaultToolMaxRetries   = 2
)

// Config holds resolved operator-level configuration for an osprey process.
type Config struct {
	DataDir             string        // base directory for all state (~/.osprey)
	PolicyFile          string        // decision policy YAML (thresholds)
	MaxFeasibleSpeedKMH float64       // travel-feasibility ceiling
	ConnectionBuffer    time.Duration // subtracted from elapsed time before the speed check
	VelocityWindow      time.Duration // trailing window for the velocity signal
	VelocityThreshold   int           // transactions in window before the signal scores
	AmountSaturation    float64       // ratio to typical spend that saturates the amount signal
	ShortTermTTL        time.Duration // session-tier fact expiry
	LongTermTTL         time.Duration // durable-tier fact expiry
	ExtractionCron      string        // cron spec for the long-term extraction job
	ToolTimeout         time.Duration // per tool invocation, not per evaluation
	ToolMaxRetries      int           // transient transport failures only
	RemoteRegistryURL   string        // capability catalog endpoint; empty = static registry only
}

// LedgerDBPath returns the full path to the action ledger SQLite database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// MemoryDBPath returns the full path to the memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("OSPREY")
	viper.AutomaticEnv()
	setDefaults()
}

func setDefaults() {
	viper.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	viper.SetDefault(KeyMaxSpeedKMH, DefaultMaxSpeedKMH)
	viper.SetDefault(KeyConnectionBufferM, DefaultConnectionBufMin)
	viper.SetDefault(KeyVelocityWindowM, DefaultVelocityWindowM)
	viper.SetDefault(KeyVelocityThreshold, DefaultVelocityThresh)
	viper.SetDefault(KeyAmountSaturation, DefaultAmountSaturation)
	viper.SetDefault(KeyShortTermTTLHours, DefaultShortTermTTLH)
	viper.SetDefault(KeyLongTermTTLDays, DefaultLongTermTTLDays)
	viper.SetDefault(KeyExtractionCron, DefaultExtractionCron)
	viper.SetDefault(KeyToolTimeoutSeconds, DefaultToolTimeoutSec)
	viper.SetDefault(KeyToolMaxRetries, DefaultToolMaxRetries)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		PolicyFile:          viper.GetString(KeyPolicyFile),
		MaxFeasibleSpeedKMH: viper.GetFloat64(KeyMaxSpeedKMH),
		ConnectionBuffer:    time.Duration(viper.GetInt(KeyConnectionBufferM)) * time.Minute,
		VelocityWindow:      time.Duration(viper.GetInt(KeyVelocityWindowM)) * time.Minute,
		VelocityThreshold:   viper.GetInt(KeyVelocityThreshold),
		AmountSaturation:    viper.GetFloat64(KeyAmountSaturation),
		ShortTermTTL:        time.Duration(viper.GetInt(KeyShortTermTTLHours)) * time.Hour,
		LongTermTTL:         time.Duration(viper.GetInt(KeyLongTermTTLDays)) * 24 * time.Hour,
		ExtractionCron:      viper.GetString(KeyExtractionCron),
		ToolTimeout:         time.Duration(viper.GetInt(KeyToolTimeoutSeconds)) * time.Second,
		ToolMaxRetries:      viper.GetInt(KeyToolMaxRetries),
		RemoteRegistryURL:   viper.GetString(KeyRegistryURL),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".osprey"
	}
	return filepath.Join(home, ".osprey")
}

func (c *Config) validate() error {
	if c.MaxFeasibleSpeedKMH <= 0 {
		return fmt.Errorf("max_feasible_speed_kmh must be positive")
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("velocity_window_minutes must be positive")
	}
	if c.VelocityThreshold < 1 {
		return fmt.Errorf("velocity_threshold must be at least 1")
	}
	if c.AmountSaturation <= 1 {
		return fmt.Errorf("amount_saturation_ratio must exceed 1")
	}
	if c.ShortTermTTL <= 0 || c.LongTermTTL <= 0 {
		return fmt.Errorf("memory TTLs must be positive")
	}
	if c.LongTermTTL < c.ShortTermTTL {
		return fmt.Errorf("long_term_ttl_days must not be shorter than short_term_ttl_hours")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("tool_timeout_seconds must be positive")
	}
	if c.ToolMaxRetries < 0 {
		return fmt.Errorf("tool_max_retries must not be negative")
	}
	return nil
}
