// Package config provides configuration types for effortd.
package config

import (
	"fmt"
	"time"

	"github.com/elecnix/ai-effort-regulation/internal/logging"
)

// Config represents the main effortd configuration.
type Config struct {
	Energy    EnergyConfig     `toml:"energy" yaml:"energy"`
	Scheduler SchedulerConfig  `toml:"scheduler" yaml:"scheduler"`
	SubAgent  SubAgentConfig   `toml:"subagent" yaml:"subagent"`
	Router    RouterConfig     `toml:"router" yaml:"router"`
	Providers []ProviderConfig `toml:"providers" yaml:"providers"`
	Models    ModelConfig      `toml:"models" yaml:"models"`
	Paths     PathsConfig      `toml:"paths" yaml:"paths"`
	Logging   logging.Config   `toml:"logging" yaml:"logging"`
}

// EnergyConfig configures the leaky bucket.
type EnergyConfig struct {
	Max             float64 `toml:"max" yaml:"max"`
	Min             float64 `toml:"min" yaml:"min"`
	Initial         float64 `toml:"initial" yaml:"initial"`
	ReplenishRate   float64 `toml:"replenish_rate" yaml:"replenish_rate"` // units per second
	HighThreshold   float64 `toml:"high_threshold" yaml:"high_threshold"`
	MediumThreshold float64 `toml:"medium_threshold" yaml:"medium_threshold"`
	LowThreshold    float64 `toml:"low_threshold" yaml:"low_threshold"`
	// EnergyPerSecond converts generation and tool time into energy units.
	EnergyPerSecond float64 `toml:"energy_per_second" yaml:"energy_per_second"`
}

// SchedulerConfig configures the cognitive loop and the work queue.
type SchedulerConfig struct {
	TickInterval      Duration `toml:"tick_interval" yaml:"tick_interval"`
	BackoffBase       Duration `toml:"backoff_base" yaml:"backoff_base"`
	BackoffMultiplier float64  `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffCap        Duration `toml:"backoff_cap" yaml:"backoff_cap"`
	MaxSnoozes        int      `toml:"max_snoozes" yaml:"max_snoozes"`
	MaxToolRounds     int      `toml:"max_tool_rounds" yaml:"max_tool_rounds"`
	SlowTools         []string `toml:"slow_tools" yaml:"slow_tools"`
	DiagnosticsSize   int      `toml:"diagnostics_size" yaml:"diagnostics_size"`
	HistoryWindow     int      `toml:"history_window" yaml:"history_window"`
}

// SubAgentConfig configures the background task runtime.
type SubAgentConfig struct {
	EnergyPerSecond float64  `toml:"energy_per_second" yaml:"energy_per_second"`
	OutboxSize      int      `toml:"outbox_size" yaml:"outbox_size"`
	FetchTimeout    Duration `toml:"fetch_timeout" yaml:"fetch_timeout"`
	FetchMaxBytes   int64    `toml:"fetch_max_bytes" yaml:"fetch_max_bytes"`
	UserAgent       string   `toml:"user_agent" yaml:"user_agent"`
}

// RouterConfig configures tool dispatch.
type RouterConfig struct {
	CallTimeout         Duration `toml:"call_timeout" yaml:"call_timeout"`
	MaxAttempts         int      `toml:"max_attempts" yaml:"max_attempts"`
	InitialBackoff      Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff          Duration `toml:"max_backoff" yaml:"max_backoff"`
	FailureThreshold    int      `toml:"failure_threshold" yaml:"failure_threshold"`
	MalformedThreshold  int      `toml:"malformed_threshold" yaml:"malformed_threshold"`
	// BreakerResetTimeout lets one trial call through an open breaker after
	// this long. Zero keeps it open until the provider is reconnected.
	BreakerResetTimeout Duration `toml:"breaker_reset_timeout" yaml:"breaker_reset_timeout"`
	HealthCheckInterval Duration `toml:"health_check_interval" yaml:"health_check_interval"`
}

// ProviderConfig describes one external tool provider.
type ProviderConfig struct {
	ID      string            `toml:"id" yaml:"id"`
	Kind    string            `toml:"kind" yaml:"kind"` // local or http
	Command string            `toml:"command" yaml:"command"`
	Args    []string          `toml:"args" yaml:"args"`
	Env     map[string]string `toml:"env" yaml:"env"`
	URL     string            `toml:"url" yaml:"url"`
	Auth    AuthConfig        `toml:"auth" yaml:"auth"`
	Enabled *bool             `toml:"enabled" yaml:"enabled"`
}

// IsEnabled reports whether the provider should be connected at startup.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AuthConfig names the credential source of an HTTP provider. Secrets are
// never stored in the file, only the environment variable holding them.
type AuthConfig struct {
	Type   string `toml:"type" yaml:"type"` // none, bearer, api_key
	EnvVar string `toml:"env_var" yaml:"env_var"`
	Header string `toml:"header" yaml:"header"`
}

// ModelConfig contains generation settings.
type ModelConfig struct {
	Provider string `toml:"provider" yaml:"provider"` // openai, anthropic, mock
	BaseURL  string `toml:"base_url" yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv  string `toml:"api_key_env" yaml:"api_key_env"`
	SmallModel string `toml:"small_model" yaml:"small_model"`
	LargeModel string `toml:"large_model" yaml:"large_model"`
	MaxTokens  int64  `toml:"max_tokens" yaml:"max_tokens"`
}

// PathsConfig contains file path settings.
type PathsConfig struct {
	DataDir  string `toml:"data_dir" yaml:"data_dir"`
	Database string `toml:"database" yaml:"database"`
}

// Provider kinds.
const (
	KindLocal = "local"
	KindHTTP  = "http"
)

// Auth types.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// Duration is a time.Duration that reads and writes as "30s" in config files.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
