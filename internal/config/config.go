// Package config handles effortd configuration loading and management.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/internal/logging"
)

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".effortd")

	return &Config{
		Energy: EnergyConfig{
			Max:             100,
			Min:             -50,
			Initial:         100,
			ReplenishRate:   10,
			HighThreshold:   70,
			MediumThreshold: 30,
			LowThreshold:    0,
			EnergyPerSecond: 2,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      D(time.Second),
			BackoffBase:       D(60 * time.Second),
			BackoffMultiplier: 2,
			BackoffCap:        D(time.Hour),
			MaxSnoozes:        10,
			MaxToolRounds:     4,
			DiagnosticsSize:   100,
			HistoryWindow:     20,
		},
		SubAgent: SubAgentConfig{
			EnergyPerSecond: 2,
			OutboxSize:      1000,
			FetchTimeout:    D(30 * time.Second),
			FetchMaxBytes:   2 << 20,
			UserAgent:       "effortd/1.0",
		},
		Router: RouterConfig{
			CallTimeout:         D(30 * time.Second),
			MaxAttempts:         3,
			InitialBackoff:      D(500 * time.Millisecond),
			MaxBackoff:          D(10 * time.Second),
			FailureThreshold:    5,
			MalformedThreshold:  3,
			BreakerResetTimeout: D(5 * time.Minute),
			HealthCheckInterval: D(time.Minute),
		},
		Models: ModelConfig{
			Provider:   "openai",
			BaseURL:    "http://localhost:11434/v1",
			APIKeyEnv:  "OPENAI_API_KEY",
			SmallModel: "llama3.2:1b",
			LargeModel: "llama3.2:3b",
			MaxTokens:  1024,
		},
		Paths: PathsConfig{
			DataDir:  dataDir,
			Database: filepath.Join(dataDir, "conversations.db"),
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the configuration from the given path. TOML is the default
// format; .yaml and .yml files are decoded as YAML.
// If the file doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if isYAML(configPath) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	cfg = expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to the given path in the format implied by
// its extension.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if isYAML(configPath) {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else {
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
	}

	return os.WriteFile(configPath, buf.Bytes(), 0644)
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error

	e := c.Energy
	if e.Min >= e.Max {
		errs = append(errs, fmt.Errorf("energy.min (%v) must be below energy.max (%v)", e.Min, e.Max))
	}
	if e.ReplenishRate <= 0 {
		errs = append(errs, fmt.Errorf("energy.replenish_rate must be positive"))
	}
	if e.EnergyPerSecond < 0 {
		errs = append(errs, fmt.Errorf("energy.energy_per_second must not be negative"))
	}
	if !(e.HighThreshold >= e.MediumThreshold && e.MediumThreshold >= e.LowThreshold) {
		errs = append(errs, fmt.Errorf("energy thresholds must satisfy high >= medium >= low"))
	}

	s := c.Scheduler
	if s.TickInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval must be positive"))
	}
	if s.BackoffBase.Duration <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.backoff_base must be positive"))
	}
	if s.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("scheduler.backoff_multiplier must be at least 1"))
	}
	if s.BackoffCap.Duration < s.BackoffBase.Duration {
		errs = append(errs, fmt.Errorf("scheduler.backoff_cap must not be below backoff_base"))
	}

	if c.SubAgent.EnergyPerSecond < 0 {
		errs = append(errs, fmt.Errorf("subagent.energy_per_second must not be negative"))
	}
	if c.Router.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("router.max_attempts must be at least 1"))
	}
	if c.Router.BreakerResetTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("router.breaker_reset_timeout must not be negative"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
			continue
		}
		if strings.Contains(p.ID, "_") {
			errs = append(errs, fmt.Errorf("provider %s: id must not contain '_'", p.ID))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %s: duplicate id", p.ID))
		}
		seen[p.ID] = true

		switch p.Kind {
		case KindLocal:
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("provider %s: local provider needs a command", p.ID))
			}
		case KindHTTP:
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("provider %s: http provider needs a url", p.ID))
			}
			switch p.Auth.Type {
			case "", AuthNone:
			case AuthBearer, AuthAPIKey:
				if p.Auth.EnvVar == "" {
					errs = append(errs, fmt.Errorf("provider %s: %s auth needs env_var", p.ID, p.Auth.Type))
				}
			default:
				errs = append(errs, fmt.Errorf("provider %s: unknown auth type %q", p.ID, p.Auth.Type))
			}
		default:
			errs = append(errs, fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return apperrors.NewBuilder(apperrors.CodeConfigInvalid, "invalid configuration").
		User().
		Wrap(errors.Join(errs...)).
		Build()
}

// DatabasePath returns the path to the conversation database.
func (c *Config) DatabasePath() string {
	return c.Paths.Database
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// expandPaths expands ~ and environment variables in paths.
func expandPaths(cfg *Config) *Config {
	cfg.Paths.DataDir = expandPath(cfg.Paths.DataDir)
	cfg.Paths.Database = expandPath(cfg.Paths.Database)
	return cfg
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if p[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		p = filepath.Join(homeDir, p[1:])
	}
	return p
}
