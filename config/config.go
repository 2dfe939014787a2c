// ABOUTME: Drover configuration loaded from a YAML file with environment variable overrides.
// ABOUTME: Covers the engine knobs, the store path, the HTTP listen address, and the LLM provider.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full drover configuration. All durations accept Go duration
// syntax ("30s", "5m") in both YAML and environment form.
type Config struct {
	DBPath   string `yaml:"db_path"`
	HTTPAddr string `yaml:"http_addr"`

	Engine EngineConfig `yaml:"engine"`
	LLM    LLMConfig    `yaml:"llm"`
}

// EngineConfig mirrors the engine's recognized options.
type EngineConfig struct {
	PoolSize          int           `yaml:"pool_size"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ClaimInterval     time.Duration `yaml:"claim_interval"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	RecoveryThreshold time.Duration `yaml:"recovery_threshold"`
	StaleInterval     time.Duration `yaml:"stale_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
}

// LLMConfig selects and configures the capability implementation.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// APIKey is intentionally not a YAML field; it comes from the
	// environment so config files stay committable.
	APIKey string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:   "drover.db",
		HTTPAddr: "127.0.0.1:8340",
		Engine: EngineConfig{
			PoolSize:          4,
			StepTimeout:       5 * time.Minute,
			MaxAttempts:       3,
			RetryBackoff:      5 * time.Second,
			ClaimInterval:     10 * time.Second,
			RecoveryInterval:  2 * time.Minute,
			RecoveryThreshold: 10 * time.Minute,
			StaleInterval:     10 * time.Minute,
			StaleThreshold:    time.Hour,
		},
		LLM: LLMConfig{
			Provider: "openai",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty; a missing explicit file is an error), then environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays DROVER_* environment variables plus the provider API key.
func (c *Config) applyEnv() error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = fmt.Errorf("parse %s=%q: %w", key, v, convErr)
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			d, convErr := time.ParseDuration(v)
			if convErr != nil {
				err = fmt.Errorf("parse %s=%q: %w", key, v, convErr)
				return
			}
			*dst = d
		}
	}

	setString("DROVER_DB_PATH", &c.DBPath)
	setString("DROVER_HTTP_ADDR", &c.HTTPAddr)
	setInt("DROVER_POOL_SIZE", &c.Engine.PoolSize)
	setDuration("DROVER_STEP_TIMEOUT", &c.Engine.StepTimeout)
	setInt("DROVER_MAX_ATTEMPTS", &c.Engine.MaxAttempts)
	setDuration("DROVER_RETRY_BACKOFF", &c.Engine.RetryBackoff)
	setDuration("DROVER_CLAIM_INTERVAL", &c.Engine.ClaimInterval)
	setDuration("DROVER_RECOVERY_INTERVAL", &c.Engine.RecoveryInterval)
	setDuration("DROVER_RECOVERY_THRESHOLD", &c.Engine.RecoveryThreshold)
	setDuration("DROVER_STALE_INTERVAL", &c.Engine.StaleInterval)
	setDuration("DROVER_STALE_THRESHOLD", &c.Engine.StaleThreshold)
	setString("DROVER_LLM_PROVIDER", &c.LLM.Provider)
	setString("DROVER_LLM_MODEL", &c.LLM.Model)
	setString("DROVER_LLM_BASE_URL", &c.LLM.BaseURL)
	setString("OPENAI_API_KEY", &c.LLM.APIKey)

	return err
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	if c.Engine.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.Engine.PoolSize)
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.StaleThreshold <= c.Engine.RecoveryThreshold {
		return fmt.Errorf("stale_threshold (%s) must exceed recovery_threshold (%s)",
			c.Engine.StaleThreshold, c.Engine.RecoveryThreshold)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	return nil
}
