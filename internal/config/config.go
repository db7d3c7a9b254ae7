// Package config loads operator-facing defaults for the sandbox supervisor
// and image builder: ports, timeouts, and retry tuning that are safe to
// override per-deployment without touching the per-sandbox environment
// variables the Supervisor itself reads at boot.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SupervisorDefaults holds tunables for the in-sandbox Supervisor that are
// not part of the per-sandbox environment contract (those are read directly
// by internal/supervisor from the OS environment, once, at startup).
type SupervisorDefaults struct {
	AgentPort               int    `mapstructure:"agent_port" yaml:"agent_port"`
	SetupTimeoutSeconds     int    `mapstructure:"setup_timeout_seconds" yaml:"setup_timeout_seconds"`
	HealthCheckTimeout      string `mapstructure:"health_check_timeout" yaml:"health_check_timeout"`
	HealthCheckTimeoutLocal string `mapstructure:"health_check_timeout_local" yaml:"health_check_timeout_local"`
	MaxRestarts             int    `mapstructure:"max_restarts" yaml:"max_restarts"`
	BackoffBaseSeconds      int    `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds"`
	BackoffMaxSeconds       int    `mapstructure:"backoff_max_seconds" yaml:"backoff_max_seconds"`
}

// CallbackDefaults holds tunables for the retried HTTP callback client.
type CallbackDefaults struct {
	MaxRetries            int `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBaseSeconds    int `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// BuilderDefaults holds tunables for the asynchronous image builder.
type BuilderDefaults struct {
	CallbackTimeoutSeconds int `mapstructure:"callback_timeout_seconds" yaml:"callback_timeout_seconds"`
}

// Config is the top-level operator configuration, loaded from a YAML file
// (sandboxctl.yaml) layered under SANDBOXCTL_-prefixed environment
// variables.
type Config struct {
	Supervisor SupervisorDefaults `mapstructure:"supervisor" yaml:"supervisor"`
	Callback   CallbackDefaults   `mapstructure:"callback" yaml:"callback"`
	Builder    BuilderDefaults    `mapstructure:"builder" yaml:"builder"`
}

// Load reads configuration from whatever file/env viper has already been
// pointed at (see internal/cli's initConfig) and applies defaults for any
// field left unset.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Supervisor.AgentPort == 0 {
		cfg.Supervisor.AgentPort = 4096
	}
	if cfg.Supervisor.SetupTimeoutSeconds == 0 {
		cfg.Supervisor.SetupTimeoutSeconds = 300
	}
	if cfg.Supervisor.HealthCheckTimeout == "" {
		cfg.Supervisor.HealthCheckTimeout = "30s"
	}
	if cfg.Supervisor.HealthCheckTimeoutLocal == "" {
		cfg.Supervisor.HealthCheckTimeoutLocal = "60s"
	}
	if cfg.Supervisor.MaxRestarts == 0 {
		cfg.Supervisor.MaxRestarts = 5
	}
	if cfg.Supervisor.BackoffBaseSeconds == 0 {
		cfg.Supervisor.BackoffBaseSeconds = 2
	}
	if cfg.Supervisor.BackoffMaxSeconds == 0 {
		cfg.Supervisor.BackoffMaxSeconds = 60
	}

	if cfg.Callback.MaxRetries == 0 {
		cfg.Callback.MaxRetries = 3
	}
	if cfg.Callback.BackoffBaseSeconds == 0 {
		cfg.Callback.BackoffBaseSeconds = 2
	}
	if cfg.Callback.RequestTimeoutSeconds == 0 {
		cfg.Callback.RequestTimeoutSeconds = 30
	}

	if cfg.Builder.CallbackTimeoutSeconds == 0 {
		cfg.Builder.CallbackTimeoutSeconds = 30
	}
}

// Default returns the built-in operator defaults, unaffected by any file
// or environment overrides. Used by "sandboxctl config init" to scaffold a
// starting sandboxctl.yaml an operator then edits.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// WriteFile marshals c as YAML and writes it to path, failing if the file
// already exists unless overwrite is set.
func WriteFile(c *Config, path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks that the loaded defaults are internally consistent.
func (c *Config) Validate() error {
	if c.Supervisor.AgentPort <= 0 || c.Supervisor.AgentPort > 65535 {
		return fmt.Errorf("invalid supervisor.agent_port: %d", c.Supervisor.AgentPort)
	}
	if _, err := time.ParseDuration(c.Supervisor.HealthCheckTimeout); err != nil {
		return fmt.Errorf("invalid supervisor.health_check_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Supervisor.HealthCheckTimeoutLocal); err != nil {
		return fmt.Errorf("invalid supervisor.health_check_timeout_local: %w", err)
	}
	if c.Callback.MaxRetries <= 0 {
		return fmt.Errorf("callback.max_retries must be positive")
	}
	return nil
}
