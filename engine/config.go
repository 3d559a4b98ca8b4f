package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wfnet/engine/event"
	"github.com/wfnet/engine/instance"
)

// Config carries the tunables of an engine.  The zero value is usable;
// DefaultConfig fills in the documented defaults.
type Config struct {
	// Dispatch selects event delivery: "single" preserves one global
	// announcement order, "pooled" preserves per-case order only.
	Dispatch string `yaml:"dispatch"`

	// PoolSize is the worker count for pooled dispatch.
	PoolSize int `yaml:"poolSize"`

	// IdleTimeout enables the idle-case monitor when positive.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// SweepInterval is how often the idle monitor scans; zero derives it
	// from the timeout.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// OrJoinSearchLimit bounds OR-join reachability analysis.
	OrJoinSearchLimit int `yaml:"orJoinSearchLimit"`

	// HTTPAddr is the listen address of the test service, when run.
	HTTPAddr string `yaml:"httpAddr"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Dispatch:          "single",
		PoolSize:          4,
		OrJoinSearchLimit: instance.DefaultOrJoinSearchLimit,
		HTTPAddr:          ":8080",
	}
}

// LoadConfig reads a yaml config file, applying defaults for absent
// fields.
func LoadConfig(path string) (*Config, error) {

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config '%s': %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config '%s': %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Dispatch {
	case "", "single", "pooled":
	default:
		return fmt.Errorf("invalid dispatch mode '%s'", c.Dispatch)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("invalid pool size %d", c.PoolSize)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid idle timeout %s", c.IdleTimeout)
	}
	return nil
}

func (c *Config) dispatchMode() event.DispatchMode {
	if c.Dispatch == "pooled" {
		return event.DispatchPooled
	}
	return event.DispatchSingleThread
}
