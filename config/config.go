// Package config provides configuration types and utilities for the agent
// instance manager. This file contains the main unified configuration entry
// point.
package config

import (
	"fmt"
	"time"

	"github.com/pcharbon70/agentkeeper/observability"
)

// ============================================================================
// MAIN UNIFIED CONFIGURATION
// ============================================================================

// Config represents the complete configuration for an agentkeeper process:
// one manager instance, its persistence backend, and the ambient logging/
// performance/observability settings shared by everything it runs.
type Config struct {
	// Version and metadata
	Version     string            `yaml:"version,omitempty"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	// Global settings
	Global GlobalSettings `yaml:"global,omitempty"`

	// Manager tunables: idle eviction, restart budget, start concurrency.
	Manager ManagerConfig `yaml:"manager,omitempty"`

	// Store selects and configures the checkpoint/journal persistence
	// backend (memory, file, or sql).
	Store StoreConfig `yaml:"store,omitempty"`
}

// Validate implements Config.Validate for Config
func (c *Config) Validate() error {
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global settings validation failed: %w", err)
	}
	if err := c.Manager.Validate(); err != nil {
		return fmt.Errorf("manager validation failed: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	return nil
}

// SetDefaults implements Config.SetDefaults for Config
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "agentkeeper"
	}
	c.Global.SetDefaults()
	c.Manager.SetDefaults()
	c.Store.SetDefaults()
}

// ============================================================================
// GLOBAL SETTINGS
// ============================================================================

// GlobalSettings contains global configuration settings shared by the
// manager and every runtime it starts.
type GlobalSettings struct {
	// Logging configuration
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Performance settings
	Performance PerformanceConfig `yaml:"performance,omitempty"`

	// Observability (tracing + metrics) configuration, wired through the
	// runtime event loop and the manager's suspending operations.
	Observability observability.Config `yaml:"observability,omitempty"`
}

// Validate implements Config.Validate for GlobalSettings
func (c *GlobalSettings) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}
	if err := c.Performance.Validate(); err != nil {
		return fmt.Errorf("performance config validation failed: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability config validation failed: %w", err)
	}
	return nil
}

// SetDefaults implements Config.SetDefaults for GlobalSettings
func (c *GlobalSettings) SetDefaults() {
	c.Logging.SetDefaults()
	c.Performance.SetDefaults()
	c.Observability.SetDefaults()
}

// ============================================================================
// MANAGER CONFIGURATION
// ============================================================================

// ManagerConfig mirrors the tunables on manager.Config. It is kept as plain
// data here (rather than importing the manager package, which would create
// an import cycle since manager imports store, which imports config) and
// translated into a manager.Config by the process wiring it up.
type ManagerConfig struct {
	// AgentModule names the logical agent type this manager instance
	// supervises; used to namespace checkpoints in Store.
	AgentModule string `yaml:"agent_module,omitempty"`

	// IdleTimeout is how long a key may sit with zero attachments before
	// hibernation+stop. Zero disables idle eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`

	// MaxConcurrentStarts bounds cold-start concurrency.
	MaxConcurrentStarts int `yaml:"max_concurrent_starts,omitempty"`

	// EvictionInterval is the idle-eviction ticker's resolution.
	EvictionInterval time.Duration `yaml:"eviction_interval,omitempty"`

	// DelayedCleanup is how long a terminated entry is retained so
	// concurrent Lookups observe the transition.
	DelayedCleanup time.Duration `yaml:"delayed_cleanup,omitempty"`

	// RestartWindow/MaxRestarts configure each key's SessionSupervisor.
	RestartWindow time.Duration `yaml:"restart_window,omitempty"`
	MaxRestarts   int           `yaml:"max_restarts,omitempty"`
}

// Validate implements Config.Validate for ManagerConfig
func (c *ManagerConfig) Validate() error {
	if c.AgentModule == "" {
		return fmt.Errorf("agent_module is required")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if c.MaxConcurrentStarts < 0 {
		return fmt.Errorf("max_concurrent_starts must not be negative")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must not be negative")
	}
	return nil
}

// SetDefaults implements Config.SetDefaults for ManagerConfig
func (c *ManagerConfig) SetDefaults() {
	if c.MaxConcurrentStarts == 0 {
		c.MaxConcurrentStarts = 64
	}
	if c.EvictionInterval == 0 {
		c.EvictionInterval = 500 * time.Millisecond
	}
	if c.DelayedCleanup == 0 {
		c.DelayedCleanup = 50 * time.Millisecond
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = 5 * time.Second
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 1
	}
}

// ============================================================================
// STORE CONFIGURATION
// ============================================================================

// StoreBackend selects which store.Store implementation the process wires
// up for checkpoint and journal persistence.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendFile   StoreBackend = "file"
	StoreBackendSQL    StoreBackend = "sql"
)

// StoreConfig configures the persistence backend. Only the fields relevant
// to Backend need to be set; the rest are ignored.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend,omitempty"`

	// Path is the checkpoint/thread directory root for the file backend.
	Path string `yaml:"path,omitempty"`

	// DSN and Dialect configure the sql backend. Dialect selects the driver
	// and placeholder rewriting rule: "sqlite", "mysql", or "postgres".
	DSN     string `yaml:"dsn,omitempty"`
	Dialect string `yaml:"dialect,omitempty"`
}

// Validate implements Config.Validate for StoreConfig
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case StoreBackendMemory:
	case StoreBackendFile:
		if c.Path == "" {
			return fmt.Errorf("path is required for the file store backend")
		}
	case StoreBackendSQL:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the sql store backend")
		}
		switch c.Dialect {
		case "sqlite", "mysql", "postgres":
		default:
			return fmt.Errorf("invalid sql dialect %q (valid: sqlite, mysql, postgres)", c.Dialect)
		}
	default:
		return fmt.Errorf("invalid store backend %q (valid: memory, file, sql)", c.Backend)
	}
	return nil
}

// SetDefaults implements Config.SetDefaults for StoreConfig
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreBackendMemory
	}
	if c.Backend == StoreBackendSQL && c.Dialect == "" {
		c.Dialect = "sqlite"
	}
}

// ============================================================================
// HELPER METHODS
// ============================================================================

// LoadFromFile is a convenience wrapper around LoadConfig for the common
// single-file case.
func LoadFromFile(path string) (*Config, error) {
	return LoadConfig(LoaderOptions{Type: ConfigTypeFile, Path: path})
}
