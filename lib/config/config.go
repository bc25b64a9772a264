// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the sync daemon.
//
// Configuration is loaded from a single YAML file specified by the
// CHATTY_CONFIG environment variable or the --config flag. There is no
// automatic discovery: a missing path is an error, which keeps the
// effective configuration deterministic and auditable.
//
// The file may contain environment-specific sections (development,
// production) that override base values when the environment matches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the sync daemon.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures data locations.
	Paths PathsConfig `yaml:"paths"`

	// Matrix configures protocol behavior.
	Matrix MatrixConfig `yaml:"matrix"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
type Overrides struct {
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Matrix *MatrixConfig `yaml:"matrix,omitempty"`
}

// PathsConfig configures data locations.
type PathsConfig struct {
	// Data is the base directory for daemon state. The database and
	// keyring live underneath it unless overridden.
	Data string `yaml:"data"`

	// Database is the SQLite database file path.
	// Default: <data>/chatty.db
	Database string `yaml:"database"`

	// Keyring is the credential bundle directory.
	// Default: <data>/keyring
	Keyring string `yaml:"keyring"`
}

// MatrixConfig configures protocol behavior.
type MatrixConfig struct {
	// DefaultHomeserver is the base URL used when well-known
	// discovery reports not-found for a user's domain.
	// Default: https://matrix.org
	DefaultHomeserver string `yaml:"default_homeserver"`

	// SyncTimeoutMS is the server-side long-poll hold in milliseconds
	// for /sync. Default: 30000.
	SyncTimeoutMS int `yaml:"sync_timeout_ms"`

	// DebounceMS is the enable/disable coalescing window in
	// milliseconds. Default: 300.
	DebounceMS int `yaml:"debounce_ms"`

	// MaxBackoffSeconds caps the reconnect backoff. Default: 30.
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`

	// AutoLogin enables connecting accounts as soon as they are
	// saved. Default: true.
	AutoLogin *bool `yaml:"auto_login"`

	// PoolSize is the SQLite connection pool size. Default: 4.
	PoolSize int `yaml:"pool_size"`
}

// EnvVar is the environment variable naming the config file.
const EnvVar = "CHATTY_CONFIG"

// Load reads the configuration file at path, or at $CHATTY_CONFIG when
// path is empty, applies environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("config: no path given and %s is not set", EnvVar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Environment == "" {
		cfg.Environment = Development
	}
	cfg.applyOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration rooted at dataDir, used
// when no config file is supplied.
func Default(dataDir string) *Config {
	cfg := &Config{
		Environment: Development,
		Paths:       PathsConfig{Data: dataDir},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.Paths != nil {
		mergePaths(&c.Paths, overrides.Paths)
	}
	if overrides.Matrix != nil {
		mergeMatrix(&c.Matrix, overrides.Matrix)
	}
}

func mergePaths(base, override *PathsConfig) {
	if override.Data != "" {
		base.Data = override.Data
	}
	if override.Database != "" {
		base.Database = override.Database
	}
	if override.Keyring != "" {
		base.Keyring = override.Keyring
	}
}

func mergeMatrix(base, override *MatrixConfig) {
	if override.DefaultHomeserver != "" {
		base.DefaultHomeserver = override.DefaultHomeserver
	}
	if override.SyncTimeoutMS != 0 {
		base.SyncTimeoutMS = override.SyncTimeoutMS
	}
	if override.DebounceMS != 0 {
		base.DebounceMS = override.DebounceMS
	}
	if override.MaxBackoffSeconds != 0 {
		base.MaxBackoffSeconds = override.MaxBackoffSeconds
	}
	if override.AutoLogin != nil {
		base.AutoLogin = override.AutoLogin
	}
	if override.PoolSize != 0 {
		base.PoolSize = override.PoolSize
	}
}

func (c *Config) applyDefaults() {
	if c.Paths.Database == "" && c.Paths.Data != "" {
		c.Paths.Database = c.Paths.Data + "/chatty.db"
	}
	if c.Paths.Keyring == "" && c.Paths.Data != "" {
		c.Paths.Keyring = c.Paths.Data + "/keyring"
	}
	if c.Matrix.DefaultHomeserver == "" {
		c.Matrix.DefaultHomeserver = "https://matrix.org"
	}
	if c.Matrix.SyncTimeoutMS == 0 {
		c.Matrix.SyncTimeoutMS = 30000
	}
	if c.Matrix.DebounceMS == 0 {
		c.Matrix.DebounceMS = 300
	}
	if c.Matrix.MaxBackoffSeconds == 0 {
		c.Matrix.MaxBackoffSeconds = 30
	}
	if c.Matrix.AutoLogin == nil {
		enabled := true
		c.Matrix.AutoLogin = &enabled
	}
	if c.Matrix.PoolSize == 0 {
		c.Matrix.PoolSize = 4
	}
}

func (c *Config) validate() error {
	if c.Environment != Development && c.Environment != Production {
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Paths.Data == "" {
		return fmt.Errorf("paths.data is required")
	}
	return nil
}

// SyncTimeout returns the long-poll hold as a millisecond count for
// the transport's timeout query parameter.
func (c *Config) SyncTimeout() int { return c.Matrix.SyncTimeoutMS }

// Debounce returns the enable/disable coalescing window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Matrix.DebounceMS) * time.Millisecond
}

// MaxBackoff returns the reconnect backoff cap.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Matrix.MaxBackoffSeconds) * time.Second
}
