// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DriverConfig is the top-level configuration for a neobolt driver
// instance: target address, TLS, pool sizing, and trace capture.
type DriverConfig struct {
	Target  TargetInfo       `yaml:"target"`
	TLS     DriverTLS        `yaml:"tls"`
	Pool    PoolConfig       `yaml:"pool"`
	Trace   TraceConfig      `yaml:"trace"`
	Logging LoggingInfo      `yaml:"logging"`
}

// TargetInfo identifies the Neo4j server and the agent string this
// driver presents in HELLO.
type TargetInfo struct {
	Address   string `yaml:"address"`
	UserAgent string `yaml:"user_agent"`
}

// DriverTLS configures the driver's TLS posture. Unlike the teacher's
// agent/server pair, mutual TLS is optional here: a Bolt client
// authenticates to the server-presented certificate by default and
// only presents its own certificate when ClientCert/ClientKey are set.
type DriverTLS struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	ServerName string `yaml:"server_name"`
}

// PoolConfig bounds internal/pool's connection pool and its ambient
// maintenance jobs.
type PoolConfig struct {
	MaxSize           int           `yaml:"max_size"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	DialBackoffMin    time.Duration `yaml:"dial_backoff_min"`
	DialBackoffMax    time.Duration `yaml:"dial_backoff_max"`
	DialRatePerSecond int           `yaml:"dial_rate_per_second"`
	IdleKeepAlive     time.Duration `yaml:"idle_keep_alive"`
	KeepAliveCron     string        `yaml:"keep_alive_cron"`
	MaxChunkSize      int           `yaml:"max_chunk_size"`
}

// TraceConfig configures internal/tracecapture.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode"` // "gzip" or "zstd"
}

// LoadDriverConfig reads and validates the YAML file at path.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading driver config: %w", err)
	}

	var cfg DriverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing driver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating driver config: %w", err)
	}

	return &cfg, nil
}

func (c *DriverConfig) validate() error {
	if c.Target.Address == "" {
		return fmt.Errorf("target.address is required")
	}
	if c.Target.UserAgent == "" {
		c.Target.UserAgent = "neobolt/1.0"
	}

	if c.TLS.Enabled && c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required when tls.enabled is true")
	}
	if c.TLS.ClientCert != "" && c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required when tls.client_cert is set")
	}
	if c.TLS.ClientKey != "" && c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required when tls.client_key is set")
	}

	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = 100
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = 60 * time.Second
	}
	if c.Pool.DialBackoffMin <= 0 {
		c.Pool.DialBackoffMin = 500 * time.Millisecond
	}
	if c.Pool.DialBackoffMax <= 0 {
		c.Pool.DialBackoffMax = 30 * time.Second
	}
	if c.Pool.DialBackoffMax < c.Pool.DialBackoffMin {
		return fmt.Errorf("pool.dial_backoff_max must be >= pool.dial_backoff_min")
	}
	if c.Pool.DialRatePerSecond <= 0 {
		c.Pool.DialRatePerSecond = 10
	}
	if c.Pool.IdleKeepAlive <= 0 {
		c.Pool.IdleKeepAlive = 2 * time.Minute
	}
	if c.Pool.KeepAliveCron == "" {
		c.Pool.KeepAliveCron = "@every 30s"
	}
	if c.Pool.MaxChunkSize <= 0 {
		c.Pool.MaxChunkSize = 16384
	}

	if c.Trace.Enabled {
		if c.Trace.Path == "" {
			return fmt.Errorf("trace.path is required when trace.enabled is true")
		}
		switch c.Trace.Mode {
		case "":
			c.Trace.Mode = "gzip"
		case "gzip", "zstd":
		default:
			return fmt.Errorf("trace.mode must be gzip or zstd, got %q", c.Trace.Mode)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
