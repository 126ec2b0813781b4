// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the complete configuration for ntunnel-server.
type ServerConfig struct {
	Control       ControlListen      `yaml:"control"`
	TLS           TLSServer          `yaml:"tls"`
	Ports         PortRange          `yaml:"ports"`
	Token         TokenConfig        `yaml:"token"`
	Throttle      ThrottleConfig     `yaml:"throttle"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Logging       LoggingInfo        `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig configures the read-only HTTP API. Disabled
// unless Listen is set.
type ObservabilityConfig struct {
	Listen        string   `yaml:"listen"`         // empty disables the HTTP API
	AllowedCIDRs  []string `yaml:"allowed_cidrs"`  // default: ["127.0.0.1/32"]
}

// ControlListen is the address the control websocket listens on.
type ControlListen struct {
	Listen string `yaml:"listen"` // default: ":5000"
}

// TLSServer holds the server's certificate/key for the control websocket.
type TLSServer struct {
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// PortRange is the half-open range of public ports handed out to clients.
type PortRange struct {
	Low  int `yaml:"low"`  // default: 20000
	High int `yaml:"high"` // default: 30000 (exclusive)
}

// TokenConfig configures handshake-token validation.
type TokenConfig struct {
	HMACSecret string `yaml:"hmac_secret"` // required
}

// ThrottleConfig bounds how fast a client may mint new streams on its
// public port (golang.org/x/time/rate, internal/netutil.StreamLimiter)
// and how fast relayed bytes are written back to the public socket
// (internal/netutil.ThrottledWriter).
type ThrottleConfig struct {
	StreamsPerSecond int   `yaml:"streams_per_second"` // default: 100, 0 disables the limit
	BytesPerSecond   int64 `yaml:"bytes_per_second"`   // default: 0 (disabled)
}

// MetricsConfig configures the observability sink and scheduled snapshot.
type MetricsConfig struct {
	SnapshotCron       string `yaml:"snapshot_cron"`        // default: "* * * * *"
	HistoryFile        string `yaml:"history_file"`         // default: "session-history.jsonl"
	HistoryMaxLines    int    `yaml:"history_max_lines"`    // default: 20000
	S3ArchiveBucket    string `yaml:"s3_archive_bucket"`    // optional; enables S3ArchiveSink
	S3ArchivePrefix    string `yaml:"s3_archive_prefix"`    // default: "ntunnel/"
	S3ArchiveRegion    string `yaml:"s3_archive_region"`
}

// LoadServerConfig reads and validates the server's YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Control.Listen == "" {
		c.Control.Listen = ":5000"
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}

	if c.Ports.Low == 0 {
		c.Ports.Low = 20000
	}
	if c.Ports.High == 0 {
		c.Ports.High = 30000
	}
	if c.Ports.High <= c.Ports.Low {
		return fmt.Errorf("ports.high (%d) must be greater than ports.low (%d)", c.Ports.High, c.Ports.Low)
	}

	if c.Token.HMACSecret == "" {
		return fmt.Errorf("token.hmac_secret is required")
	}

	if c.Throttle.StreamsPerSecond == 0 {
		c.Throttle.StreamsPerSecond = 100
	}
	if c.Throttle.StreamsPerSecond < 0 {
		return fmt.Errorf("throttle.streams_per_second must be >= 0, got %d", c.Throttle.StreamsPerSecond)
	}

	if c.Metrics.SnapshotCron == "" {
		c.Metrics.SnapshotCron = "* * * * *"
	}
	if c.Metrics.HistoryFile == "" {
		c.Metrics.HistoryFile = "session-history.jsonl"
	}
	if c.Metrics.HistoryMaxLines <= 0 {
		c.Metrics.HistoryMaxLines = 20000
	}
	if c.Metrics.S3ArchiveBucket != "" && c.Metrics.S3ArchivePrefix == "" {
		c.Metrics.S3ArchivePrefix = "ntunnel/"
	}

	if c.Observability.Listen != "" && len(c.Observability.AllowedCIDRs) == 0 {
		c.Observability.AllowedCIDRs = []string{"127.0.0.1/32"}
	}

	c.Logging.applyDefaults()

	return nil
}

// SnapshotInterval is a fallback fixed interval used only if the cron
// expression fails to parse at startup (logged, never silently ignored).
const SnapshotInterval = time.Minute
