// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the complete configuration for ntunnel-client.
// Individual fields also have command-line flag equivalents; the CLI
// driver overlays flags onto a loaded (or zero-value) config.
type ClientConfig struct {
	Local      LocalService    `yaml:"local"`
	Server     ServerAddr      `yaml:"server"`
	TLS        TLSClient       `yaml:"tls"`
	TokenURL   string          `yaml:"token_server"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
	Throttle   ClientThrottleConfig `yaml:"throttle"`
	Logging    LoggingInfo     `yaml:"logging"`
}

// ClientThrottleConfig bounds how fast relayed bytes are written back to the
// local service (internal/netutil.ThrottledWriter).
type ClientThrottleConfig struct {
	BytesPerSecond int64 `yaml:"bytes_per_second"` // default: 0 (disabled)
}

// LocalService is the loopback service the client relays tunneled bytes
// to/from.
type LocalService struct {
	Port    int    `yaml:"port"`    // default: 3000
	Payload string `yaml:"payload"` // "tcp" (default) or "udp"; anything else falls back to tcp
	DSCP    string `yaml:"dscp"`    // optional DSCP name (EF, AF41, CS0...) applied to the loopback socket
}

// PayloadKindString normalizes Payload: unknown values are treated as
// tcp rather than rejected, matching the source's own lenient behavior.
func (l LocalService) PayloadKindString() string {
	if strings.EqualFold(l.Payload, "udp") {
		return "udp"
	}
	return "tcp"
}

// ServerAddr is the control-plane address the client dials.
type ServerAddr struct {
	Address string `yaml:"address"` // host:port, default control-port 5000
}

// TLSClient optionally pins a private CA for the control websocket.
type TLSClient struct {
	CACert string `yaml:"ca_cert"` // empty uses the system root pool
}

// ReconnectConfig drives the CLI's capped-exponential-backoff reconnect
// loop around the (non-reconnecting) control session core.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"` // default: 1s
	MaxDelay     time.Duration `yaml:"max_delay"`     // default: 30s
}

// DefaultClientConfig returns a zero-value config with defaults applied,
// for CLI invocations that configure entirely via flags with no config
// file on disk.
func DefaultClientConfig() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.validate()
	return cfg
}

// LoadClientConfig reads and validates the client's YAML config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Local.Port == 0 {
		c.Local.Port = 3000
	}
	if c.Local.Port < 0 || c.Local.Port > 65535 {
		return fmt.Errorf("local.port must be a valid TCP/UDP port, got %d", c.Local.Port)
	}

	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:5000"
	}

	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = 1 * time.Second
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}

	c.Logging.applyDefaults()

	return nil
}
