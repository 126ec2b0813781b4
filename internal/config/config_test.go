// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadServerConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
tls:
  server_cert: /etc/ntunnel/server.pem
  server_key: /etc/ntunnel/server-key.pem
token:
  hmac_secret: shared-secret
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	if cfg.Control.Listen != ":5000" {
		t.Errorf("expected default control.listen ':5000', got %q", cfg.Control.Listen)
	}
	if cfg.Ports.Low != 20000 || cfg.Ports.High != 30000 {
		t.Errorf("expected default port range [20000,30000), got [%d,%d)", cfg.Ports.Low, cfg.Ports.High)
	}
	if cfg.Throttle.StreamsPerSecond != 100 {
		t.Errorf("expected default throttle 100, got %d", cfg.Throttle.StreamsPerSecond)
	}
	if cfg.Metrics.SnapshotCron != "* * * * *" {
		t.Errorf("expected default cron '* * * * *', got %q", cfg.Metrics.SnapshotCron)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadServerConfigRequiresTLSAndToken(t *testing.T) {
	path := writeTempConfig(t, "control:\n  listen: \":5000\"\n")
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("expected error when tls/token fields are missing")
	}
}

func TestLoadServerConfigRejectsInvertedPortRange(t *testing.T) {
	path := writeTempConfig(t, `
tls:
  server_cert: a
  server_key: b
token:
  hmac_secret: s
ports:
  low: 40000
  high: 30000
`)
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}

func TestLoadClientConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "server:\n  address: tunnel.example.com:5000\n")

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}

	if cfg.Local.Port != 3000 {
		t.Errorf("expected default local.port 3000, got %d", cfg.Local.Port)
	}
	if cfg.Reconnect.InitialDelay != 1*time.Second {
		t.Errorf("expected default initial delay 1s, got %v", cfg.Reconnect.InitialDelay)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("expected default max delay 30s, got %v", cfg.Reconnect.MaxDelay)
	}
}

func TestLocalServicePayloadKindFallsBackToTCP(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{"tcp", "tcp"},
		{"TCP", "tcp"},
		{"udp", "udp"},
		{"UDP", "udp"},
		{"", "tcp"},
		{"sctp", "tcp"},
	}
	for _, tc := range cases {
		l := LocalService{Payload: tc.payload}
		if got := l.PayloadKindString(); got != tc.want {
			t.Errorf("PayloadKindString(%q) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}

func TestLoadClientConfigRejectsInvalidPort(t *testing.T) {
	path := writeTempConfig(t, "local:\n  port: 99999\nserver:\n  address: x:5000\n")
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected error for out-of-range local port")
	}
}

func TestLoadServerConfigDefaultsObservabilityCIDR(t *testing.T) {
	path := writeTempConfig(t, `
tls:
  server_cert: a
  server_key: b
token:
  hmac_secret: s
observability:
  listen: ":9090"
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if len(cfg.Observability.AllowedCIDRs) != 1 || cfg.Observability.AllowedCIDRs[0] != "127.0.0.1/32" {
		t.Errorf("expected default allowed_cidrs [127.0.0.1/32], got %v", cfg.Observability.AllowedCIDRs)
	}
}

func TestLoadServerConfigObservabilityDisabledByDefault(t *testing.T) {
	path := writeTempConfig(t, `
tls:
  server_cert: a
  server_key: b
token:
  hmac_secret: s
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Observability.Listen != "" {
		t.Errorf("expected observability disabled by default, got listen %q", cfg.Observability.Listen)
	}
	if len(cfg.Observability.AllowedCIDRs) != 0 {
		t.Errorf("expected no default CIDRs when observability is disabled, got %v", cfg.Observability.AllowedCIDRs)
	}
}

func TestDefaultClientConfigAppliesDefaults(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.Local.Port != 3000 {
		t.Errorf("expected default local.port 3000, got %d", cfg.Local.Port)
	}
	if cfg.Server.Address != "127.0.0.1:5000" {
		t.Errorf("expected default server address, got %q", cfg.Server.Address)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("expected default max delay 30s, got %v", cfg.Reconnect.MaxDelay)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig("/nonexistent/server.yaml"); err == nil {
		t.Fatal("expected error for missing server config file")
	}
	if _, err := LoadClientConfig("/nonexistent/client.yaml"); err == nil {
		t.Fatal("expected error for missing client config file")
	}
}
