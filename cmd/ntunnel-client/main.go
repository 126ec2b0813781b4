// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-tunnel/internal/client"
	"github.com/nishisan-dev/n-tunnel/internal/config"
	"github.com/nishisan-dev/n-tunnel/internal/logging"
	"github.com/nishisan-dev/n-tunnel/internal/netutil"
	"github.com/nishisan-dev/n-tunnel/internal/pki"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
	"github.com/nishisan-dev/n-tunnel/internal/transport"
)

// defaultTokenServer is the fallback token-issuing endpoint; deployments
// nearly always override it with --token-server.
const defaultTokenServer = "http://127.0.0.1:8000/token"

func main() {
	configPath := flag.String("config", "", "path to client config file (optional; flags below override or substitute it)")
	localPort := flag.Int("local-port", 0, "local service port to relay to (default 3000)")
	payload := flag.String("payload", "", "local service transport: tcp or udp (default tcp; unknown values fall back to tcp)")
	controlPort := flag.Int("control-port", 0, "server control port to dial (default 5000)")
	controlHost := flag.String("control-host", "", "server control host (default 127.0.0.1)")
	tokenServer := flag.String("token-server", "", "token-issuing endpoint URL")
	logLevel := flag.String("log-level", "", "override logging.level from the config file")
	logFormat := flag.String("log-format", "", "override logging.format from the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *localPort, *payload, *controlPort, *controlHost)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *tokenServer != "" {
		cfg.TokenURL = *tokenServer
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenServer
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWithReconnect(ctx, cfg, logger); err != nil {
		logger.Error("client exiting", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.ClientConfig, error) {
	if path == "" {
		return config.DefaultClientConfig(), nil
	}
	return config.LoadClientConfig(path)
}

func applyFlagOverrides(cfg *config.ClientConfig, localPort int, payload string, controlPort int, controlHost string) {
	if localPort != 0 {
		cfg.Local.Port = localPort
	}
	if payload != "" {
		cfg.Local.Payload = payload
	}
	if controlPort != 0 || controlHost != "" {
		host := controlHost
		if host == "" {
			host = "127.0.0.1"
		}
		port := controlPort
		if port == 0 {
			port = 5000
		}
		cfg.Server.Address = fmt.Sprintf("%s:%d", host, port)
	}
}

// runWithReconnect drives repeated Session attempts with capped
// exponential backoff: the control session core never reconnects on its
// own, so this loop re-invokes it on every terminal disconnect until ctx
// is cancelled.
func runWithReconnect(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	delay := cfg.Reconnect.InitialDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		runErr := runOnce(ctx, cfg, logger)
		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("session ended, reconnecting", "error", runErr, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > cfg.Reconnect.MaxDelay {
			delay = cfg.Reconnect.MaxDelay
		}
	}
}

// jitter spreads reconnect attempts across a full-jitter window so a
// server restart does not get a reconnect storm from every client at
// once.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

func runOnce(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	token, dialAddr, err := fetchToken(ctx, cfg)
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}

	tlsConfig, err := pki.NewClientTLSConfig(cfg.TLS.CACert)
	if err != nil {
		return fmt.Errorf("building client TLS config: %w", err)
	}

	dialer := websocket.Dialer{TLSClientConfig: tlsConfig, HandshakeTimeout: 10 * time.Second}
	u := url.URL{Scheme: "wss", Host: dialAddr, Path: "/tunnel"}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	conn := transport.NewConn(ws)
	defer conn.Close()

	dscp, err := netutil.ParseDSCP(cfg.Local.DSCP)
	if err != nil {
		logger.Warn("ignoring invalid dscp setting", "value", cfg.Local.DSCP, "error", err)
		dscp = 0
	}

	var localDialer client.LocalDialer
	payloadKind := protocol.PayloadTCP
	if cfg.Local.PayloadKindString() == "udp" {
		payloadKind = protocol.PayloadUDP
		localDialer = client.UDPDialer{Port: cfg.Local.Port}
	} else {
		localDialer = client.TCPDialer{Port: cfg.Local.Port}
	}

	session := client.NewSession(conn, localDialer, dscp, cfg.Throttle.BytesPerSecond, logger)
	session.OnInfo(func(info client.Info) {
		logger.Info("tunnel established", "client_id", info.ClientID.String(), "public_port", info.AssignedPort)
	})

	if _, err := session.Hello(token, payloadKind); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	return session.Run(ctx)
}

// fetchToken calls the external token-issuing endpoint and resolves the
// dial address: the endpoint's own host/port
// response takes priority, falling back to cfg.Server.Address.
func fetchToken(ctx context.Context, cfg *config.ClientConfig) (token, dialAddr string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.TokenURL, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("token server returned status %d", resp.StatusCode)
	}

	var body struct {
		Token  string `json:"token"`
		Server string `json:"server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.Token == "" {
		return "", "", fmt.Errorf("token response carried no token")
	}

	addr := cfg.Server.Address
	if body.Server != "" {
		addr = body.Server
	}
	if !strings.Contains(addr, ":") {
		addr = addr + ":5000"
	}
	return body.Token, addr, nil
}
