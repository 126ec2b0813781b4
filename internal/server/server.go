// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/nishisan-dev/n-tunnel/internal/config"
	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/logging"
	"github.com/nishisan-dev/n-tunnel/internal/pki"
	"github.com/nishisan-dev/n-tunnel/internal/portalloc"
	"github.com/nishisan-dev/n-tunnel/internal/registry"
	"github.com/nishisan-dev/n-tunnel/internal/server/observability"
	"github.com/nishisan-dev/n-tunnel/internal/transport"
)

// controlPath is the HTTP path the control websocket upgrades on.
const controlPath = "/tunnel"

// upgrader is shared across connections; gorilla's Upgrader holds no
// per-connection state.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the registries, port allocator, and control-websocket
// listener for one running ntunnel-server process, plus the optional
// observability HTTP API and scheduled metrics snapshot.
type Server struct {
	cfg       *config.ServerConfig
	tlsConfig *tls.Config
	validator TokenValidator
	logger    *slog.Logger

	clients *registry.ClientRegistry
	streams *registry.StreamRegistry
	ports   *portalloc.Allocator

	events    *observability.EventStore
	history   *observability.SessionHistoryStore
	snapshots *observability.MetricsSnapshotStore
	s3sink    *observability.S3ArchiveSink

	metaMu sync.Mutex
	meta   map[string]clientMeta

	cron *cron.Cron
}

type clientMeta struct {
	publicPort  int
	payload     string
	connectedAt time.Time
}

// New builds a Server from cfg, wiring the registries and observability
// stores. It does not yet listen; call Run.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	tlsConfig, err := pki.NewServerTLSConfig(cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	validator, err := NewHMACTokenValidator([]byte(cfg.Token.HMACSecret))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		validator: validator,
		logger:    logger.With("component", "server"),
		clients:   registry.NewClientRegistry(),
		streams:   registry.NewStreamRegistry(),
		ports:     portalloc.New(cfg.Ports.Low, cfg.Ports.High, nil),
		meta:      make(map[string]clientMeta),
	}
	s.clients.OnDisable = s.streams.DisableOwnedBy

	if cfg.Metrics.HistoryFile != "" {
		history, err := observability.NewSessionHistoryStore(cfg.Metrics.HistoryFile, 500, cfg.Metrics.HistoryMaxLines)
		if err != nil {
			return nil, fmt.Errorf("server: opening session history store: %w", err)
		}
		s.history = history
	}

	events, err := observability.NewEventStore(cfg.Metrics.HistoryFile+".events", 500, cfg.Metrics.HistoryMaxLines)
	if err != nil {
		return nil, fmt.Errorf("server: opening event store: %w", err)
	}
	s.events = events

	snapshots, err := observability.NewMetricsSnapshotStore(cfg.Metrics.HistoryFile+".snapshots", 2000, cfg.Metrics.HistoryMaxLines)
	if err != nil {
		return nil, fmt.Errorf("server: opening metrics snapshot store: %w", err)
	}
	s.snapshots = snapshots

	if cfg.Metrics.S3ArchiveBucket != "" {
		sink, err := observability.NewS3ArchiveSink(context.Background(), cfg.Metrics.S3ArchiveBucket, cfg.Metrics.S3ArchivePrefix, cfg.Metrics.S3ArchiveRegion)
		if err != nil {
			s.logger.Warn("S3 archive sink disabled", "error", err)
		} else {
			s.s3sink = sink
			if s.history != nil {
				s.history.SetArchiveSink(sink, "sessions", s.logger)
			}
			s.events.SetArchiveSink(sink, "events", s.logger)
			s.snapshots.SetArchiveSink(sink, "snapshots", s.logger)
		}
	}

	return s, nil
}

// Run accepts control connections until ctx is cancelled, serving the
// observability HTTP API (if configured) and the metrics-snapshot cron
// schedule alongside it.
func (s *Server) Run(ctx context.Context) error {
	defer s.events.Close()
	if s.history != nil {
		defer s.history.Close()
	}
	defer s.snapshots.Close()

	s.startCron(ctx)
	defer s.cron.Stop()

	var obsServer *http.Server
	if s.cfg.Observability.Listen != "" {
		obsServer = s.startObservabilityHTTP()
		defer obsServer.Close()
	}

	ln, err := net.Listen("tcp", s.cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("server: binding control listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the control websocket listener over an already-bound TCP
// listener, wrapping it in TLS itself. Split out from Run so tests can
// bind an ephemeral "127.0.0.1:0" listener and learn the real address
// from ln.Addr() before Serve takes ownership of it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	tlsLn := tls.NewListener(ln, s.tlsConfig)

	mux := http.NewServeMux()
	mux.HandleFunc(controlPath, s.handleUpgrade)
	httpSrv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	s.logger.Info("control listener started", "addr", ln.Addr().String())
	if err := httpSrv.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: control listener: %w", err)
	}
	return nil
}

func (s *Server) startObservabilityHTTP() *http.Server {
	acl, err := buildACL(s.cfg.Observability.AllowedCIDRs)
	if err != nil {
		s.logger.Warn("observability ACL misconfigured, API disabled", "error", err)
		return &http.Server{}
	}

	router := observability.NewRouter(s, s.cfg, acl, s.events)
	srv := &http.Server{Addr: s.cfg.Observability.Listen, Handler: router}
	go func() {
		s.logger.Info("observability API started", "addr", s.cfg.Observability.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("observability API stopped", "error", err)
		}
	}()
	return srv
}

func buildACL(cidrs []string) (*observability.ACL, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing allowed_cidrs entry %q: %w", c, err)
		}
		nets = append(nets, ipnet)
	}
	return observability.NewACL(nets), nil
}

// startCron schedules the periodic gauge snapshot (default "* * * * *"),
// falling back to a fixed interval if the expression fails to parse.
func (s *Server) startCron(ctx context.Context) {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Metrics.SnapshotCron, func() { s.takeSnapshot() })
	if err != nil {
		s.logger.Warn("invalid metrics snapshot cron expression, falling back to fixed interval", "cron", s.cfg.Metrics.SnapshotCron, "error", err)
		go s.fixedIntervalSnapshots(ctx)
		return
	}
	s.cron.Start()
}

func (s *Server) fixedIntervalSnapshots(ctx context.Context) {
	ticker := time.NewTicker(config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.takeSnapshot()
		}
	}
}

func (s *Server) takeSnapshot() {
	load1 := s.hostLoad1()
	s.snapshots.Push(s.clients.Count(), s.streams.Count(), load1, time.Now())
}

func (s *Server) hostLoad1() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}
	return avg.Load1
}

// handleUpgrade upgrades one inbound HTTP request to a websocket control
// session and runs it to completion, cleaning up the port/client/stream
// registries and recording session history once it ends.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := transport.NewConn(ws)

	connID := ids.NewClientID().String()
	sessLogger, sessLogCloser, sessLogPath, err := logging.NewSessionLogger(s.logger, s.cfg.Logging.SessionLogDir, "clients", connID)
	if err != nil {
		s.logger.Warn("per-client session log disabled", "error", err)
		sessLogger, sessLogCloser = s.logger, noopCloser{}
	}
	defer sessLogCloser.Close()

	session := NewSession(conn, s.clients, s.streams, s.ports, s.validator, s.cfg.Throttle.StreamsPerSecond, s.cfg.Throttle.BytesPerSecond, sessLogger)

	startedAt := time.Now()

	session.OnEvent(func(event string) {
		clientID := session.ClientID().String()
		s.events.PushEvent("info", event, clientID, "", event)
		if event == "handshake_ok" {
			s.metaMu.Lock()
			s.meta[clientID] = clientMeta{
				publicPort:  session.PublicPort(),
				payload:     session.PayloadKind().String(),
				connectedAt: startedAt,
			}
			s.metaMu.Unlock()
		}
	})

	err = session.Run(r.Context())
	clientID := session.ClientID().String()

	s.metaMu.Lock()
	meta, ok := s.meta[clientID]
	delete(s.meta, clientID)
	s.metaMu.Unlock()

	publicPort := session.PublicPort()
	payload := session.PayloadKind().String()
	if ok {
		startedAt = meta.connectedAt
	}

	if s.history != nil {
		s.history.Push(observability.SessionHistoryEntry{
			ClientID:     clientID,
			PublicPort:   publicPort,
			Payload:      payload,
			StartedAt:    startedAt.Format(time.RFC3339),
			FinishedAt:   time.Now().Format(time.RFC3339),
			Duration:     time.Since(startedAt).String(),
			StreamsTotal: 0,
			Reason:       reasonOf(err),
		})
	}

	if sessLogPath != "" && err == nil {
		sessLogCloser.Close()
		logging.RemoveSessionLog(s.cfg.Logging.SessionLogDir, "clients", connID)
	}
}

// noopCloser satisfies io.Closer when per-client session logging is
// disabled or fails to initialize.
type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func reasonOf(err error) string {
	switch {
	case err == nil:
		return "disconnected"
	case errors.Is(err, ErrBadToken):
		return "bad_handshake"
	default:
		return err.Error()
	}
}

// MetricsSnapshot implements observability.HandlerMetrics.
func (s *Server) MetricsSnapshot() observability.MetricsResponse {
	return observability.MetricsResponse{
		ActiveClients: s.clients.Count(),
		ActiveStreams: s.streams.Count(),
		Load1:         s.hostLoad1(),
	}
}

// ClientsSnapshot implements observability.HandlerMetrics.
func (s *Server) ClientsSnapshot() []observability.ClientSummary {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	out := make([]observability.ClientSummary, 0, len(s.meta))
	for id, m := range s.meta {
		out = append(out, observability.ClientSummary{
			ClientID:     id,
			PublicPort:   m.publicPort,
			Payload:      m.payload,
			ConnectedAt:  m.connectedAt.Format(time.RFC3339),
			ConnectedFor: time.Since(m.connectedAt).String(),
			Status:       "connected",
		})
	}
	return out
}

// SessionHistorySnapshot implements observability.HandlerMetrics.
func (s *Server) SessionHistorySnapshot() []observability.SessionHistoryEntry {
	if s.history == nil {
		return nil
	}
	return s.history.Recent(200)
}

// MetricsHistorySnapshot implements observability.HandlerMetrics.
func (s *Server) MetricsHistorySnapshot(limit int) []observability.MetricsSnapshotEntry {
	return s.snapshots.Recent(limit)
}
