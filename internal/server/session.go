// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/netutil"
	"github.com/nishisan-dev/n-tunnel/internal/portalloc"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
	"github.com/nishisan-dev/n-tunnel/internal/registry"
	"github.com/nishisan-dev/n-tunnel/internal/transport"
)

// pingInterval is the default liveness cadence.
const pingInterval = 30 * time.Second

// pongTimeout closes the session after this many missed cadences without
// a Pong.
const pongTimeout = 2 * pingInterval

// Session is the server-side control session for exactly one connected
// client: handshake, outbound pump, inbound pump, and the liveness timer,
// all cancelled together on termination.
type Session struct {
	conn      *transport.Conn
	clients   *registry.ClientRegistry
	streams   *registry.StreamRegistry
	ports     *portalloc.Allocator
	validator   TokenValidator
	limiter     int   // admitted streams/sec per client, passed to the listener
	bytesPerSec int64 // public-socket write throttle, passed to the listener
	logger      *slog.Logger

	onMetrics func(event string) // hook for the event ring buffer

	clientID    ids.ClientID
	publicPort  int
	payloadKind protocol.PayloadKind
}

// ClientID returns the handshake-assigned client id, valid only once Run
// has passed the handshake (i.e. after the first "handshake_ok" event).
func (s *Session) ClientID() ids.ClientID { return s.clientID }

// PublicPort returns the allocated public port, valid under the same
// condition as ClientID.
func (s *Session) PublicPort() int { return s.publicPort }

// PayloadKind returns the negotiated payload kind.
func (s *Session) PayloadKind() protocol.PayloadKind { return s.payloadKind }

// NewSession builds a not-yet-started server control session over conn.
func NewSession(conn *transport.Conn, clients *registry.ClientRegistry, streams *registry.StreamRegistry, ports *portalloc.Allocator, validator TokenValidator, streamsPerSecond int, bytesPerSec int64, logger *slog.Logger) *Session {
	return &Session{
		conn:        conn,
		clients:     clients,
		streams:     streams,
		ports:       ports,
		validator:   validator,
		limiter:     streamsPerSecond,
		bytesPerSec: bytesPerSec,
		logger:      logger.With("component", "session"),
	}
}

// OnEvent installs a hook invoked with a short event name at each lifecycle
// transition (handshake_ok, handshake_rejected, closed, ...), feeding the
// observability package's event ring without this package depending on it.
func (s *Session) OnEvent(fn func(event string)) {
	s.onMetrics = fn
}

func (s *Session) emit(event string) {
	if s.onMetrics != nil {
		s.onMetrics(event)
	}
}

// Run performs the handshake and, on success, drives the session until
// ctx is cancelled, the websocket fails, or liveness times out. It always
// returns having cleaned up: client disabled, port released, listener
// stopped, registries swept.
func (s *Session) Run(ctx context.Context) error {
	hello, err := s.conn.Recv()
	if err != nil {
		return fmt.Errorf("server: reading Hello: %w", err)
	}
	if hello.Kind != protocol.KindHello {
		s.conn.Send(protocol.ServerHelloRejected("expected Hello"))
		return fmt.Errorf("server: expected Hello, got %v", hello.Kind)
	}

	if err := s.validator.Validate(hello.Token); err != nil {
		s.conn.Send(protocol.ServerHelloRejected("bad token"))
		s.emit("handshake_rejected")
		return fmt.Errorf("server: handshake: %w", ErrBadToken)
	}

	port, err := s.ports.Allocate()
	if err != nil {
		s.conn.Send(protocol.ServerHelloRejected("no ports available"))
		s.emit("handshake_rejected")
		return fmt.Errorf("server: handshake: %w", err)
	}

	clientID := ids.NewClientID()
	client, err := s.clients.Insert(clientID, port)
	if err != nil {
		s.ports.Release(port)
		s.conn.Send(protocol.ServerHelloRejected(err.Error()))
		s.emit("handshake_rejected")
		return fmt.Errorf("server: handshake: %w", err)
	}

	s.clientID = clientID
	s.publicPort = port
	s.payloadKind = hello.PayloadKind

	logger := s.logger.With("client_id", clientID.String(), "port", port)

	if err := s.conn.Send(protocol.ServerHelloPacket(clientID, uint16(port))); err != nil {
		s.clients.Disable(clientID)
		s.clients.Sweep()
		s.ports.Release(port)
		return fmt.Errorf("server: sending ServerHello: %w", err)
	}
	s.emit("handshake_ok")
	logger.Info("client connected", "payload", hello.PayloadKind)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener := NewListener(clientID, port, hello.PayloadKind, client, s.streams, netutil.NewStreamLimiter(s.limiter), s.bytesPerSec, logger)

	errCh := make(chan error, 3)
	go func() { errCh <- s.outboundPump(sessionCtx, client, logger) }()
	go func() { errCh <- s.inboundPump(sessionCtx, client, logger) }()
	go func() { errCh <- listener.Run(sessionCtx) }()

	runErr := <-errCh
	cancel()
	listener.Close()

	s.clients.Disable(clientID)
	s.clients.Sweep()
	s.streams.Sweep()
	if err := s.ports.Release(port); err != nil {
		logger.Warn("releasing port failed", "error", err)
	}
	s.emit("closed")
	logger.Info("client disconnected", "reason", runErr)

	return runErr
}

func (s *Session) outboundPump(ctx context.Context, client *registry.Client, logger *slog.Logger) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.conn.Send(protocol.PingPacket()); err != nil {
				return fmt.Errorf("server: control write: %w", err)
			}
		case pkt := <-client.Outbound:
			if err := s.conn.Send(pkt); err != nil {
				return fmt.Errorf("server: control write: %w", err)
			}
		}
	}
}

func (s *Session) inboundPump(ctx context.Context, client *registry.Client, logger *slog.Logger) error {
	lastPong := time.Now()
	deadlineTicker := time.NewTicker(pingInterval)
	defer deadlineTicker.Stop()

	type recvResult struct {
		pkt protocol.ControlPacket
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		for {
			pkt, err := s.conn.Recv()
			recvCh <- recvResult{pkt, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadlineTicker.C:
			if time.Since(lastPong) > pongTimeout {
				return fmt.Errorf("server: control channel liveness timeout")
			}
		case r := <-recvCh:
			if r.err != nil {
				if errors.Is(r.err, transport.ErrClosed) {
					return nil
				}
				return fmt.Errorf("server: control read: %w", r.err)
			}
			lastPong = s.handleInbound(r.pkt, client, lastPong, logger)
		}
	}
}

func (s *Session) handleInbound(pkt protocol.ControlPacket, client *registry.Client, lastPong time.Time, logger *slog.Logger) time.Time {
	switch pkt.Kind {
	case protocol.KindData:
		if err := s.streams.SendToRemote(pkt.StreamID, registry.StreamMessage{Bytes: pkt.Bytes}); err != nil {
			client.Outbound <- protocol.End(pkt.StreamID)
		}
	case protocol.KindEnd:
		s.streams.SendToRemote(pkt.StreamID, registry.StreamMessage{Close: true})
	case protocol.KindRefused:
		s.streams.SendToRemote(pkt.StreamID, registry.StreamMessage{Close: true})
		s.streams.Disable(pkt.StreamID)
	case protocol.KindPing:
		client.Outbound <- protocol.PongPacket()
	case protocol.KindPong:
		return time.Now()
	default:
		logger.Warn("unexpected control packet", "kind", pkt.Kind.String())
	}
	return lastPong
}
