// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package client implements the client-side control session: the
// symmetric counterpart to internal/server's Session. It performs the
// Hello/ServerHello handshake, opens a loopback socket for every Init it
// receives, and pumps bytes between those local sockets and the control
// channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/netutil"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
	"github.com/nishisan-dev/n-tunnel/internal/transport"
)

// Termination reasons: the session always exits with one of these
// wrapped into the returned error.
var (
	ErrDisconnected = errors.New("client: control channel disconnected")
	ErrBadHandshake = errors.New("client: handshake rejected")
	ErrLocalIO      = errors.New("client: local socket I/O error")
	ErrProtocol     = errors.New("client: protocol error")
)

// livenessCadence mirrors the server's pingInterval; the client drives
// its own websocket-level ping on the same cadence to measure RTT (see
// rttTracker).
const livenessCadence = 30 * time.Second

// LocalDialer opens the loopback connection a newly Init'd stream relays
// to. Implemented separately for TCP and UDP so Session stays transport
// agnostic.
type LocalDialer interface {
	Dial(ctx context.Context) (LocalConn, error)
}

// Info is what the caller learns once the handshake succeeds.
type Info struct {
	ClientID     ids.ClientID
	AssignedPort int
}

// Session is the client-side control session for one connection attempt.
// The core never reconnects on its own; a driver loop around Run
// provides that.
type Session struct {
	conn        *transport.Conn
	dialer      LocalDialer
	dscp        int
	bytesPerSec int64
	logger      *slog.Logger
	streams     *activeStreamMap

	rtt rttTracker

	onInfo func(Info)
}

// NewSession builds a not-yet-started client control session over conn.
// dialer opens the loopback socket for each Init; dscp (0 disables) is
// applied to every opened loopback socket. bytesPerSec (<= 0 disables)
// throttles how fast relayed bytes are written back to the local
// service.
func NewSession(conn *transport.Conn, dialer LocalDialer, dscp int, bytesPerSec int64, logger *slog.Logger) *Session {
	return &Session{
		conn:        conn,
		dialer:      dialer,
		dscp:        dscp,
		bytesPerSec: bytesPerSec,
		logger:      logger.With("component", "client_session"),
		streams:     newActiveStreamMap(),
	}
}

// OnInfo installs a callback invoked once with the assigned ClientID and
// public port, right after ServerHello is accepted.
func (s *Session) OnInfo(fn func(Info)) {
	s.onInfo = fn
}

// RTT returns the current EWMA round-trip-time estimate for the control
// channel, for the caller to export as a gauge. Zero until the first
// websocket pong arrives.
func (s *Session) RTT() time.Duration {
	return s.rtt.value()
}

// Hello performs the opening handshake: sends Hello(token, payloadKind)
// and waits for ServerHello. On success it returns the assigned Info and
// leaves the session ready for Run. On rejection it returns
// ErrBadHandshake wrapping the server's stated reason.
func (s *Session) Hello(token string, payload protocol.PayloadKind) (Info, error) {
	if err := s.conn.Send(protocol.HelloPacket(token, payload)); err != nil {
		return Info{}, fmt.Errorf("client: sending Hello: %w", err)
	}

	pkt, err := s.conn.Recv()
	if err != nil {
		return Info{}, fmt.Errorf("client: reading ServerHello: %w", err)
	}
	if pkt.Kind != protocol.KindServerHello {
		return Info{}, fmt.Errorf("%w: expected ServerHello, got %v", ErrProtocol, pkt.Kind)
	}
	if pkt.Rejected() {
		return Info{}, fmt.Errorf("%w: %s", ErrBadHandshake, pkt.HandshakeErr)
	}

	info := Info{ClientID: pkt.ClientID, AssignedPort: int(pkt.AssignedPort)}
	if s.onInfo != nil {
		s.onInfo(info)
	}
	return info, nil
}

// Run drives the session until ctx is cancelled or a sub-task fails. It
// always cleans up before returning: the session context is cancelled,
// which makes every stream's goroutines close its local socket, and the
// active-streams map is cleared.
func (s *Session) Run(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound := make(chan protocol.ControlPacket, 64)

	s.conn.SetPongHandler(func(string) error {
		s.rtt.observe(time.Since(s.rtt.lastPing()))
		return nil
	})

	errCh := make(chan error, 3)
	go func() { errCh <- s.livenessLoop(sessionCtx) }()
	go func() { errCh <- s.outboundPump(sessionCtx, outbound) }()
	go func() { errCh <- s.inboundPump(sessionCtx, outbound) }()

	runErr := <-errCh
	cancel()

	s.streams.closeAll()

	return classifyTermination(runErr)
}

func classifyTermination(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return ErrDisconnected
	}
	return err
}

func (s *Session) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(livenessCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.rtt.markPing(time.Now())
			if err := s.conn.SendPing(); err != nil {
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
		}
	}
}

func (s *Session) outboundPump(ctx context.Context, outbound <-chan protocol.ControlPacket) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-outbound:
			if err := s.conn.Send(pkt); err != nil {
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
		}
	}
}

func (s *Session) inboundPump(ctx context.Context, outbound chan<- protocol.ControlPacket) error {
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
		case r := <-recvCh:
			if r.err != nil {
				if errors.Is(r.err, transport.ErrClosed) {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrDisconnected, r.err)
			}
			s.handleInbound(ctx, r.pkt, outbound)
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, pkt protocol.ControlPacket, outbound chan<- protocol.ControlPacket) {
	switch pkt.Kind {
	case protocol.KindInit:
		s.openLocalStream(ctx, pkt.StreamID, outbound)
	case protocol.KindData:
		if !s.streams.push(pkt.StreamID, localMessage{bytes: pkt.Bytes}) {
			select {
			case outbound <- protocol.End(pkt.StreamID):
			default:
			}
		}
	case protocol.KindEnd:
		s.streams.push(pkt.StreamID, localMessage{close: true})
	case protocol.KindPing:
		select {
		case outbound <- protocol.PongPacket():
		default:
		}
	case protocol.KindPong:
		// Application-level Pong carries no timing data; RTT is tracked
		// via the websocket-level ping/pong instead (see SetPongHandler
		// in Run).
	default:
		s.logger.Warn("unexpected control packet", "kind", pkt.Kind.String())
	}
}

func (s *Session) openLocalStream(ctx context.Context, streamID ids.StreamID, outbound chan<- protocol.ControlPacket) {
	logger := s.logger.With("stream_id", streamID.String())

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		logger.Debug("local connect refused", "error", err)
		outbound <- protocol.Refused(streamID)
		return
	}
	if s.dscp != 0 {
		if err := netutil.ApplyDSCP(conn, s.dscp); err != nil {
			logger.Warn("applying DSCP to local socket failed", "error", err)
		}
	}

	entry := s.streams.insert(streamID)
	streamCtx, cancel := context.WithCancel(ctx)

	// Unblocks readLocalIntoStream when the session ends.
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	go func() {
		defer cancel()
		defer conn.Close()
		defer s.streams.remove(streamID)

		var writerDone = make(chan struct{})
		go func() {
			defer close(writerDone)
			drainLocalWrites(streamCtx, conn, entry, s.bytesPerSec, logger)
		}()

		readLocalIntoStream(conn, streamID, outbound, logger)

		cancel()
		<-writerDone
	}()
}

// rttTracker keeps an EWMA of websocket-level ping/pong round-trip time.
type rttTracker struct {
	pingSentAt time.Time
	ewmaNanos  float64
}

const rttEWMAAlpha = 0.25

func (r *rttTracker) markPing(t time.Time) { r.pingSentAt = t }
func (r *rttTracker) lastPing() time.Time  { return r.pingSentAt }

func (r *rttTracker) observe(d time.Duration) {
	n := float64(d.Nanoseconds())
	if r.ewmaNanos == 0 {
		r.ewmaNanos = n
		return
	}
	r.ewmaNanos = rttEWMAAlpha*n + (1-rttEWMAAlpha)*r.ewmaNanos
}

func (r *rttTracker) value() time.Duration {
	if r.ewmaNanos <= 0 || math.IsNaN(r.ewmaNanos) {
		return 0
	}
	return time.Duration(r.ewmaNanos)
}
