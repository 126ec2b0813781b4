// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/netutil"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
	"github.com/nishisan-dev/n-tunnel/internal/registry"
)

// udpIdleTimeout is the default inactivity reap window for a UDP stream.
const udpIdleTimeout = 30 * time.Second

// Listener is the public-side accept loop for one client's allocated
// port. One Listener exists per active Client and is torn down when the
// client's control session ends.
type Listener struct {
	clientID ids.ClientID
	port     int
	payload  protocol.PayloadKind

	client      *registry.Client
	streams     *registry.StreamRegistry
	limiter     *netutil.StreamLimiter
	bytesPerSec int64
	logger      *slog.Logger

	tcpLn net.Listener
	udpPc net.PacketConn

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewListener builds a Listener bound to port for client, not yet
// started. bytesPerSec <= 0 leaves the public socket write path
// unthrottled.
func NewListener(clientID ids.ClientID, port int, payload protocol.PayloadKind, client *registry.Client, streams *registry.StreamRegistry, limiter *netutil.StreamLimiter, bytesPerSec int64, logger *slog.Logger) *Listener {
	return &Listener{
		clientID:    clientID,
		port:        port,
		payload:     payload,
		client:      client,
		streams:     streams,
		limiter:     limiter,
		bytesPerSec: bytesPerSec,
		logger:      logger.With("component", "listener", "client_id", clientID.String(), "port", port),
		conns:       make(map[net.Conn]struct{}),
	}
}

// Run binds the configured port and serves until ctx is cancelled or a
// fatal bind error occurs.
func (l *Listener) Run(ctx context.Context) error {
	switch l.payload {
	case protocol.PayloadUDP:
		return l.runUDP(ctx)
	default:
		return l.runTCP(ctx)
	}
}

func (l *Listener) runTCP(ctx context.Context) error {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4zero, Port: l.port})
	if err != nil {
		return err
	}
	l.tcpLn = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			return err
		}

		if !l.limiter.Allow() {
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.serveTCPStream(ctx, conn)
	}
}

func (l *Listener) serveTCPStream(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	l.connsMu.Lock()
	l.conns[conn] = struct{}{}
	l.connsMu.Unlock()
	defer func() {
		l.connsMu.Lock()
		delete(l.conns, conn)
		l.connsMu.Unlock()
	}()

	streamID := ids.NewStreamID()
	stream := l.streams.Insert(streamID, l.clientID, conn.RemoteAddr().String())
	logger := l.logger.With("stream_id", streamID.String(), "peer", conn.RemoteAddr().String())

	l.client.Outbound <- protocol.Init(streamID)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		writeStreamToSocket(streamCtx, conn, stream, l.bytesPerSec, logger)
	}()

	readSocketIntoStream(conn, streamID, l.client.Outbound, logger)

	cancel()
	writerDone.Wait()

	l.streams.Disable(streamID)
}

func readSocketIntoStream(conn net.Conn, streamID ids.StreamID, outbound chan<- protocol.ControlPacket, logger *slog.Logger) {
	buf := make([]byte, protocol.DefaultChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			outbound <- protocol.Data(streamID, chunk)
		}
		if err != nil {
			outbound <- protocol.End(streamID)
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("public socket read ended", "error", err)
			}
			return
		}
	}
}

func writeStreamToSocket(ctx context.Context, conn net.Conn, stream *registry.RemoteStream, bytesPerSec int64, logger *slog.Logger) {
	w := netutil.NewThrottledWriter(ctx, conn, bytesPerSec)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.Inbound:
			if !ok {
				return
			}
			if msg.Close {
				if tcp, ok := conn.(*net.TCPConn); ok {
					tcp.CloseWrite()
				} else {
					conn.Close()
				}
				return
			}
			if _, err := w.Write(msg.Bytes); err != nil {
				logger.Debug("public socket write failed", "error", err)
				return
			}
		}
	}
}

// runUDP serves one datagram socket for the client, dispatching by source
// address into logical streams the same stream registry tracks.
func (l *Listener) runUDP(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return err
	}
	l.udpPc = pc

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, protocol.DefaultChunkSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			return err
		}

		streamID, ok := l.streams.FindByAddr(addr.String())
		if !ok {
			if !l.limiter.Allow() {
				continue
			}
			streamID = ids.NewStreamID()
			l.streams.Insert(streamID, l.clientID, addr.String())
			l.client.Outbound <- protocol.Init(streamID)

			l.wg.Add(1)
			go l.driveUDPReplies(ctx, pc, addr, streamID)
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		l.client.Outbound <- protocol.Data(streamID, chunk)
	}
}

func (l *Listener) driveUDPReplies(ctx context.Context, pc net.PacketConn, addr net.Addr, streamID ids.StreamID) {
	defer l.wg.Done()

	stream, err := l.streams.Lookup(streamID)
	if err != nil {
		return
	}

	idle := time.NewTimer(udpIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			l.streams.Disable(streamID)
			return
		case <-idle.C:
			l.streams.Disable(streamID)
			return
		case msg, ok := <-stream.Inbound:
			if !ok || msg.Close {
				l.streams.Disable(streamID)
				return
			}
			if _, err := pc.WriteTo(msg.Bytes, addr); err != nil {
				l.streams.Disable(streamID)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(udpIdleTimeout)
		}
	}
}

// Close stops accepting new connections, unblocks any pending Accept, and
// closes every in-flight public socket so their reader tasks unblock too.
func (l *Listener) Close() {
	if l.tcpLn != nil {
		l.tcpLn.Close()
	}
	if l.udpPc != nil {
		l.udpPc.Close()
	}

	l.connsMu.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.connsMu.Unlock()
}
