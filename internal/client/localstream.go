// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/netutil"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
)

// dialTimeout bounds how long opening the loopback socket may take
// before the stream is treated as LocalConnectRefused.
const dialTimeout = 5 * time.Second

// LocalConn is the loopback socket a local stream pumps bytes to/from.
// Satisfied by both *net.TCPConn and *net.UDPConn (net.Dial("udp", ...)
// returns a connected net.Conn whose Read/Write only see the paired
// address, so one pump implementation serves both payload kinds).
type LocalConn = net.Conn

// TCPDialer opens a loopback TCP connection to the configured local
// port, generalizing the public listener's accept side (server/listener.go)
// into the client's dial side.
type TCPDialer struct {
	Port int
}

// Dial connects to 127.0.0.1:Port. Failure here is LocalConnectRefused:
// the caller emits Refused and keeps the session alive.
func (d TCPDialer) Dial(ctx context.Context) (LocalConn, error) {
	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", fmt.Sprintf("127.0.0.1:%d", d.Port))
	if err != nil {
		return nil, fmt.Errorf("client: dialing local tcp service: %w", err)
	}
	return conn, nil
}

// UDPDialer opens a connected UDP socket to the configured local port.
type UDPDialer struct {
	Port int
}

// Dial connects to 127.0.0.1:Port. A connected UDP socket never itself
// fails to "dial" (there is no handshake), so this only fails on local
// resource exhaustion or an invalid address.
func (d UDPDialer) Dial(ctx context.Context) (LocalConn, error) {
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", d.Port))
	if err != nil {
		return nil, fmt.Errorf("client: dialing local udp service: %w", err)
	}
	return conn, nil
}

// readLocalIntoStream reads from the loopback socket in chunks and emits
// Data(streamID, chunk) upward, order-preserving, until EOF (then End) or
// a socket error (then End). Mirrors server/listener.go's
// readSocketIntoStream for the client's dial side.
func readLocalIntoStream(conn LocalConn, streamID ids.StreamID, outbound chan<- protocol.ControlPacket, logger *slog.Logger) {
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
				logger.Debug("local socket read ended", "error", err)
			}
			return
		}
	}
}

// drainLocalWrites awaits messages on entry's inbound channel and writes
// each byte chunk in full before the next is taken; an End from the
// control channel half-closes the write side then exits. Mirrors
// server/listener.go's writeStreamToSocket, including the optional
// byte-rate throttle.
func drainLocalWrites(ctx context.Context, conn LocalConn, entry *activeStream, bytesPerSec int64, logger *slog.Logger) {
	w := netutil.NewThrottledWriter(ctx, conn, bytesPerSec)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-entry.inbound:
			if !ok {
				return
			}
			if msg.close {
				if tcp, ok := conn.(*net.TCPConn); ok {
					tcp.CloseWrite()
				} else {
					conn.Close()
				}
				return
			}
			if _, err := w.Write(msg.bytes); err != nil {
				logger.Debug("local socket write failed", "error", err)
				return
			}
		}
	}
}
