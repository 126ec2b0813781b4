// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package transport carries one ControlPacket per WebSocket binary message
// between the server's control session and a connected client, using the
// self-describing, already-chunked wire format the protocol package
// defines.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-tunnel/internal/protocol"
)

// ErrClosed is returned by Recv once the connection has been closed,
// either locally or by the peer.
var ErrClosed = errors.New("transport: connection closed")

// WriteWait bounds how long a single websocket write may block.
const WriteWait = 10 * time.Second

// Conn wraps a *websocket.Conn so callers exchange ControlPacket values
// instead of raw frames. One goroutine at a time is expected to call Recv;
// Send is safe to call concurrently with Recv and with itself (gorilla's
// connection allows one concurrent reader and one concurrent writer, so
// Send serializes writers with its own mutex).
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps an already-established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send encodes pkt and writes it as a single binary message.
func (c *Conn) Send(pkt protocol.ControlPacket) error {
	buf, err := protocol.Encode(pkt)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// SendPing writes a websocket-level ping control frame, used by the
// liveness loop alongside the ControlPacket-level Ping/Pong pair so that
// intermediaries that only understand websocket pings still see traffic.
func (c *Conn) SendPing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
}

// SetPongHandler installs fn to run whenever a websocket-level pong
// arrives.
func (c *Conn) SetPongHandler(fn func(appData string) error) {
	c.ws.SetPongHandler(fn)
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Recv blocks until the next binary message arrives and decodes it into a
// ControlPacket. It returns ErrClosed once the peer or a concurrent Close
// call has torn the connection down.
func (c *Conn) Recv() (protocol.ControlPacket, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.ControlPacket{}, ErrClosed
		}
		c.closeMu.Lock()
		closed := c.closed
		c.closeMu.Unlock()
		if closed {
			return protocol.ControlPacket{}, ErrClosed
		}
		return protocol.ControlPacket{}, fmt.Errorf("transport: read: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return protocol.ControlPacket{}, fmt.Errorf("transport: unexpected websocket message type %d", kind)
	}

	pkt, err := protocol.Decode(data)
	if err != nil {
		return protocol.ControlPacket{}, fmt.Errorf("transport: decode: %w", err)
	}
	return pkt, nil
}

// Close tears the connection down. Safe to call more than once and
// concurrently with Send/Recv.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
