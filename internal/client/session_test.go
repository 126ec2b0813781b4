// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
	"github.com/nishisan-dev/n-tunnel/internal/transport"
)

func newPairedServer(t *testing.T, handler func(*transport.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handler(transport.NewConn(ws))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *transport.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return transport.NewConn(ws)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unusedPort binds then immediately releases a loopback TCP port, so a
// subsequent dial to it is refused by the OS rather than timing out.
func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding an unused port: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()
	return port
}

func TestSession_Hello_Accepted(t *testing.T) {
	clientID := ids.NewClientID()
	srv := newPairedServer(t, func(c *transport.Conn) {
		pkt, err := c.Recv()
		if err != nil {
			t.Errorf("server recv Hello: %v", err)
			return
		}
		if pkt.Kind != protocol.KindHello || pkt.Token != "tok-123" {
			t.Errorf("unexpected Hello: %+v", pkt)
		}
		if err := c.Send(protocol.ServerHelloPacket(clientID, 21555)); err != nil {
			t.Errorf("server send ServerHello: %v", err)
		}
	})

	conn := dial(t, srv)
	defer conn.Close()

	session := NewSession(conn, TCPDialer{Port: unusedPort(t)}, 0, 0, testLogger())
	info, err := session.Hello("tok-123", protocol.PayloadTCP)
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if info.ClientID != clientID {
		t.Errorf("ClientID = %v, want %v", info.ClientID, clientID)
	}
	if info.AssignedPort != 21555 {
		t.Errorf("AssignedPort = %d, want 21555", info.AssignedPort)
	}
}

func TestSession_Hello_Rejected(t *testing.T) {
	srv := newPairedServer(t, func(c *transport.Conn) {
		if _, err := c.Recv(); err != nil {
			t.Errorf("server recv Hello: %v", err)
			return
		}
		if err := c.Send(protocol.ServerHelloRejected("bad token")); err != nil {
			t.Errorf("server send rejection: %v", err)
		}
	})

	conn := dial(t, srv)
	defer conn.Close()

	session := NewSession(conn, TCPDialer{Port: unusedPort(t)}, 0, 0, testLogger())
	if _, err := session.Hello("tok-123", protocol.PayloadTCP); err == nil {
		t.Fatal("expected Hello to be rejected")
	}
}

// TestSession_LocalDialRefused asserts that an Init for a stream whose
// local dial fails is answered with Refused on the same StreamID, the
// signal the server-side listener relies on to close the matching public
// socket.
func TestSession_LocalDialRefused(t *testing.T) {
	streamID := ids.NewStreamID()
	refused := make(chan protocol.ControlPacket, 1)

	srv := newPairedServer(t, func(c *transport.Conn) {
		if _, err := c.Recv(); err != nil {
			t.Errorf("server recv Hello: %v", err)
			return
		}
		if err := c.Send(protocol.ServerHelloPacket(ids.NewClientID(), 21556)); err != nil {
			t.Errorf("server send ServerHello: %v", err)
			return
		}
		if err := c.Send(protocol.Init(streamID)); err != nil {
			t.Errorf("server send Init: %v", err)
			return
		}
		pkt, err := c.Recv()
		if err != nil {
			t.Errorf("server recv reply to Init: %v", err)
			return
		}
		refused <- pkt
	})

	conn := dial(t, srv)
	defer conn.Close()

	session := NewSession(conn, TCPDialer{Port: unusedPort(t)}, 0, 0, testLogger())
	if _, err := session.Hello("tok-123", protocol.PayloadTCP); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go session.Run(ctx)

	select {
	case pkt := <-refused:
		if pkt.Kind != protocol.KindRefused {
			t.Fatalf("expected KindRefused, got %v", pkt.Kind)
		}
		if pkt.StreamID != streamID {
			t.Fatalf("Refused carried StreamID %v, want %v", pkt.StreamID, streamID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for Refused")
	}
}
