// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
)

func newPairedServer(t *testing.T, handler func(*Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handler(NewConn(ws))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return NewConn(ws)
}

func TestSendRecvRoundTrip(t *testing.T) {
	done := make(chan struct{})
	srv := newPairedServer(t, func(c *Conn) {
		defer close(done)
		pkt, err := c.Recv()
		if err != nil {
			t.Errorf("server recv: %v", err)
			return
		}
		if pkt.Kind != protocol.KindData {
			t.Errorf("expected KindData, got %v", pkt.Kind)
		}
		if err := c.Send(protocol.PongPacket()); err != nil {
			t.Errorf("server send: %v", err)
		}
	})

	client := dial(t, srv)
	defer client.Close()

	streamID := ids.NewStreamID()
	if err := client.Send(protocol.Data(streamID, []byte("hello"))); err != nil {
		t.Fatalf("client send: %v", err)
	}

	reply, err := client.Recv()
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if reply.Kind != protocol.KindPong {
		t.Fatalf("expected KindPong, got %v", reply.Kind)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never completed")
	}
}

func TestRecvAfterCloseReturnsError(t *testing.T) {
	srv := newPairedServer(t, func(c *Conn) {
		c.Close()
	})

	client := dial(t, srv)
	defer client.Close()

	if _, err := client.Recv(); err == nil {
		t.Fatal("expected an error reading from a closed peer")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newPairedServer(t, func(c *Conn) {})
	client := dial(t, srv)

	if err := client.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
