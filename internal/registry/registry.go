// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package registry implements the server-side client and stream
// registries: the mutually-consistent indexes described in the data
// model (ClientId -> Client, public_port -> ClientId, StreamId ->
// RemoteStream, peer_addr -> StreamId), plus the two-phase disable/sweep
// deletion that keeps an entity's indexes moving together.
//
// Both registries use one sync.RWMutex-guarded struct for their index
// maps, which serve every lookup, plus a sync.Map sidecar (id -> secondary
// key) that Sweep reads when it drops an entity's indexes.
package registry

import (
	"errors"
	"sync"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
)

// Errors returned by registry lookups. All are "not fatal" per the
// protocol's failure semantics: callers answer with a best-effort End.
var (
	ErrClientNotAvailable = errors.New("registry: client not available")
	ErrClientDisabled     = errors.New("registry: client disabled")
	ErrStreamNotAvailable = errors.New("registry: stream not available")
	ErrStreamDisabled     = errors.New("registry: stream disabled")
	ErrPortInUse          = errors.New("registry: public port already bound to a client")
)

// StreamMessage is what a public-listener writer task (or a UDP
// dispatcher) receives on a RemoteStream's inbound channel.
type StreamMessage struct {
	Bytes []byte // chunk to write when Close is false
	Close bool   // the other side half-closed, or the stream was disabled
}

// Client is one connected tunnel client, exclusively owned by the
// ClientRegistry.
type Client struct {
	ID         ids.ClientID
	PublicPort int
	Outbound   chan protocol.ControlPacket

	mu       sync.Mutex
	disabled bool
}

// Disabled reports whether the client has been marked terminal.
func (c *Client) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// RemoteStream is one external connection accepted on the public port,
// exclusively owned by the StreamRegistry.
type RemoteStream struct {
	ID       ids.StreamID
	PeerAddr string
	ClientID ids.ClientID
	Inbound  chan StreamMessage

	mu       sync.Mutex
	disabled bool
}

// Disabled reports whether the stream has been marked terminal.
func (s *RemoteStream) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}
