// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"sync"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
	"github.com/nishisan-dev/n-tunnel/internal/protocol"
)

// ClientRegistry owns every connected Client and keeps the
// ClientId->Client and public_port->ClientId indexes mutually consistent.
//
// StreamRegistry is consulted (via the OnDisable callback set by the
// server's control-session wiring) so that disabling a client disables
// every stream it owns before the sweeper removes either.
type ClientRegistry struct {
	mu        sync.RWMutex
	byID      map[ids.ClientID]*Client
	byPort    map[int]ids.ClientID
	portByID  sync.Map // ids.ClientID -> int, read by Sweep to find the port index entry to drop

	// OnDisable, if set, is invoked once with the ClientID being disabled,
	// right after it is marked; the server wires this to the stream
	// registry's DisableOwnedBy so every RemoteStream a client owns goes
	// terminal before the sweeper runs (invariant 3 in the data model).
	OnDisable func(ids.ClientID)
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byID:   make(map[ids.ClientID]*Client),
		byPort: make(map[int]ids.ClientID),
	}
}

// Insert registers a newly handshaken client bound to publicPort. Returns
// ErrPortInUse if the port is already bound to a different client.
func (r *ClientRegistry) Insert(id ids.ClientID, publicPort int) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byPort[publicPort]; ok && owner != id {
		return nil, ErrPortInUse
	}

	c := &Client{
		ID:         id,
		PublicPort: publicPort,
		Outbound:   make(chan protocol.ControlPacket, 64),
	}
	r.byID[id] = c
	r.byPort[publicPort] = id
	r.portByID.Store(id, publicPort)
	return c, nil
}

// Lookup returns the client for id, excluding disabled clients.
func (r *ClientRegistry) Lookup(id ids.ClientID) (*Client, error) {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotAvailable
	}
	if c.Disabled() {
		return nil, ErrClientDisabled
	}
	return c, nil
}

// ClientForPort returns the ClientID currently bound to a public port.
func (r *ClientRegistry) ClientForPort(port int) (ids.ClientID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPort[port]
	return id, ok
}

// SendTo enqueues pkt on the client's outbound control channel. Never
// blocks beyond the channel's own backpressure.
func (r *ClientRegistry) SendTo(id ids.ClientID, pkt protocol.ControlPacket) error {
	c, err := r.Lookup(id)
	if err != nil {
		return err
	}
	c.Outbound <- pkt
	return nil
}

// Disable idempotently marks a client terminal and cascades to every
// stream it owns via OnDisable, before the entry is eligible for Sweep.
func (r *ClientRegistry) Disable(id ids.ClientID) {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	alreadyDisabled := c.disabled
	c.disabled = true
	c.mu.Unlock()

	if alreadyDisabled {
		return
	}
	if r.OnDisable != nil {
		r.OnDisable(id)
	}
}

// Sweep removes every disabled client from both indexes in one critical
// section, so a concurrent reader never observes a half-removed entry.
// Returns the number of entries removed.
func (r *ClientRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, c := range r.byID {
		if !c.Disabled() {
			continue
		}
		delete(r.byID, id)
		if port, ok := r.portByID.Load(id); ok {
			if owner, exists := r.byPort[port.(int)]; exists && owner == id {
				delete(r.byPort, port.(int))
			}
			r.portByID.Delete(id)
		}
		removed++
	}
	return removed
}

// Count returns the number of clients currently tracked (including
// draining-but-not-yet-swept entries), for the store.clients gauge.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
