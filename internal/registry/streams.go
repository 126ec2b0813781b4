// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"sync"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
)

// StreamRegistry owns every RemoteStream accepted on the public listener
// and keeps the StreamId->RemoteStream and peer_addr->StreamId indexes
// mutually consistent.
type StreamRegistry struct {
	mu       sync.RWMutex
	byID     map[ids.StreamID]*RemoteStream
	byPeer   map[string]ids.StreamID
	peerByID sync.Map // ids.StreamID -> string, read by Sweep to find the peer index entry to drop
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		byID:   make(map[ids.StreamID]*RemoteStream),
		byPeer: make(map[string]ids.StreamID),
	}
}

// Insert registers a newly accepted external connection. peerAddr may be
// empty for transports (like a fresh TCP accept) that do not need
// peer-address dispatch; UDP dispatch always supplies one.
func (r *StreamRegistry) Insert(id ids.StreamID, clientID ids.ClientID, peerAddr string) *RemoteStream {
	s := &RemoteStream{
		ID:       id,
		PeerAddr: peerAddr,
		ClientID: clientID,
		Inbound:  make(chan StreamMessage, 64),
	}

	r.mu.Lock()
	r.byID[id] = s
	if peerAddr != "" {
		r.byPeer[peerAddr] = id
		r.peerByID.Store(id, peerAddr)
	}
	r.mu.Unlock()
	return s
}

// Lookup returns the stream for id, excluding disabled streams.
func (r *StreamRegistry) Lookup(id ids.StreamID) (*RemoteStream, error) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotAvailable
	}
	if s.Disabled() {
		return nil, ErrStreamDisabled
	}
	return s, nil
}

// FindByAddr returns the StreamId bound to a peer address, excluding
// disabled streams (used by the UDP dispatcher to route a datagram to its
// logical stream).
func (r *StreamRegistry) FindByAddr(addr string) (ids.StreamID, bool) {
	r.mu.RLock()
	id, ok := r.byPeer[addr]
	r.mu.RUnlock()
	if !ok {
		return ids.StreamID{}, false
	}
	if s, err := r.Lookup(id); err != nil || s == nil {
		return ids.StreamID{}, false
	}
	return id, true
}

// SendToRemote enqueues msg on the stream's inbound channel (destined for
// its local/public socket writer task). Fails if the stream is unknown or
// disabled; never blocks the caller beyond the channel's own
// backpressure.
func (r *StreamRegistry) SendToRemote(id ids.StreamID, msg StreamMessage) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	s.Inbound <- msg
	return nil
}

// Disable idempotently marks a stream terminal.
func (r *StreamRegistry) Disable(id ids.StreamID) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
}

// DisableOwnedBy disables every stream owned by clientID. Wired as the
// ClientRegistry's OnDisable callback so invariant 3 (removing a client
// removes all its streams) holds without the two registries sharing a
// lock.
func (r *StreamRegistry) DisableOwnedBy(clientID ids.ClientID) {
	r.mu.RLock()
	owned := make([]*RemoteStream, 0)
	for _, s := range r.byID {
		if s.ClientID == clientID {
			owned = append(owned, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range owned {
		s.mu.Lock()
		s.disabled = true
		s.mu.Unlock()
	}
}

// Sweep removes every disabled stream from both indexes in one critical
// section. Returns the number of entries removed.
func (r *StreamRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.byID {
		if !s.Disabled() {
			continue
		}
		delete(r.byID, id)
		if peer, ok := r.peerByID.Load(id); ok {
			if owner, exists := r.byPeer[peer.(string)]; exists && owner == id {
				delete(r.byPeer, peer.(string))
			}
			r.peerByID.Delete(id)
		}
		removed++
	}
	return removed
}

// Count returns the number of streams currently tracked, for the
// store.streams gauge.
func (r *StreamRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
