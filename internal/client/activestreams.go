// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package client

import (
	"sync"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
)

// localMessage is what a local-socket writer task receives on an
// ActiveStream's inbound channel: either a byte chunk or a close signal,
// mirroring registry.StreamMessage on the server side.
type localMessage struct {
	bytes []byte
	close bool
}

// activeStream is one local socket handle bound to a StreamId.
// Exclusively owned by activeStreamMap; its inbound channel is
// destroyed with the entry.
type activeStream struct {
	id      ids.StreamID
	inbound chan localMessage
}

// activeStreamMap is the client-side StreamId -> local socket handle
// index. Unlike the server's registries it needs no disable/sweep
// two-phase deletion: a client owns its own sockets exclusively and
// removes an entry the instant its pump tasks exit, so there is no
// cross-goroutine teardown race to guard against.
type activeStreamMap struct {
	mu sync.Mutex
	m  map[ids.StreamID]*activeStream
}

func newActiveStreamMap() *activeStreamMap {
	return &activeStreamMap{m: make(map[ids.StreamID]*activeStream)}
}

// insert registers a freshly opened local stream and returns its entry.
func (a *activeStreamMap) insert(id ids.StreamID) *activeStream {
	s := &activeStream{id: id, inbound: make(chan localMessage, 64)}
	a.mu.Lock()
	a.m[id] = s
	a.mu.Unlock()
	return s
}

// push enqueues msg on id's inbound channel. Reports false if id is
// unknown (already closed, or Data arrived before Init's dial finished
// racing an already-failed Refused) so the caller can answer with a
// best-effort End; registry misses are not fatal.
func (a *activeStreamMap) push(id ids.StreamID, msg localMessage) bool {
	a.mu.Lock()
	s, ok := a.m[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	s.inbound <- msg
	return true
}

// remove drops id from the map; called by the stream's own pump tasks
// once both directions have finished.
func (a *activeStreamMap) remove(id ids.StreamID) {
	a.mu.Lock()
	delete(a.m, id)
	a.mu.Unlock()
}

// closeAll drops every tracked stream, used on session termination. The
// local sockets themselves are closed by their own pump goroutines
// reacting to the cancelled session context; this only clears the index
// so no further
// Data/End can be routed to a socket that is going away.
func (a *activeStreamMap) closeAll() {
	a.mu.Lock()
	a.m = make(map[ids.StreamID]*activeStream)
	a.mu.Unlock()
}

// count reports how many local streams are currently tracked.
func (a *activeStreamMap) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}
