// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package ids implements the 128-bit, globally unique identifiers used to
// name clients and streams across the control channel.
package ids

import (
	"errors"

	"github.com/google/uuid"
)

// ErrBadIDLength is returned when a wire-decoded ID is not exactly 16 bytes.
var ErrBadIDLength = errors.New("ids: decoded value is not 16 bytes")

// ClientID identifies one connected tunnel client for the lifetime of its
// control session. Assigned by the server at handshake time.
type ClientID [16]byte

// StreamID identifies one logical byte-pipe between an external peer and
// a local socket. Assigned by the server when a new public-side
// connection (or UDP peer) is observed.
type StreamID [16]byte

// NewClientID mints a fresh, random ClientID. Never reused.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// NewStreamID mints a fresh, random StreamID. Never reused.
func NewStreamID() StreamID {
	return StreamID(uuid.New())
}

// String renders the ID in canonical UUID form.
func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// String renders the ID in canonical UUID form.
func (s StreamID) String() string {
	return uuid.UUID(s).String()
}

// IsZero reports whether the ID is the zero value (never assigned).
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}

// IsZero reports whether the ID is the zero value (never assigned).
func (s StreamID) IsZero() bool {
	return s == StreamID{}
}

// ParseClientID parses the canonical string form produced by String.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, err
	}
	return ClientID(u), nil
}

// ParseStreamID parses the canonical string form produced by String.
func ParseStreamID(s string) (StreamID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return StreamID{}, err
	}
	return StreamID(u), nil
}
