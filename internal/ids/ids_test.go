// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package ids

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestNewIDsAreUniqueAndNonZero(t *testing.T) {
	c1 := NewClientID()
	c2 := NewClientID()
	if c1 == c2 {
		t.Fatalf("expected distinct client IDs, got %s twice", c1)
	}
	if c1.IsZero() {
		t.Fatalf("freshly minted ClientID must not be zero")
	}

	s1 := NewStreamID()
	s2 := NewStreamID()
	if s1 == s2 {
		t.Fatalf("expected distinct stream IDs, got %s twice", s1)
	}
	if s1.IsZero() {
		t.Fatalf("freshly minted StreamID must not be zero")
	}
}

func TestClientIDStringRoundTrip(t *testing.T) {
	id := NewClientID()
	parsed, err := ParseClientID(id.String())
	if err != nil {
		t.Fatalf("ParseClientID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestStreamIDMsgpackRoundTrip(t *testing.T) {
	id := NewStreamID()
	data, err := msgpack.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out StreamID
	if err := msgpack.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != id {
		t.Fatalf("msgpack round trip mismatch: got %s, want %s", out, id)
	}
}

func TestDecodeFixedRejectsWrongLength(t *testing.T) {
	var id StreamID
	data, _ := msgpack.Marshal([]byte{1, 2, 3})
	if err := msgpack.Unmarshal(data, &id); err == nil {
		t.Fatalf("expected error decoding a non-16-byte value into a StreamID")
	}
}
