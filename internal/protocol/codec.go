// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
)

// MaxFrameSize bounds a single length-prefixed frame read from a stream
// transport, guarding against a corrupt or hostile length prefix causing
// an unbounded allocation.
const MaxFrameSize = 1 << 20 // 1 MiB

// wireFrame is the self-describing, map-encoded MessagePack representation
// of a ControlPacket. Unused fields are omitted by msgpack's omitempty so
// the common cases (Ping, End, Data with a short chunk) stay compact.
type wireFrame struct {
	Kind         Kind           `msgpack:"k"`
	StreamID     *ids.StreamID  `msgpack:"s,omitempty"`
	Bytes        []byte         `msgpack:"b,omitempty"`
	Token        string         `msgpack:"t,omitempty"`
	PayloadKind  PayloadKind    `msgpack:"p,omitempty"`
	ClientID     *ids.ClientID  `msgpack:"c,omitempty"`
	AssignedPort uint16         `msgpack:"port,omitempty"`
	HandshakeErr string         `msgpack:"err,omitempty"`
}

// Encode serializes p as a self-describing MessagePack value. The result
// fits in a single websocket binary message.
func Encode(p ControlPacket) ([]byte, error) {
	w := wireFrame{
		Kind:         p.Kind,
		Bytes:        p.Bytes,
		Token:        p.Token,
		PayloadKind:  p.PayloadKind,
		AssignedPort: p.AssignedPort,
		HandshakeErr: p.HandshakeErr,
	}
	if !p.StreamID.IsZero() {
		id := p.StreamID
		w.StreamID = &id
	}
	if !p.ClientID.IsZero() {
		id := p.ClientID
		w.ClientID = &id
	}

	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes a ControlPacket from a single MessagePack value. It
// never panics on arbitrary input: malformed or truncated data yields
// ErrBadEncoding.
func Decode(data []byte) (p ControlPacket, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = ControlPacket{}
			err = fmt.Errorf("%w: %v", ErrBadEncoding, r)
		}
	}()

	var w wireFrame
	if uErr := msgpack.Unmarshal(data, &w); uErr != nil {
		return ControlPacket{}, fmt.Errorf("%w: %v", ErrBadEncoding, uErr)
	}
	if !w.Kind.valid() {
		return ControlPacket{}, fmt.Errorf("%w: unknown kind %d", ErrBadEncoding, w.Kind)
	}

	out := ControlPacket{
		Kind:         w.Kind,
		Bytes:        w.Bytes,
		Token:        w.Token,
		PayloadKind:  w.PayloadKind,
		AssignedPort: w.AssignedPort,
		HandshakeErr: w.HandshakeErr,
	}
	if w.StreamID != nil {
		out.StreamID = *w.StreamID
	}
	if w.ClientID != nil {
		out.ClientID = *w.ClientID
	}
	return out, nil
}

func (k Kind) valid() bool {
	return k >= KindInit && k <= KindServerHello
}

// WriteFrame writes p to w as a 4-byte big-endian length prefix followed
// by its MessagePack encoding. Intended for non-websocket stream
// transports (used directly by tests and by any future raw-TCP control
// channel); the websocket transport sends Encode's output as one binary
// message and does not need this extra prefix.
func WriteFrame(w io.Writer, p ControlPacket) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: writing frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) (ControlPacket, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return ControlPacket{}, fmt.Errorf("protocol: reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return ControlPacket{}, fmt.Errorf("%w: frame length %d exceeds max %d", ErrBadEncoding, n, MaxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return ControlPacket{}, fmt.Errorf("protocol: reading frame body: %w", err)
	}
	return Decode(body)
}
