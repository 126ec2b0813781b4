// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package protocol implements the binary framing for the control channel
// between an n-tunnel client and server. Each ControlPacket is a tagged
// union carried as one self-describing MessagePack value inside one
// websocket binary message; the codec is pure and does no I/O.
package protocol

import (
	"errors"

	"github.com/nishisan-dev/n-tunnel/internal/ids"
)

// ErrBadEncoding is returned by Decode when the input is truncated, not
// valid MessagePack, or carries a Kind the codec does not recognize.
// Producers never emit an unknown Kind; BadEncoding on the control
// channel is always fatal to the session.
var ErrBadEncoding = errors.New("protocol: bad encoding")

// Kind tags the variant carried by a ControlPacket.
type Kind uint8

const (
	KindInit Kind = iota + 1
	KindData
	KindEnd
	KindRefused
	KindPing
	KindPong
	KindHello
	KindServerHello
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "Init"
	case KindData:
		return "Data"
	case KindEnd:
		return "End"
	case KindRefused:
		return "Refused"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindHello:
		return "Hello"
	case KindServerHello:
		return "ServerHello"
	default:
		return "Unknown"
	}
}

// PayloadKind names the transport the public listener speaks for one
// client's tunneled traffic.
type PayloadKind uint8

const (
	PayloadTCP PayloadKind = iota
	PayloadUDP
)

// String renders the payload kind the way config and observability
// surfaces expect it ("tcp"/"udp").
func (k PayloadKind) String() string {
	if k == PayloadUDP {
		return "udp"
	}
	return "tcp"
}

// DefaultChunkSize bounds a single Data packet's byte payload. Larger
// application writes are split into multiple, order-preserving Data
// packets.
const DefaultChunkSize = 16 * 1024

// ControlPacket is the tagged union carried on the control channel.
// Only the fields relevant to Kind are populated; the zero value of the
// others is ignored by Encode.
type ControlPacket struct {
	Kind Kind

	// Init, Data, End, Refused
	StreamID ids.StreamID

	// Data
	Bytes []byte

	// Hello
	Token       string
	PayloadKind PayloadKind

	// ServerHello
	ClientID     ids.ClientID
	AssignedPort uint16
	HandshakeErr string // non-empty on a rejected handshake
}

// Init builds an Init(StreamId) packet.
func Init(s ids.StreamID) ControlPacket {
	return ControlPacket{Kind: KindInit, StreamID: s}
}

// Data builds a Data(StreamId, bytes) packet. The caller must ensure
// len(b) <= DefaultChunkSize (or whatever chunk size is configured);
// the codec itself does not enforce the bound.
func Data(s ids.StreamID, b []byte) ControlPacket {
	return ControlPacket{Kind: KindData, StreamID: s, Bytes: b}
}

// End builds an End(StreamId) packet.
func End(s ids.StreamID) ControlPacket {
	return ControlPacket{Kind: KindEnd, StreamID: s}
}

// Refused builds a Refused(StreamId) packet.
func Refused(s ids.StreamID) ControlPacket {
	return ControlPacket{Kind: KindRefused, StreamID: s}
}

// PingPacket builds a liveness Ping.
func PingPacket() ControlPacket {
	return ControlPacket{Kind: KindPing}
}

// PongPacket builds a liveness Pong.
func PongPacket() ControlPacket {
	return ControlPacket{Kind: KindPong}
}

// HelloPacket builds the client's opening handshake packet.
func HelloPacket(token string, kind PayloadKind) ControlPacket {
	return ControlPacket{Kind: KindHello, Token: token, PayloadKind: kind}
}

// ServerHelloPacket builds the server's successful handshake reply.
func ServerHelloPacket(c ids.ClientID, port uint16) ControlPacket {
	return ControlPacket{Kind: KindServerHello, ClientID: c, AssignedPort: port}
}

// ServerHelloRejected builds a handshake-failure reply; the session is
// closed immediately after it is sent.
func ServerHelloRejected(reason string) ControlPacket {
	return ControlPacket{Kind: KindServerHello, HandshakeErr: reason}
}

// Rejected reports whether a ServerHello packet carries a handshake
// failure reason.
func (p ControlPacket) Rejected() bool {
	return p.Kind == KindServerHello && p.HandshakeErr != ""
}
