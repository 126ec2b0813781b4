// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package ids

import "github.com/vmihailenco/msgpack/v5"

// EncodeMsgpack writes the ID as a 16-byte msgpack bin value so it stays
// compact on the wire instead of being exploded into a 16-element array.
func (c ClientID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(c[:])
}

// DecodeMsgpack reads the 16-byte bin value written by EncodeMsgpack.
func (c *ClientID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	return decodeFixed(c[:], b)
}

// EncodeMsgpack writes the ID as a 16-byte msgpack bin value.
func (s StreamID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(s[:])
}

// DecodeMsgpack reads the 16-byte bin value written by EncodeMsgpack.
func (s *StreamID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	return decodeFixed(s[:], b)
}

func decodeFixed(dst []byte, src []byte) error {
	if len(src) != len(dst) {
		return ErrBadIDLength
	}
	copy(dst, src)
	return nil
}
