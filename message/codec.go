// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package message

import (
	"fmt"
	"net"
)

// Wire format constants (RFC 7252 Section 3).
const (
	wireVersion   = 1
	payloadMarker = 0xFF

	extendOneByte  = 13
	extendTwoBytes = 14
	extendReserved = 15
	extendOffset1  = 13
	extendOffset2  = 269
)

// Encode serializes the message into its RFC 7252 wire form: the 4-byte fixed
// header, the token, the options as running deltas in sorted order, then the
// payload marker and payload if a payload is present.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !m.HasMessageID() {
		return nil, fmt.Errorf("%w: cannot encode without a message ID", ErrMalformed)
	}
	out := make([]byte, 0, 4+len(m.Token)+len(m.Options)*4+len(m.Payload)+1)
	out = append(out,
		byte(wireVersion<<6|uint8(m.Type)<<4|uint8(len(m.Token))),
		byte(m.Code),
		byte(m.MessageID>>8),
		byte(m.MessageID),
	)
	out = append(out, m.Token...)

	prev := OptionID(0)
	for _, o := range m.Options {
		if o.ID < prev {
			return nil, fmt.Errorf("%w: options out of order", ErrBadOption)
		}
		out = appendOptionHeader(out, uint16(o.ID-prev), len(o.Value))
		out = append(out, o.Value...)
		prev = o.ID
	}
	if len(m.Payload) > 0 {
		out = append(out, payloadMarker)
		out = append(out, m.Payload...)
	}
	return out, nil
}

// appendOptionHeader writes the delta/length nibbles plus extension bytes.
func appendOptionHeader(out []byte, delta uint16, length int) []byte {
	dn, dext := nibble(int(delta))
	ln, lext := nibble(length)
	out = append(out, byte(dn<<4|ln))
	out = append(out, dext...)
	out = append(out, lext...)
	return out
}

func nibble(v int) (uint8, []byte) {
	switch {
	case v < extendOffset1:
		return uint8(v), nil
	case v < extendOffset2:
		return extendOneByte, []byte{byte(v - extendOffset1)}
	default:
		e := v - extendOffset2
		return extendTwoBytes, []byte{byte(e >> 8), byte(e)}
	}
}

// Decode parses a datagram into a Message marked inbound from the given peer.
func Decode(data []byte, local, remote net.Addr) (*Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d-byte datagram is shorter than the fixed header", ErrMalformed, len(data))
	}
	ver := data[0] >> 6
	if ver != wireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, ver)
	}
	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return nil, fmt.Errorf("%w: reserved token length %d", ErrMalformed, tkl)
	}
	m := &Message{
		Type:       Type(data[0] >> 4 & 0x3),
		Code:       Code(data[1]),
		MessageID:  int32(data[2])<<8 | int32(data[3]),
		Inbound:    true,
		LocalAddr:  local,
		RemoteAddr: remote,
	}
	rest := data[4:]
	if len(rest) < tkl {
		return nil, fmt.Errorf("%w: datagram truncated inside token", ErrMalformed)
	}
	if tkl > 0 {
		m.Token = Token(rest[:tkl]).Clone()
	}
	rest = rest[tkl:]

	number := 0
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return nil, fmt.Errorf("%w: payload marker with no payload", ErrMalformed)
			}
			m.Payload = make([]byte, len(rest)-1)
			copy(m.Payload, rest[1:])
			break
		}
		dn := int(rest[0] >> 4)
		ln := int(rest[0] & 0x0F)
		if dn == extendReserved || ln == extendReserved {
			return nil, fmt.Errorf("%w: reserved option nibble 15", ErrMalformed)
		}
		rest = rest[1:]
		delta, r, err := extendNibble(dn, rest)
		if err != nil {
			return nil, err
		}
		rest = r
		length, r, err := extendNibble(ln, rest)
		if err != nil {
			return nil, err
		}
		rest = r
		if len(rest) < length {
			return nil, fmt.Errorf("%w: datagram truncated inside option value", ErrMalformed)
		}
		number += delta
		v := make([]byte, length)
		copy(v, rest[:length])
		m.Options = append(m.Options, Option{ID: OptionID(number), Value: v})
		rest = rest[length:]
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func extendNibble(n int, rest []byte) (int, []byte, error) {
	switch n {
	case extendOneByte:
		if len(rest) < 1 {
			return 0, nil, fmt.Errorf("%w: datagram truncated inside option extension", ErrMalformed)
		}
		return int(rest[0]) + extendOffset1, rest[1:], nil
	case extendTwoBytes:
		if len(rest) < 2 {
			return 0, nil, fmt.Errorf("%w: datagram truncated inside option extension", ErrMalformed)
		}
		return int(rest[0])<<8 + int(rest[1]) + extendOffset2, rest[2:], nil
	default:
		return n, rest, nil
	}
}
