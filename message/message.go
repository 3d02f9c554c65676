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

// Package message holds the CoAP message model and its bit-exact wire codec
// (RFC 7252), together with the block descriptor of RFC 7959.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMalformed is returned when a datagram cannot be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrBadOption is returned for illegal option values or sets.
	ErrBadOption = errors.New("bad option")
)

// NoMessageID is the sentinel for a message that has not been assigned a MID.
const NoMessageID int32 = -1

// MaxTokenLength is the longest token the wire format can carry.
const MaxTokenLength = 8

// Token correlates a request with its responses across message IDs.
// It is 0-8 bytes long.
type Token []byte

func (t Token) String() string { return fmt.Sprintf("%x", []byte(t)) }

// Equal reports byte equality of two tokens.
func (t Token) Equal(other Token) bool { return bytes.Equal(t, other) }

// Clone returns an independent copy.
func (t Token) Clone() Token {
	if t == nil {
		return nil
	}
	out := make(Token, len(t))
	copy(out, t)
	return out
}

// Message is one CoAP message. Messages are treated as immutable once handed
// to the endpoint; use Clone before mutating a message you did not build.
type Message struct {
	Type      Type
	Code      Code
	MessageID int32 // 16-bit on the wire, NoMessageID when unassigned
	Token     Token
	Options   Options
	Payload   []byte

	// Inbound is set on messages decoded off the transport.
	Inbound    bool
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// NewRequest builds an outbound request with the given confirmability, method
// and path. The MID and token are left unassigned for the endpoint to fill in.
func NewRequest(confirmable bool, code Code, path string) *Message {
	t := NonConfirmable
	if confirmable {
		t = Confirmable
	}
	return &Message{
		Type:      t,
		Code:      code,
		MessageID: NoMessageID,
		Options:   Options{}.SetPath(path),
	}
}

// NewResponse builds the response skeleton for an inbound request: same token,
// piggy-backed on an ACK with the request's MID for confirmable requests, a NON
// with an unassigned MID otherwise.
func NewResponse(req *Message, code Code) *Message {
	m := &Message{
		Type:       NonConfirmable,
		Code:       code,
		MessageID:  NoMessageID,
		Token:      req.Token.Clone(),
		LocalAddr:  req.LocalAddr,
		RemoteAddr: req.RemoteAddr,
	}
	if req.Type == Confirmable {
		m.Type = Acknowledgement
		m.MessageID = req.MessageID
	}
	return m
}

// NewAck builds the empty acknowledgement for a confirmable message.
func NewAck(req *Message) *Message {
	return &Message{
		Type:       Acknowledgement,
		Code:       Empty,
		MessageID:  req.MessageID,
		LocalAddr:  req.LocalAddr,
		RemoteAddr: req.RemoteAddr,
	}
}

// NewReset builds the reset reply for a message.
func NewReset(req *Message) *Message {
	return &Message{
		Type:       Reset,
		Code:       Empty,
		MessageID:  req.MessageID,
		LocalAddr:  req.LocalAddr,
		RemoteAddr: req.RemoteAddr,
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	out.Token = m.Token.Clone()
	out.Options = m.Options.Clone()
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	return &out
}

// HasMessageID reports whether a MID has been assigned.
func (m *Message) HasMessageID() bool {
	return m.MessageID != NoMessageID
}

// IsEmpty reports whether the message carries the Empty code.
func (m *Message) IsEmpty() bool { return m.Code == Empty }

// IsConfirmable reports whether the message is of type CON.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// IsRequest reports whether the message carries a method code.
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

// IsResponse reports whether the message carries a response code.
func (m *Message) IsResponse() bool { return m.Code.IsResponse() }

// IsPing reports whether the message is a CoAP ping: an empty CON with no
// token, options or payload (RFC 7252 Section 4.3).
func (m *Message) IsPing() bool {
	return m.Type == Confirmable && m.Code == Empty &&
		len(m.Token) == 0 && len(m.Options) == 0 && len(m.Payload) == 0
}

// Validate checks the structural invariants: token length, option set, and
// that an empty message has no token, options or payload.
func (m *Message) Validate() error {
	if len(m.Token) > MaxTokenLength {
		return fmt.Errorf("%w: token of %d bytes", ErrMalformed, len(m.Token))
	}
	if m.Code == Empty {
		if len(m.Token) != 0 || len(m.Options) != 0 || len(m.Payload) != 0 {
			return fmt.Errorf("%w: empty message with token, options or payload", ErrMalformed)
		}
		if m.Type == NonConfirmable {
			return fmt.Errorf("%w: empty NON message", ErrMalformed)
		}
	}
	return m.Options.Validate()
}

// Path returns the Uri-Path of the message.
func (m *Message) Path() string { return m.Options.Path() }

func (m *Message) String() string {
	mid := "-"
	if m.HasMessageID() {
		mid = fmt.Sprintf("%d", m.MessageID)
	}
	return fmt.Sprintf("%s %s MID=%s Token=%s Options=%s Payload=%dB",
		m.Type, m.Code.Name(), mid, m.Token, m.Options, len(m.Payload))
}
