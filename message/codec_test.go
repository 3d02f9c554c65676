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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{
			name: "empty ack",
			msg:  &Message{Type: Acknowledgement, Code: Empty, MessageID: 0xA1},
		},
		{
			name: "con get with path and token",
			msg: &Message{
				Type:      Confirmable,
				Code:      GET,
				MessageID: 0xA1,
				Token:     Token{0xAB, 0xCD},
				Options:   Options{}.SetPath("/test"),
			},
		},
		{
			name: "piggy-backed response with payload",
			msg: &Message{
				Type:      Acknowledgement,
				Code:      Content,
				MessageID: 0xA1,
				Token:     Token{0xAB, 0xCD},
				Options:   Options{}.SetUint(ContentFormat, 0),
				Payload:   []byte("hello"),
			},
		},
		{
			name: "option needing one-byte delta extension",
			msg: &Message{
				Type:      Confirmable,
				Code:      GET,
				MessageID: 1,
				Token:     Token{1},
				Options: Options{}.
					SetUint(Observe, 7).
					SetBlock(Block2, BlockOption{Num: 2, SZX: 3}),
			},
		},
		{
			name: "option needing two-byte delta extension",
			msg: &Message{
				Type:      NonConfirmable,
				Code:      POST,
				MessageID: 0xFFFF,
				Options:   Options{Option{ID: 500, Value: []byte{1, 2, 3}}},
			},
		},
		{
			name: "long option value",
			msg: &Message{
				Type:      Confirmable,
				Code:      PUT,
				MessageID: 7,
				Options:   Options{Option{ID: URIQuery, Value: make([]byte, 300)}},
			},
		},
		{
			name: "repeated uri-path segments",
			msg: &Message{
				Type:      Confirmable,
				Code:      GET,
				MessageID: 9,
				Token:     Token{0xDE, 0xAD, 0xBE, 0xEF},
				Options:   Options{}.SetPath("/a/b/c"),
			},
		},
		{
			name: "reset",
			msg:  &Message{Type: Reset, Code: Empty, MessageID: 0x1234},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.msg.Encode()
			if err != nil {
				t.Fatalf("Encode: %s", err)
			}
			got, err := Decode(b, nil, nil)
			if err != nil {
				t.Fatalf("Decode: %s", err)
			}
			want := tc.msg.Clone()
			want.Inbound = true
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeBitExact(t *testing.T) {
	// CON GET MID=0xA1 token 0xABCD Uri-Path "test" per RFC 7252 Section 3.
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0xA1,
		Token:     Token{0xAB, 0xCD},
		Options:   Options{}.SetPath("/test"),
	}
	got, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %s", err)
	}
	want := []byte{
		0x42,       // Ver=1 T=0 TKL=2
		0x01,       // 0.01 GET
		0x00, 0xA1, // MID
		0xAB, 0xCD, // token
		0xB4,               // delta 11, length 4
		't', 'e', 's', 't', // Uri-Path
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{name: "short header", data: []byte{0x40, 0x01, 0x00}},
		{name: "bad version", data: []byte{0x80, 0x01, 0x00, 0x01}},
		{name: "reserved tkl", data: []byte{0x49, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{name: "truncated token", data: []byte{0x42, 0x01, 0x00, 0x01, 0xAB}},
		{name: "reserved option nibble", data: []byte{0x40, 0x01, 0x00, 0x01, 0xF0}},
		{name: "truncated option value", data: []byte{0x40, 0x01, 0x00, 0x01, 0xB4, 't'}},
		{name: "truncated delta extension", data: []byte{0x40, 0x01, 0x00, 0x01, 0xD0}},
		{name: "payload marker without payload", data: []byte{0x40, 0x01, 0x00, 0x01, 0xFF}},
		{name: "empty message with payload", data: []byte{0x40, 0x00, 0x00, 0x01, 0xFF, 0x01}},
		{name: "empty NON", data: []byte{0x50, 0x00, 0x00, 0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data, nil, nil); err == nil {
				t.Errorf("Decode(%x) succeeded, want error", tc.data)
			}
		})
	}
}

func TestDecodeOptionDeltas(t *testing.T) {
	// Three options whose absolute numbers are the running sum of the deltas:
	// Uri-Host (3) then Uri-Path (11) as delta 8 then Block2 (23) as delta 12.
	data := []byte{
		0x40, 0x01, 0x00, 0x01,
		0x34, 'h', 'o', 's', 't',
		0x84, 'p', 'a', 't', 'h',
		0xC1, 0x10,
	}
	m, err := Decode(data, nil, nil)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	wantIDs := []OptionID{URIHost, URIPath, Block2}
	if len(m.Options) != len(wantIDs) {
		t.Fatalf("got %d options, want %d", len(m.Options), len(wantIDs))
	}
	for i, id := range wantIDs {
		if m.Options[i].ID != id {
			t.Errorf("option %d: got %s want %s", i, m.Options[i].ID, id)
		}
	}
	b, ok := m.Options.Block(Block2)
	if !ok {
		t.Fatalf("Block2 missing")
	}
	if b.Num != 1 || b.More || b.SZX != 0 {
		t.Errorf("Block2 got %s want (1,0,0)", b)
	}
}

func TestEncodeWithoutMessageID(t *testing.T) {
	m := NewRequest(true, GET, "/test")
	if _, err := m.Encode(); err == nil {
		t.Errorf("Encode without MID succeeded, want error")
	}
}
