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

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MediaType is a CoAP Content-Format registry value (RFC 7252 Section 12.3).
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppEXI        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

// ContentFormat returns the message's Content-Format option, if set.
func (m *Message) ContentFormat() (MediaType, bool) {
	v, ok := m.Options.Uint(ContentFormat)
	return MediaType(v), ok
}

// SetPayload sets the payload and the Content-Format option together.
func (m *Message) SetPayload(mt MediaType, body []byte) {
	m.Options = m.Options.SetUint(ContentFormat, uint32(mt))
	m.Payload = body
}

// SetCBOR marshals v as the payload with Content-Format application/cbor.
func (m *Message) SetCBOR(v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("SetCBOR: marshalling: %w", err)
	}
	m.SetPayload(AppCBOR, b)
	return nil
}

// ReadCBOR unmarshals an application/cbor payload into v.
func (m *Message) ReadCBOR(v interface{}) error {
	if mt, ok := m.ContentFormat(); ok && mt != AppCBOR {
		return fmt.Errorf("ReadCBOR: payload has Content-Format %d", mt)
	}
	if err := cbor.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("ReadCBOR: unmarshalling: %w", err)
	}
	return nil
}

// SetJSON marshals v as the payload with Content-Format application/json.
func (m *Message) SetJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("SetJSON: marshalling: %w", err)
	}
	m.SetPayload(AppJSON, b)
	return nil
}

// ReadJSON unmarshals an application/json payload into v.
func (m *Message) ReadJSON(v interface{}) error {
	if mt, ok := m.ContentFormat(); ok && mt != AppJSON {
		return fmt.Errorf("ReadJSON: payload has Content-Format %d", mt)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("ReadJSON: unmarshalling: %w", err)
	}
	return nil
}

// JSONField extracts a field from a JSON payload by gjson path syntax.
func (m *Message) JSONField(path string) gjson.Result {
	return gjson.GetBytes(m.Payload, path)
}

// SetJSONField patches a field of a JSON payload in place by sjson path syntax.
func (m *Message) SetJSONField(path string, value interface{}) error {
	b, err := sjson.SetBytes(m.Payload, path, value)
	if err != nil {
		return fmt.Errorf("SetJSONField: %w", err)
	}
	m.Payload = b
	return nil
}
