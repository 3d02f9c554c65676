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

type sensorReading struct {
	Name  string  `json:"name" cbor:"1,keyasint"`
	Value float64 `json:"value" cbor:"2,keyasint"`
}

func TestCBORPayloadRoundTrip(t *testing.T) {
	m := NewRequest(true, POST, "/sensors")
	in := sensorReading{Name: "temp", Value: 21.5}
	if err := m.SetCBOR(in); err != nil {
		t.Fatalf("SetCBOR: %s", err)
	}
	if mt, ok := m.ContentFormat(); !ok || mt != AppCBOR {
		t.Errorf("content format: got (%d, %v) want 60", mt, ok)
	}
	var out sensorReading
	if err := m.ReadCBOR(&out); err != nil {
		t.Fatalf("ReadCBOR: %s", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONPayloadRoundTrip(t *testing.T) {
	m := NewRequest(true, POST, "/sensors")
	in := sensorReading{Name: "humidity", Value: 40}
	if err := m.SetJSON(in); err != nil {
		t.Fatalf("SetJSON: %s", err)
	}
	if mt, _ := m.ContentFormat(); mt != AppJSON {
		t.Errorf("content format: got %d want 50", mt)
	}
	var out sensorReading
	if err := m.ReadJSON(&out); err != nil {
		t.Fatalf("ReadJSON: %s", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONFieldAccess(t *testing.T) {
	m := NewRequest(true, POST, "/sensors")
	m.SetPayload(AppJSON, []byte(`{"name":"temp","value":21.5}`))
	if got := m.JSONField("name").String(); got != "temp" {
		t.Errorf("JSONField(name): got %q", got)
	}
	if err := m.SetJSONField("value", 22.0); err != nil {
		t.Fatalf("SetJSONField: %s", err)
	}
	if got := m.JSONField("value").Float(); got != 22.0 {
		t.Errorf("JSONField(value) after patch: got %v", got)
	}
}

func TestReadCBORWrongContentFormat(t *testing.T) {
	m := NewRequest(true, POST, "/sensors")
	m.SetPayload(AppJSON, []byte(`{}`))
	var out sensorReading
	if err := m.ReadCBOR(&out); err == nil {
		t.Errorf("ReadCBOR accepted a JSON payload")
	}
}
