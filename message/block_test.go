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

import "testing"

func TestBlockOptionValue(t *testing.T) {
	cases := []struct {
		b    BlockOption
		want uint32
	}{
		{b: BlockOption{Num: 0, More: false, SZX: 0}, want: 0},
		{b: BlockOption{Num: 0, More: true, SZX: 3}, want: 0x0B},
		{b: BlockOption{Num: 1, More: false, SZX: 3}, want: 0x13},
		{b: BlockOption{Num: 2, More: false, SZX: 3}, want: 0x23},
		{b: BlockOption{Num: 1337, More: true, SZX: 6}, want: 1337<<4 | 0x8 | 6},
	}
	for _, tc := range cases {
		if got := tc.b.Value(); got != tc.want {
			t.Errorf("%s.Value(): got %#x want %#x", tc.b, got, tc.want)
		}
		parsed, err := ParseBlockValue(tc.want)
		if err != nil {
			t.Fatalf("ParseBlockValue(%#x): %s", tc.want, err)
		}
		if parsed != tc.b {
			t.Errorf("ParseBlockValue(%#x): got %s want %s", tc.want, parsed, tc.b)
		}
	}
}

func TestBlockOptionSize(t *testing.T) {
	wantSizes := []int{16, 32, 64, 128, 256, 512, 1024}
	for szx, want := range wantSizes {
		b := BlockOption{SZX: uint8(szx)}
		if got := b.Size(); got != want {
			t.Errorf("SZX %d: got size %d want %d", szx, got, want)
		}
	}
}

func TestBlockOptionReservedSZX(t *testing.T) {
	if _, err := ParseBlockValue(0x7); err == nil {
		t.Errorf("ParseBlockValue with SZX 7 succeeded, want error")
	}
}

func TestBlockOptionOffsetAndNext(t *testing.T) {
	b := BlockOption{Num: 2, More: true, SZX: 3}
	if got := b.Offset(); got != 256 {
		t.Errorf("Offset: got %d want 256", got)
	}
	n := b.Next()
	if n.Num != 3 || n.More || n.SZX != 3 {
		t.Errorf("Next: got %s want (3,0,3)", n)
	}
}
