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

import "fmt"

// MaxReassemblySize bounds the payload a blockwise reassembly may grow to.
// It is a fixed cap of 131070 bytes (2 * 65535), far below the 2**20 blocks
// of 1024 bytes that the Block options can address.
const MaxReassemblySize = 131070

// BlockOption is the decoded form of a Block1/Block2 option value
// (RFC 7959 Section 2.2): a block number, a "more blocks follow" flag,
// and the size exponent SZX with block size 2**(SZX+4) bytes.
type BlockOption struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes.
func (b BlockOption) Size() int { return 1 << (b.SZX + 4) }

// Offset returns the byte offset of the block within the full body.
func (b BlockOption) Offset() int { return int(b.Num) * b.Size() }

// Value packs the descriptor into its integer form NUM<<4 | M<<3 | SZX.
func (b BlockOption) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX)
	if b.More {
		v |= 1 << 3
	}
	return v
}

// Bytes returns the minimal-length big-endian wire encoding of the value.
// The descriptor (0, false, 0) encodes as the empty value.
func (b BlockOption) Bytes() []byte { return uintBytes(b.Value()) }

// Next returns the descriptor addressing the block after this one.
func (b BlockOption) Next() BlockOption {
	return BlockOption{Num: b.Num + 1, SZX: b.SZX}
}

func (b BlockOption) String() string {
	m := 0
	if b.More {
		m = 1
	}
	return fmt.Sprintf("(%d,%d,%d)", b.Num, m, b.SZX)
}

// ParseBlockValue decodes the integer form of a block option value.
func ParseBlockValue(v uint32) (BlockOption, error) {
	szx := uint8(v & 0x7)
	if szx == 7 {
		return BlockOption{}, fmt.Errorf("%w: reserved block SZX 7", ErrBadOption)
	}
	if v>>4 > 0xFFFFF {
		return BlockOption{}, fmt.Errorf("%w: block NUM out of range", ErrBadOption)
	}
	return BlockOption{
		Num:  v >> 4,
		More: v&(1<<3) != 0,
		SZX:  szx,
	}, nil
}
