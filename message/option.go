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
	"sort"
	"strings"
)

// OptionID identifies a CoAP option number (RFC 7252 Section 5.10).
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

var optionNames = map[OptionID]string{
	IfMatch:       "If-Match",
	URIHost:       "Uri-Host",
	ETag:          "ETag",
	IfNoneMatch:   "If-None-Match",
	Observe:       "Observe",
	URIPort:       "Uri-Port",
	LocationPath:  "Location-Path",
	URIPath:       "Uri-Path",
	ContentFormat: "Content-Format",
	MaxAge:        "Max-Age",
	URIQuery:      "Uri-Query",
	Accept:        "Accept",
	LocationQuery: "Location-Query",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "Proxy-Uri",
	ProxyScheme:   "Proxy-Scheme",
	Size1:         "Size1",
}

func (id OptionID) String() string {
	if s, ok := optionNames[id]; ok {
		return s
	}
	return fmt.Sprintf("Option(%d)", uint16(id))
}

// Recognized reports whether this implementation knows the option number.
func (id OptionID) Recognized() bool {
	_, ok := optionNames[id]
	return ok
}

// Critical reports whether an unrecognized instance of this option must be
// rejected (RFC 7252 Section 5.4.1).
func (id OptionID) Critical() bool { return id&1 == 1 }

// Unsafe reports whether the option is unsafe to forward by a proxy.
func (id OptionID) Unsafe() bool { return id&2 == 2 }

// NoCacheKey reports whether the option is excluded from the cache key.
func (id OptionID) NoCacheKey() bool { return id&0x1e == 0x1c }

// Repeatable reports whether the option may occur more than once in a message.
func (id OptionID) Repeatable() bool {
	switch id {
	case IfMatch, ETag, URIPath, URIQuery, LocationPath, LocationQuery:
		return true
	}
	return false
}

// Option is a single (number, value) pair.
type Option struct {
	ID    OptionID
	Value []byte
}

// Uint decodes the value as a big-endian unsigned integer of 0-4 bytes.
func (o Option) Uint() (uint32, error) {
	if len(o.Value) > 4 {
		return 0, fmt.Errorf("%w: option %s value of %d bytes is too long for uint", ErrBadOption, o.ID, len(o.Value))
	}
	var v uint32
	for _, b := range o.Value {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// StringValue interprets the value as a UTF-8 string.
func (o Option) StringValue() string { return string(o.Value) }

// Block decodes the value as a block descriptor (RFC 7959 Section 2.2).
func (o Option) Block() (BlockOption, error) {
	v, err := o.Uint()
	if err != nil {
		return BlockOption{}, err
	}
	return ParseBlockValue(v)
}

func (o Option) String() string {
	return fmt.Sprintf("%s=%x", o.ID, o.Value)
}

// uintBytes is the minimal-length big-endian encoding used for uint options.
// Zero encodes as the empty value.
func uintBytes(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// UintOption builds an option carrying a minimal-length big-endian integer.
func UintOption(id OptionID, v uint32) Option {
	return Option{ID: id, Value: uintBytes(v)}
}

// StringOption builds an option carrying a UTF-8 string.
func StringOption(id OptionID, s string) Option {
	return Option{ID: id, Value: []byte(s)}
}

// Options is the option set of a message. It is kept sorted by option number;
// options with equal numbers keep their insertion order, which is the order
// they appear on the wire.
type Options []Option

// Add appends an option, keeping the set sorted. Adding a second instance of a
// non-repeatable option returns ErrBadOption.
func (oo Options) Add(o Option) (Options, error) {
	if !o.ID.Repeatable() && oo.Has(o.ID) {
		return oo, fmt.Errorf("%w: duplicate singleton option %s", ErrBadOption, o.ID)
	}
	return oo.add(o), nil
}

// add appends without the singleton check, keeping sorted order stable.
func (oo Options) add(o Option) Options {
	i := sort.Search(len(oo), func(i int) bool { return oo[i].ID > o.ID })
	oo = append(oo, Option{})
	copy(oo[i+1:], oo[i:])
	oo[i] = o
	return oo
}

// Set replaces every instance of the option's number with the given option.
func (oo Options) Set(o Option) Options {
	return oo.Del(o.ID).add(o)
}

// Del removes every instance of the given option number.
func (oo Options) Del(id OptionID) Options {
	out := oo[:0]
	for _, o := range oo {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}

// Get returns the first instance of the option, if present.
func (oo Options) Get(id OptionID) (Option, bool) {
	for _, o := range oo {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// GetAll returns every instance of the option in wire order.
func (oo Options) GetAll(id OptionID) []Option {
	var out []Option
	for _, o := range oo {
		if o.ID == id {
			out = append(out, o)
		}
	}
	return out
}

// Has reports whether at least one instance of the option is present.
func (oo Options) Has(id OptionID) bool {
	_, ok := oo.Get(id)
	return ok
}

// Uint returns the integer value of the first instance of the option.
func (oo Options) Uint(id OptionID) (uint32, bool) {
	o, ok := oo.Get(id)
	if !ok {
		return 0, false
	}
	v, err := o.Uint()
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetUint replaces the option with a minimal-length integer encoding.
func (oo Options) SetUint(id OptionID, v uint32) Options {
	return oo.Set(UintOption(id, v))
}

// Path joins the Uri-Path options into an absolute path.
func (oo Options) Path() string {
	segs := oo.GetAll(URIPath)
	if len(segs) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteByte('/')
		sb.Write(s.Value)
	}
	return sb.String()
}

// SetPath replaces the Uri-Path options with the segments of the given path.
func (oo Options) SetPath(path string) Options {
	oo = oo.Del(URIPath)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		oo = oo.add(StringOption(URIPath, seg))
	}
	return oo
}

// Queries returns the Uri-Query options as strings.
func (oo Options) Queries() []string {
	var out []string
	for _, o := range oo.GetAll(URIQuery) {
		out = append(out, o.StringValue())
	}
	return out
}

// Block returns the decoded block descriptor for Block1 or Block2.
func (oo Options) Block(id OptionID) (BlockOption, bool) {
	o, ok := oo.Get(id)
	if !ok {
		return BlockOption{}, false
	}
	b, err := o.Block()
	if err != nil {
		return BlockOption{}, false
	}
	return b, true
}

// SetBlock replaces the Block1 or Block2 option with the given descriptor.
func (oo Options) SetBlock(id OptionID, b BlockOption) Options {
	return oo.Set(Option{ID: id, Value: b.Bytes()})
}

// ObserveValue returns the Observe sequence number, if the option is present.
func (oo Options) ObserveValue() (uint32, bool) {
	return oo.Uint(Observe)
}

// HasProxyOptions reports whether Proxy-Uri or Proxy-Scheme is present.
func (oo Options) HasProxyOptions() bool {
	return oo.Has(ProxyURI) || oo.Has(ProxyScheme)
}

// FirstUnknownCritical returns the first unrecognized critical option, if
// any. Unrecognized elective options are fine to ignore; critical ones must
// be rejected (RFC 7252 Section 5.4.1).
func (oo Options) FirstUnknownCritical() (Option, bool) {
	for _, o := range oo {
		if o.ID.Critical() && !o.ID.Recognized() {
			return o, true
		}
	}
	return Option{}, false
}

// Clone returns a deep copy of the option set.
func (oo Options) Clone() Options {
	if oo == nil {
		return nil
	}
	out := make(Options, len(oo))
	for i, o := range oo {
		v := make([]byte, len(o.Value))
		copy(v, o.Value)
		out[i] = Option{ID: o.ID, Value: v}
	}
	return out
}

// Validate checks the set for duplicate singleton options.
func (oo Options) Validate() error {
	seen := make(map[OptionID]bool, len(oo))
	for _, o := range oo {
		if seen[o.ID] && !o.ID.Repeatable() {
			return fmt.Errorf("%w: duplicate singleton option %s", ErrBadOption, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

func (oo Options) String() string {
	parts := make([]string, len(oo))
	for i, o := range oo {
		parts[i] = o.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
