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

package coap

import "errors"

var (
	// ErrTimeout is returned when a confirmable exchange exhausts its
	// retransmissions or a caller-supplied wait elapses.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrCancelled is returned from a transaction invalidated by the caller.
	ErrCancelled = errors.New("transaction cancelled")
	// ErrHostLookup is returned when the remote host cannot be resolved.
	ErrHostLookup = errors.New("host lookup failed")
	// ErrMessageTooLarge is returned when an outbound message exceeds the
	// behavior's packet budget and block transfer is not in effect.
	ErrMessageTooLarge = errors.New("message exceeds maximum outbound size")
	// ErrMIDSpaceExhausted is returned when no unused message ID can be
	// found for a peer.
	ErrMIDSpaceExhausted = errors.New("message ID space exhausted for peer")
	// ErrTokenSpaceExhausted is the token-side analogue.
	ErrTokenSpaceExhausted = errors.New("token space exhausted for peer")
	// ErrReassemblyOverflow is returned when a blockwise body outgrows the
	// reassembly buffer.
	ErrReassemblyOverflow = errors.New("blockwise reassembly overflow")
	// ErrReassemblyGap is returned when blocks arrive out of order or with
	// a wrong intermediate size.
	ErrReassemblyGap = errors.New("blockwise reassembly out of sequence")
	// ErrOutOfScope is returned when an inbound request is answered after
	// its handler returned without declaring the response pending.
	ErrOutOfScope = errors.New("inbound request no longer in scope")
	// ErrUnsupportedScheme is returned when no endpoint serves a URI scheme.
	ErrUnsupportedScheme = errors.New("no endpoint for URI scheme")
	// ErrClosed is returned from operations on a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
)
