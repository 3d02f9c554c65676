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

import (
	"sync/atomic"

	"github.com/matrix-org/coap/message"
)

// OutboundHandler receives the fate of an outbound confirmable or request:
// responses matched by token/MID, the empty ACK, a peer reset, retransmission
// exhaustion, or a local error. All methods are invoked on the endpoint's
// executor.
type OutboundHandler interface {
	// OnResponse delivers a matched response. A handler may receive several
	// (observations, multicast).
	OnResponse(m *message.Message)
	// OnAcknowledged fires when the peer sends the empty ACK for our CON.
	OnAcknowledged()
	// OnReset fires when the peer answers with RST.
	OnReset()
	// OnRetransmitTimeout fires when MAX_TRANSMIT_WAIT elapses unanswered.
	OnRetransmitTimeout()
	// OnError delivers a local failure (encode, transport, reassembly).
	OnError(err error)
}

// handlerRef is the table's handle on an OutboundHandler. Liveness is an
// explicit flag the owner clears when it is done; Table.Cleanup sweeps dead
// refs periodically so finished exchanges do not pin table entries.
type handlerRef struct {
	h    OutboundHandler
	dead atomic.Bool
}

func newHandlerRef(h OutboundHandler) *handlerRef {
	return &handlerRef{h: h}
}

// release marks the ref dead; the table drops it on its next sweep.
func (r *handlerRef) release() {
	if r != nil {
		r.dead.Store(true)
	}
}

func (r *handlerRef) alive() bool { return r != nil && !r.dead.Load() && r.h != nil }
