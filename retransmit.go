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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
)

// retransmitEntry drives one outbound confirmable until it is answered or
// given up on.
type retransmitEntry struct {
	key       KeyMID
	msg       *message.Message
	ref       *handlerRef
	attempt   int
	isRequest bool

	retransmitTimer *TimerHandle
	overallTimer    *TimerHandle
}

// queuedCON is an outbound CON request held back by the NSTART limit.
type queuedCON struct {
	m   *message.Message
	ref *handlerRef
}

// retransmitLayer retransmits outbound CONs with exponential backoff and
// cancels on any matching reply. Sits above dedup, below block.
type retransmitLayer struct {
	baseLayer
	ep      *LocalEndpoint
	log     *logrus.Entry
	entries map[KeyMID]*retransmitEntry

	// NSTART bookkeeping (RFC 7252 Section 4.7): at most NStart CON
	// requests in flight per peer; the rest queue until a slot frees.
	activeCON map[string]int
	waiting   map[string][]queuedCON
}

func newRetransmitLayer(ep *LocalEndpoint) *retransmitLayer {
	return &retransmitLayer{
		baseLayer: baseLayer{order: orderRetransmit, layerNm: "retransmit"},
		ep:        ep,
		log:       ep.log.WithField("layer", "retransmit"),
		entries:   make(map[KeyMID]*retransmitEntry),
		activeCON: make(map[string]int),
		waiting:   make(map[string][]queuedCON),
	}
}

func (r *retransmitLayer) handleOutboundRequest(m *message.Message, ref *handlerRef) {
	if m.Type == message.Confirmable {
		peer := peerString(m)
		if r.activeCON[peer] >= r.ep.behavior.NStart {
			r.log.WithField("peer", peer).Debug("NSTART reached, queueing confirmable request")
			r.waiting[peer] = append(r.waiting[peer], queuedCON{m: m, ref: ref})
			return
		}
	}
	r.track(m, ref)
	r.lower().handleOutboundRequest(m, ref)
}

func (r *retransmitLayer) handleOutboundResponse(m *message.Message, ref *handlerRef) {
	r.track(m, ref)
	r.lower().handleOutboundResponse(m, ref)
}

// track arms the per-entry timers for a confirmable not already tracked.
// Retransmissions re-enter this layer through the lower neighbour directly,
// so they never double-register.
func (r *retransmitLayer) track(m *message.Message, ref *handlerRef) {
	if m.Type != message.Confirmable {
		return
	}
	key := keyMID(m)
	if _, tracked := r.entries[key]; tracked {
		return
	}
	e := &retransmitEntry{key: key, msg: m, ref: ref, isRequest: m.IsRequest()}
	r.entries[key] = e
	if e.isRequest {
		r.activeCON[key.Peer]++
	}
	behavior := r.ep.behavior
	e.retransmitTimer = r.ep.exec.Schedule(behavior.RetransmitTimeout(1), func() {
		r.retransmit(e)
	})
	e.overallTimer = r.ep.exec.Schedule(behavior.MaxTransmitWait(), func() {
		r.giveUp(e)
	})
}

func (r *retransmitLayer) retransmit(e *retransmitEntry) {
	if r.entries[e.key] != e {
		return
	}
	if e.ref != nil && !e.ref.alive() {
		// the transaction went away under us (cancelled); stop quietly
		r.close(e)
		return
	}
	e.attempt++
	r.log.WithFields(logrus.Fields{
		"key":     e.key.String(),
		"attempt": e.attempt,
	}).Debug("retransmitting confirmable")
	r.sendDown(e.msg, e.ref)
	if e.attempt < r.ep.behavior.MaxRetransmit {
		e.retransmitTimer = r.ep.exec.Schedule(r.ep.behavior.RetransmitTimeout(e.attempt+1), func() {
			r.retransmit(e)
		})
	}
}

func (r *retransmitLayer) giveUp(e *retransmitEntry) {
	if r.entries[e.key] != e {
		return
	}
	r.log.WithField("key", e.key.String()).Debug("confirmable unanswered after MAX_TRANSMIT_WAIT")
	r.close(e)
	if e.ref.alive() {
		e.ref.h.OnRetransmitTimeout()
	}
}

func (r *retransmitLayer) close(e *retransmitEntry) {
	e.retransmitTimer.Stop()
	e.overallTimer.Stop()
	delete(r.entries, e.key)
	if !e.isRequest {
		return
	}
	peer := e.key.Peer
	if r.activeCON[peer] > 0 {
		r.activeCON[peer]--
	}
	if r.activeCON[peer] == 0 {
		delete(r.activeCON, peer)
	}
	// release the next queued CON for this peer, dropping any whose
	// transaction died while waiting
	q := r.waiting[peer]
	for len(q) > 0 {
		next := q[0]
		q = q[1:]
		if next.ref != nil && !next.ref.alive() {
			continue
		}
		r.waiting[peer] = q
		if len(q) == 0 {
			delete(r.waiting, peer)
		}
		r.track(next.m, next.ref)
		r.lower().handleOutboundRequest(next.m, next.ref)
		return
	}
	delete(r.waiting, peer)
}

func (r *retransmitLayer) handleInboundResponse(m *message.Message) {
	key := keyMID(m)
	e, tracked := r.entries[key]
	if tracked {
		r.close(e)
	}
	if m.IsEmpty() || m.Type == message.Reset {
		// The empty ACK and RST are transport-level replies: report them
		// to the waiting handler but never surface them as responses.
		if tracked && e.ref.alive() {
			if m.Type == message.Reset {
				e.ref.h.OnReset()
			} else {
				e.ref.h.OnAcknowledged()
			}
		}
		return
	}
	if tracked && m.Type == message.Acknowledgement && e.ref.alive() {
		// piggy-backed response doubles as the ACK
		e.ref.h.OnAcknowledged()
	}
	r.upper().handleInboundResponse(m)
}

func (r *retransmitLayer) cleanup(time.Time) {
	for _, e := range r.entries {
		if e.ref != nil && !e.ref.alive() {
			r.close(e)
		}
	}
}
