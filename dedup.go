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

// dedupEntry remembers one inbound (MID, peer) for EXCHANGE_LIFETIME.
type dedupEntry struct {
	expiresAt time.Time
	isRequest bool
	// cachedResponse is the response we produced for a request entry, or
	// the ACK we emitted for a confirmable response entry; duplicates are
	// answered from here without waking the application.
	cachedResponse *message.Message
}

// dedupLayer filters duplicate inbound confirmables by (MID, peer) and
// replays cached replies. Lowest real layer in the stack.
type dedupLayer struct {
	baseLayer
	ep      *LocalEndpoint
	log     *logrus.Entry
	entries map[KeyMID]*dedupEntry
}

func newDedupLayer(ep *LocalEndpoint) *dedupLayer {
	return &dedupLayer{
		baseLayer: baseLayer{order: orderDedup, layerNm: "dedup"},
		ep:        ep,
		log:       ep.log.WithField("layer", "dedup"),
		entries:   make(map[KeyMID]*dedupEntry),
	}
}

func (d *dedupLayer) handleInboundRequest(req *InboundRequest) {
	m := req.msg
	key := keyMID(m)
	if e, ok := d.entries[key]; ok {
		// Duplicate within EXCHANGE_LIFETIME. Never let it reach the
		// application twice: replay what we answered, or re-ACK while
		// the first traversal is still being processed.
		if e.cachedResponse != nil {
			d.log.WithField("key", key.String()).Debug("replaying cached response for duplicate request")
			d.sendDown(e.cachedResponse.Clone(), nil)
		} else if m.Type == message.Confirmable {
			d.log.WithField("key", key.String()).Debug("re-acknowledging duplicate in-flight request")
			d.sendDown(message.NewAck(m), nil)
		}
		return
	}
	d.entries[key] = &dedupEntry{
		expiresAt: time.Now().Add(d.ep.behavior.ExchangeLifetime()),
		isRequest: true,
	}
	d.upper().handleInboundRequest(req)
}

func (d *dedupLayer) handleInboundResponse(m *message.Message) {
	if m.Type != message.Confirmable {
		// ACK/RST/NON responses are deduplicated upstream by their
		// transaction; only separate CON responses need MID tracking.
		d.upper().handleInboundResponse(m)
		return
	}
	key := keyMID(m)
	if e, ok := d.entries[key]; ok {
		d.log.WithField("key", key.String()).Debug("suppressing duplicate CON response")
		if e.cachedResponse != nil {
			d.sendDown(e.cachedResponse.Clone(), nil)
		}
		return
	}
	e := &dedupEntry{expiresAt: time.Now().Add(d.ep.behavior.ExchangeLifetime())}
	d.entries[key] = e
	d.upper().handleInboundResponse(m)
	// if the traversal already replied (an unmatched response drew an RST
	// from the top, cached below), the CON is settled; otherwise ACK it
	if e.cachedResponse == nil {
		ack := message.NewAck(m)
		e.cachedResponse = ack
		d.sendDown(ack.Clone(), nil)
	}
}

func (d *dedupLayer) handleOutboundResponse(m *message.Message, ref *handlerRef) {
	// Remember what we answered so a duplicate replays it. For request
	// entries that is the real response, never the empty ACK (duplicates
	// re-ACK separately); for response entries it is the RST the top layer
	// emits when nothing matched the response.
	if e, ok := d.entries[keyMID(m)]; ok && e.cachedResponse == nil {
		if (e.isRequest && !m.IsEmpty()) || (!e.isRequest && m.Type == message.Reset) {
			e.cachedResponse = m.Clone()
		}
	}
	d.lower().handleOutboundResponse(m, ref)
}

func (d *dedupLayer) cleanup(now time.Time) {
	for k, e := range d.entries {
		if now.After(e.expiresAt) {
			delete(d.entries, k)
		}
	}
}
