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
	"sort"
	"time"

	"github.com/matrix-org/coap/message"
)

// layer is one stage of the per-endpoint pipeline. Inbound messages travel
// bottom to top, outbound top to bottom; each concrete layer forwards what it
// does not consume to its neighbour. No layer method takes a lock: the whole
// traversal runs on the endpoint's executor.
type layer interface {
	name() string
	sortOrder() int
	attach(s *Stack, idx int)

	handleInboundRequest(req *InboundRequest)
	handleInboundResponse(m *message.Message)
	handleOutboundRequest(m *message.Message, ref *handlerRef)
	handleOutboundResponse(m *message.Message, ref *handlerRef)

	// cleanup sweeps expired layer state; driven by the endpoint's
	// periodic cleanup timer.
	cleanup(now time.Time)
}

// Layer sort orders. The bottom sentinel sits closest to the transport;
// deduplication is the lowest real layer per its sort order contract.
const (
	orderBottom     = 0
	orderDedup      = 10
	orderRetransmit = 20
	orderBlock      = 30
	orderTop        = 100
)

// baseLayer supplies neighbour plumbing and passthrough behavior; concrete
// layers embed it and override the directions they care about.
type baseLayer struct {
	s       *Stack
	idx     int
	order   int
	layerNm string
}

func (b *baseLayer) name() string    { return b.layerNm }
func (b *baseLayer) sortOrder() int  { return b.order }
func (b *baseLayer) attach(s *Stack, idx int) {
	b.s = s
	b.idx = idx
}

func (b *baseLayer) upper() layer { return b.s.layers[b.idx+1] }
func (b *baseLayer) lower() layer { return b.s.layers[b.idx-1] }

func (b *baseLayer) handleInboundRequest(req *InboundRequest) {
	b.upper().handleInboundRequest(req)
}

func (b *baseLayer) handleInboundResponse(m *message.Message) {
	b.upper().handleInboundResponse(m)
}

func (b *baseLayer) handleOutboundRequest(m *message.Message, ref *handlerRef) {
	b.lower().handleOutboundRequest(m, ref)
}

func (b *baseLayer) handleOutboundResponse(m *message.Message, ref *handlerRef) {
	b.lower().handleOutboundResponse(m, ref)
}

func (b *baseLayer) cleanup(time.Time) {}

// sendDown routes a message towards the transport through the layer below,
// choosing the request or response path by code.
func (b *baseLayer) sendDown(m *message.Message, ref *handlerRef) {
	if m.IsRequest() {
		b.lower().handleOutboundRequest(m, ref)
	} else {
		b.lower().handleOutboundResponse(m, ref)
	}
}

// Stack is the ordered layer sequence of one endpoint.
type Stack struct {
	ep     *LocalEndpoint
	layers []layer
}

func newStack(ep *LocalEndpoint) *Stack {
	s := &Stack{ep: ep}
	s.layers = []layer{
		&bottomLayer{baseLayer: baseLayer{order: orderBottom, layerNm: "bottom"}},
		newDedupLayer(ep),
		newRetransmitLayer(ep),
		newBlockLayer(ep),
		&topLayer{baseLayer: baseLayer{order: orderTop, layerNm: "top"}},
	}
	sort.SliceStable(s.layers, func(i, j int) bool {
		return s.layers[i].sortOrder() < s.layers[j].sortOrder()
	})
	for i, l := range s.layers {
		l.attach(s, i)
	}
	return s
}

func (s *Stack) bottom() layer { return s.layers[0] }
func (s *Stack) top() layer    { return s.layers[len(s.layers)-1] }

// InboundRequest enters an inbound request at the bottom of the stack.
func (s *Stack) InboundRequest(req *InboundRequest) {
	s.bottom().handleInboundRequest(req)
}

// InboundResponse enters an inbound response, ACK or RST at the bottom.
func (s *Stack) InboundResponse(m *message.Message) {
	s.bottom().handleInboundResponse(m)
}

// OutboundRequest dispatches a registered outbound request from the top.
func (s *Stack) OutboundRequest(m *message.Message, ref *handlerRef) {
	s.top().handleOutboundRequest(m, ref)
}

// OutboundResponse dispatches an outbound response from the top.
func (s *Stack) OutboundResponse(m *message.Message, ref *handlerRef) {
	s.top().handleOutboundResponse(m, ref)
}

// Cleanup sweeps every layer.
func (s *Stack) Cleanup(now time.Time) {
	for _, l := range s.layers {
		l.cleanup(now)
	}
}

// topLayer delivers inbound traffic to the application and relays outbound
// dispatch downwards.
type topLayer struct {
	baseLayer
}

func (t *topLayer) handleInboundRequest(req *InboundRequest) {
	ep := t.s.ep
	if req.msg.Options.HasProxyOptions() && ep.proxyHandler == nil {
		req.mustSendResponse(message.NewResponse(req.msg, message.ProxyingNotSupported))
		return
	}
	h := ep.requestHandler
	if req.msg.Options.HasProxyOptions() {
		h = ep.proxyHandler
	}
	if h == nil {
		req.mustSendResponse(message.NewResponse(req.msg, message.NotImplemented))
		return
	}
	h.HandleRequest(req)
	req.handlerReturned()
}

func (t *topLayer) handleInboundResponse(m *message.Message) {
	ep := t.s.ep
	h := ep.table.Lookup(m)
	if h == nil {
		// A response nothing is waiting for: reject CON/NON with RST so
		// the peer stops (RFC 7252 Section 4.2, RFC 7641 Section 3.6).
		if m.Type == message.Confirmable || m.Type == message.NonConfirmable {
			ep.log.WithField("mid", m.MessageID).Debug("rejecting unmatched response")
			t.sendDown(message.NewReset(m), nil)
		}
		return
	}
	h.OnResponse(m)
}

// bottomLayer hands outbound messages to the endpoint's outbox.
type bottomLayer struct {
	baseLayer
}

func (b *bottomLayer) handleOutboundRequest(m *message.Message, ref *handlerRef) {
	b.s.ep.outbox(m, ref)
}

func (b *bottomLayer) handleOutboundResponse(m *message.Message, ref *handlerRef) {
	b.s.ep.outbox(m, ref)
}
