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
	"fmt"

	"github.com/matrix-org/coap/message"
)

// ResponseHook intercepts a response about to leave an InboundRequest.
// Returning nil suppresses the send. Observation registries install hooks to
// stamp Observe counters and drop unchanged payloads.
type ResponseHook func(m *message.Message) *message.Message

// InboundRequest is the server-side session for one inbound request. It is
// created by the endpoint, travels up the stack to the application handler,
// and normally dies when the handler returns. A handler (or an observation
// registry acting for it) may call SetResponsePending to keep the session
// alive past the handler's return and answer later; answering a session that
// was allowed to lapse yields ErrOutOfScope.
type InboundRequest struct {
	ep  *LocalEndpoint
	msg *message.Message

	// responseHandler, when set, receives the fate of the outbound
	// response (observers care about RST and retransmission timeout).
	responseHandler *handlerRef
	hook            ResponseHook

	responsePending bool
	acked           bool
	responded       bool
	lapsed          bool
}

func newInboundRequest(ep *LocalEndpoint, msg *message.Message) *InboundRequest {
	return &InboundRequest{ep: ep, msg: msg}
}

// Message returns the inbound request message.
func (r *InboundRequest) Message() *message.Message { return r.msg }

// Endpoint returns the endpoint the request arrived on.
func (r *InboundRequest) Endpoint() *LocalEndpoint { return r.ep }

// SetResponsePending keeps the session answerable after the handler returns.
func (r *InboundRequest) SetResponsePending() {
	r.responsePending = true
}

// ResponsePending reports whether the session outlives the handler.
func (r *InboundRequest) ResponsePending() bool { return r.responsePending }

// setResponseHook installs the observer's interception point.
func (r *InboundRequest) setResponseHook(hook ResponseHook, ref *handlerRef) {
	r.hook = hook
	r.responseHandler = ref
}

// handlerReturned is called by the top layer after the application handler
// returns. A session without a pending response that never answered gets the
// empty ACK so the peer stops retransmitting; the session then lapses.
func (r *InboundRequest) handlerReturned() {
	if r.responsePending {
		return
	}
	if !r.responded {
		r.Acknowledge()
	}
	r.lapsed = true
}

// Acknowledge sends the empty ACK for a confirmable request, once.
func (r *InboundRequest) Acknowledge() {
	if r.acked || r.responded || r.msg.Type != message.Confirmable {
		return
	}
	r.acked = true
	r.ep.stack.OutboundResponse(message.NewAck(r.msg), nil)
}

// SendResponse answers the request with the given code and payload.
func (r *InboundRequest) SendResponse(code message.Code, mt message.MediaType, payload []byte) error {
	m := message.NewResponse(r.msg, code)
	if payload != nil {
		m.SetPayload(mt, payload)
	}
	return r.SendResponseMessage(m)
}

// SendResponseMessage answers the request with a prepared response message.
// The first response to a confirmable request is piggy-backed on the ACK
// unless the empty ACK already went out, in which case it becomes a separate
// confirmable response.
func (r *InboundRequest) SendResponseMessage(m *message.Message) error {
	r.ep.assertOnExecutor()
	if r.lapsed {
		return fmt.Errorf("%w: handler returned without declaring a pending response", ErrOutOfScope)
	}
	if r.hook != nil {
		m = r.hook(m)
		if m == nil {
			return nil
		}
	}
	if r.acked && m.Type == message.Acknowledgement {
		// already separately acknowledged: promote to a separate response
		m.Type = message.Confirmable
		m.MessageID = message.NoMessageID
	}
	r.responded = true
	if !r.responsePending {
		r.lapsed = true
	}
	return r.ep.sendResponseMessage(m, r.responseHandler)
}

// mustSendResponse is for stack-generated replies (proxy/not-implemented
// defaults) where a send failure has nowhere to go but the log.
func (r *InboundRequest) mustSendResponse(m *message.Message) {
	if err := r.SendResponseMessage(m); err != nil {
		r.ep.log.WithError(err).Warn("failed to send stack-generated response")
	}
}
