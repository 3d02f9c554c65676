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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
)

// defaultFirstBlock is the descriptor of the first block emitted for an
// oversize body: block 0, more to follow, 128-byte blocks.
var defaultFirstBlock = message.BlockOption{Num: 0, More: true, SZX: 3}

// reconstructor accumulates blockwise payloads in strict order (RFC 7959).
type reconstructor struct {
	buf  []byte
	next message.BlockOption
	done bool
}

// feed appends one block. Blocks must arrive in strict num order, every
// intermediate block must carry exactly the block size, the final block at
// most it, and the whole body must fit the reassembly cap.
func (rc *reconstructor) feed(b message.BlockOption, payload []byte) (bool, error) {
	if rc.done {
		return true, nil
	}
	if len(rc.buf) == 0 {
		rc.next = message.BlockOption{Num: 0, SZX: b.SZX}
	}
	if b.Num != rc.next.Num || b.SZX != rc.next.SZX {
		return false, fmt.Errorf("%w: got block %s, expected num %d szx %d",
			ErrReassemblyGap, b, rc.next.Num, rc.next.SZX)
	}
	if b.More && len(payload) != b.Size() {
		return false, fmt.Errorf("%w: intermediate block %s carries %d bytes, want %d",
			ErrReassemblyGap, b, len(payload), b.Size())
	}
	if !b.More && len(payload) > b.Size() {
		return false, fmt.Errorf("%w: final block %s carries %d bytes, max %d",
			ErrReassemblyGap, b, len(payload), b.Size())
	}
	if len(rc.buf)+len(payload) > message.MaxReassemblySize {
		return false, fmt.Errorf("%w: body exceeds %d bytes", ErrReassemblyOverflow, message.MaxReassemblySize)
	}
	rc.buf = append(rc.buf, payload...)
	rc.next = b.Next()
	rc.done = !b.More
	return rc.done, nil
}

// blockRequestState tracks one outbound request through blockwise transfer.
type blockRequestState int

const (
	blockStateSent blockRequestState = iota
	blockStateBlock1
	blockStateFinished
)

// blockOutboundRequest is the per-token record of an outbound request: the
// original message for re-issuing, the Block1 upload cursor, and one response
// reconstructor per responding peer (multicast keeps several).
type blockOutboundRequest struct {
	first *message.Message
	ref   *handlerRef
	state blockRequestState

	fullBody       []byte
	sendCursor     message.BlockOption
	block1Restarts int

	multicast      bool
	reconstructors map[string]*reconstructor
}

func (e *blockOutboundRequest) reconstructorFor(peer string) *reconstructor {
	if !e.multicast {
		peer = ""
	}
	rc, ok := e.reconstructors[peer]
	if !ok {
		rc = &reconstructor{}
		e.reconstructors[peer] = rc
	}
	return rc
}

// blockOutboundResponse serves sub-blocks of one oversize response on demand.
type blockOutboundResponse struct {
	full         *message.Message
	defaultBlock message.BlockOption
	expiresAt    time.Time
}

// blockLayer segments oversize outbound payloads and reassembles inbound
// blockwise bodies. Sits between retransmission and the top.
type blockLayer struct {
	baseLayer
	ep  *LocalEndpoint
	log *logrus.Entry

	outboundRequests  map[KeyToken]*blockOutboundRequest
	outboundResponses map[KeyToken]*blockOutboundResponse
	inboundRequests   map[KeyToken]*reconstructor
}

func newBlockLayer(ep *LocalEndpoint) *blockLayer {
	return &blockLayer{
		baseLayer:         baseLayer{order: orderBlock, layerNm: "block"},
		ep:                ep,
		log:               ep.log.WithField("layer", "block"),
		outboundRequests:  make(map[KeyToken]*blockOutboundRequest),
		outboundResponses: make(map[KeyToken]*blockOutboundResponse),
		inboundRequests:   make(map[KeyToken]*reconstructor),
	}
}

// --- outbound requests -------------------------------------------------

func (bl *blockLayer) handleOutboundRequest(m *message.Message, ref *handlerRef) {
	if len(m.Token) == 0 {
		// nothing to key block state on (pings)
		bl.lower().handleOutboundRequest(m, ref)
		return
	}
	key := keyToken(m)
	e := &blockOutboundRequest{
		first:          m,
		ref:            ref,
		state:          blockStateSent,
		multicast:      key.Peer == multicastPeer,
		reconstructors: make(map[string]*reconstructor),
	}
	bl.outboundRequests[key] = e

	if len(m.Payload) > defaultFirstBlock.Size() {
		// Block1 upload (RFC 7959 Section 2.5): hold the body back and
		// feed it block by block, advancing on 2.31 Continue.
		e.state = blockStateBlock1
		e.fullBody = m.Payload
		e.sendCursor = defaultFirstBlock
		first := m.Clone()
		first.Payload = e.fullBody[:e.sendCursor.Size()]
		first.Options = first.Options.SetBlock(message.Block1, e.sendCursor)
		first.Options = first.Options.SetUint(message.Size1, uint32(len(e.fullBody)))
		e.first = first
		bl.lower().handleOutboundRequest(first, ref)
		return
	}
	bl.lower().handleOutboundRequest(m, ref)
}

// nextBlock1 sends the upload block after the cursor.
func (bl *blockLayer) nextBlock1(key KeyToken, e *blockOutboundRequest) {
	next := e.sendCursor.Next()
	offset := next.Offset()
	remaining := len(e.fullBody) - offset
	if remaining <= 0 {
		bl.failRequest(key, e, fmt.Errorf("%w: peer requested block beyond body", ErrReassemblyGap))
		return
	}
	next.More = remaining > next.Size()
	end := offset + next.Size()
	if end > len(e.fullBody) {
		end = len(e.fullBody)
	}
	e.sendCursor = next
	m := e.first.Clone()
	m.MessageID = message.NoMessageID
	m.Payload = e.fullBody[offset:end]
	m.Options = m.Options.SetBlock(message.Block1, next)
	m.Options = m.Options.Del(message.Size1)
	bl.sendRequest(key, e, m)
}

// sendRequest assigns the fresh MID before the message descends further; the
// layers below key their state by it.
func (bl *blockLayer) sendRequest(key KeyToken, e *blockOutboundRequest, m *message.Message) {
	if err := bl.ep.table.Register(m, e.ref); err != nil {
		bl.failRequest(key, e, err)
		return
	}
	bl.lower().handleOutboundRequest(m, e.ref)
}

// restartBlock1 starts the upload over from block zero, once.
func (bl *blockLayer) restartBlock1(key KeyToken, e *blockOutboundRequest) {
	if e.state != blockStateBlock1 || e.block1Restarts >= 1 {
		bl.failRequest(key, e, fmt.Errorf("%w: peer reported request entity incomplete", ErrReassemblyGap))
		return
	}
	e.block1Restarts++
	e.sendCursor = defaultFirstBlock
	first := e.first.Clone()
	first.MessageID = message.NoMessageID
	first.Payload = e.fullBody[:e.sendCursor.Size()]
	first.Options = first.Options.SetBlock(message.Block1, e.sendCursor)
	bl.log.WithField("key", key.String()).Debug("restarting Block1 upload from block 0")
	bl.sendRequest(key, e, first)
}

func (bl *blockLayer) failRequest(key KeyToken, e *blockOutboundRequest, err error) {
	e.state = blockStateFinished
	delete(bl.outboundRequests, key)
	if e.ref.alive() {
		e.ref.h.OnError(err)
	}
}

// --- inbound responses -------------------------------------------------

func (bl *blockLayer) handleInboundResponse(m *message.Message) {
	key := keyToken(m)
	e, ok := bl.outboundRequests[key]
	if !ok {
		bl.upper().handleInboundResponse(m)
		return
	}

	if m.Code == message.RequestEntityIncomplete {
		bl.restartBlock1(key, e)
		return
	}
	if m.Code == message.Continue {
		if b, ok := m.Options.Block(message.Block1); ok && e.state == blockStateBlock1 {
			if b.Num == e.sendCursor.Num {
				bl.nextBlock1(key, e)
			}
			return
		}
		return
	}

	b2, hasBlock2 := m.Options.Block(message.Block2)
	if !hasBlock2 {
		if !e.multicast {
			e.state = blockStateFinished
			delete(bl.outboundRequests, key)
		}
		bl.upper().handleInboundResponse(m)
		return
	}

	rc := e.reconstructorFor(peerString(m))
	done, err := rc.feed(b2, m.Payload)
	if err != nil {
		bl.log.WithError(err).WithField("key", key.String()).Debug("blockwise reassembly failed")
		bl.failRequest(key, e, err)
		return
	}
	if done {
		full := m.Clone()
		full.Payload = rc.buf
		full.Options = full.Options.Del(message.Block1).Del(message.Block2)
		if !e.multicast {
			e.state = blockStateFinished
			delete(bl.outboundRequests, key)
		}
		bl.upper().handleInboundResponse(full)
		return
	}
	// fetch the next block with a fresh MID on the same token
	next := e.first.Clone()
	next.MessageID = message.NoMessageID
	next.Payload = nil
	next.Options = next.Options.Del(message.Block1).Del(message.Size1)
	next.Options = next.Options.SetBlock(message.Block2, message.BlockOption{Num: rc.next.Num, SZX: rc.next.SZX})
	bl.sendRequest(key, e, next)
}

// --- outbound responses ------------------------------------------------

func (bl *blockLayer) handleOutboundResponse(m *message.Message, ref *handlerRef) {
	if len(m.Payload) > defaultFirstBlock.Size() &&
		!m.Options.Has(message.Block2) && !m.Options.Has(message.Block1) {
		key := keyToken(m)
		bl.outboundResponses[key] = &blockOutboundResponse{
			full:         m,
			defaultBlock: defaultFirstBlock,
			expiresAt:    time.Now().Add(bl.ep.behavior.ExchangeLifetime()),
		}
		first := bl.sliceResponse(m, defaultFirstBlock)
		bl.lower().handleOutboundResponse(first, ref)
		return
	}
	bl.lower().handleOutboundResponse(m, ref)
}

// sliceResponse builds the response carrying the requested block of the full
// body.
func (bl *blockLayer) sliceResponse(full *message.Message, b message.BlockOption) *message.Message {
	offset := b.Offset()
	end := offset + b.Size()
	if end >= len(full.Payload) {
		end = len(full.Payload)
		b.More = false
	} else {
		b.More = true
	}
	out := full.Clone()
	out.Payload = out.Payload[offset:end]
	out.Options = out.Options.SetBlock(message.Block2, b)
	out.Options = out.Options.SetUint(message.Size2, uint32(len(full.Payload)))
	return out
}

// --- inbound requests --------------------------------------------------

func (bl *blockLayer) handleInboundRequest(req *InboundRequest) {
	m := req.msg
	key := keyToken(m)

	// follow-up fetch of a block of a response we are serving
	if e, ok := bl.outboundResponses[key]; ok {
		if b, hasBlock2 := m.Options.Block(message.Block2); hasBlock2 {
			if b.Offset() >= len(e.full.Payload) {
				bl.log.WithField("key", key.String()).Debug("block request beyond body")
				req.mustSendResponse(message.NewResponse(m, message.BadOption))
				return
			}
			resp := bl.sliceResponse(e.full, b)
			resp.Type = message.Acknowledgement
			resp.MessageID = m.MessageID
			resp.Token = m.Token.Clone()
			resp.RemoteAddr = m.RemoteAddr
			resp.LocalAddr = m.LocalAddr
			bl.sendDown(resp, nil)
			return
		}
	}

	// Block1 upload arriving from a peer: accumulate and hand the handler
	// the complete body once the final block lands.
	if b1, hasBlock1 := m.Options.Block(message.Block1); hasBlock1 {
		rc, ok := bl.inboundRequests[key]
		if !ok {
			if b1.Num != 0 {
				req.mustSendResponse(message.NewResponse(m, message.RequestEntityIncomplete))
				return
			}
			rc = &reconstructor{}
			bl.inboundRequests[key] = rc
		}
		done, err := rc.feed(b1, m.Payload)
		if err != nil {
			delete(bl.inboundRequests, key)
			bl.log.WithError(err).WithField("key", key.String()).Debug("inbound Block1 reassembly failed")
			req.mustSendResponse(message.NewResponse(m, message.RequestEntityIncomplete))
			return
		}
		if !done {
			resp := message.NewResponse(m, message.Continue)
			resp.Options = resp.Options.SetBlock(message.Block1, b1)
			req.mustSendResponse(resp)
			return
		}
		delete(bl.inboundRequests, key)
		full := m.Clone()
		full.Payload = rc.buf
		full.Options = full.Options.Del(message.Block1).Del(message.Size1)
		req.msg = full
	}

	bl.upper().handleInboundRequest(req)
}

func (bl *blockLayer) cleanup(now time.Time) {
	for k, e := range bl.outboundResponses {
		if now.After(e.expiresAt) {
			delete(bl.outboundResponses, k)
		}
	}
	for k, e := range bl.outboundRequests {
		if e.ref != nil && !e.ref.alive() {
			delete(bl.outboundRequests, k)
		}
	}
}
