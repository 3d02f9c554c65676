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
	"net"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
)

// midSpaceSize is the number of distinct message IDs per peer.
const midSpaceSize = 1 << 16

// Table owns the endpoint's MID and token spaces and the mapping from both
// key kinds to pending outbound handlers. Executor-owned; no locking.
type Table struct {
	behavior *Behavior
	log      *logrus.Entry

	byMID   map[KeyMID]*handlerRef
	byToken map[KeyToken]*handlerRef
	// midOfRef is the reverse map: it lets a re-registration of the same
	// handler (an observation keepalive picking a fresh MID) invalidate
	// the stale MID binding instead of leaking it.
	midOfRef map[*handlerRef]KeyMID
}

// NewTable creates an empty table.
func NewTable(behavior *Behavior, log *logrus.Entry) *Table {
	return &Table{
		behavior: behavior,
		log:      log,
		byMID:    make(map[KeyMID]*handlerRef),
		byToken:  make(map[KeyToken]*handlerRef),
		midOfRef: make(map[*handlerRef]KeyMID),
	}
}

// NewMID picks an unused message ID for the peer: a random starting point,
// then a linear probe. The same MID may be in flight for distinct peers.
func (t *Table) NewMID(peer net.Addr) (int32, error) {
	p := peerOf(peer)
	start := int32(t.behavior.RandomUint32() & 0xFFFF)
	for i := 0; i < midSpaceSize; i++ {
		mid := (start + int32(i)) & 0xFFFF
		if _, used := t.byMID[KeyMID{MID: mid, Peer: p}]; !used {
			return mid, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrMIDSpaceExhausted, p)
}

// NewToken picks an unused non-empty token for the peer and binds it to the
// handler.
func (t *Table) NewToken(peer net.Addr, ref *handlerRef) (message.Token, error) {
	p := peerOf(peer)
	for i := 0; i < midSpaceSize; i++ {
		v := t.behavior.RandomUint32()
		tok := message.Token{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		key := KeyToken{Token: string(tok), Peer: p}
		if _, used := t.byToken[key]; !used {
			t.byToken[key] = ref
			return tok, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTokenSpaceExhausted, p)
}

// Register assigns the message a MID if it lacks one and, for non-empty codes,
// a token if it lacks one, then binds both keys to the handler. A MID already
// bound to this handler is invalidated first.
func (t *Table) Register(m *message.Message, ref *handlerRef) error {
	if !m.HasMessageID() {
		mid, err := t.NewMID(m.RemoteAddr)
		if err != nil {
			return err
		}
		m.MessageID = mid
	}
	if m.Code != message.Empty && len(m.Token) == 0 {
		tok, err := t.NewToken(m.RemoteAddr, ref)
		if err != nil {
			return err
		}
		m.Token = tok
	}
	if ref == nil {
		return nil
	}
	key := keyMID(m)
	if prev, ok := t.midOfRef[ref]; ok && prev != key {
		delete(t.byMID, prev)
	}
	t.byMID[key] = ref
	t.midOfRef[ref] = key
	if len(m.Token) > 0 {
		t.byToken[keyToken(m)] = ref
	}
	return nil
}

// Lookup finds the handler for an inbound message. The MID index answers
// first; when the message carries a token whose binding disagrees, the token
// wins — the peer may have reused a MID while the token is still ours.
func (t *Table) Lookup(m *message.Message) OutboundHandler {
	byMID := t.byMID[keyMID(m)]
	var byToken *handlerRef
	if len(m.Token) > 0 {
		byToken = t.byToken[keyToken(m)]
	}
	if byToken != nil && byToken.alive() {
		if byMID != nil && byMID != byToken {
			t.log.WithFields(logrus.Fields{
				"mid":   m.MessageID,
				"token": m.Token.String(),
			}).Debug("MID and token indexes disagree, preferring token")
		}
		return byToken.h
	}
	if byMID != nil && byMID.alive() {
		return byMID.h
	}
	return nil
}

// Unregister removes the bindings of the given handler ref.
func (t *Table) Unregister(ref *handlerRef) {
	if ref == nil {
		return
	}
	ref.release()
	if key, ok := t.midOfRef[ref]; ok {
		delete(t.byMID, key)
		delete(t.midOfRef, ref)
	}
	for k, r := range t.byToken {
		if r == ref {
			delete(t.byToken, k)
		}
	}
}

// Reset drops every binding.
func (t *Table) Reset() {
	t.byMID = make(map[KeyMID]*handlerRef)
	t.byToken = make(map[KeyToken]*handlerRef)
	t.midOfRef = make(map[*handlerRef]KeyMID)
}

// Cleanup sweeps entries whose handler ref has been released.
func (t *Table) Cleanup() {
	for k, r := range t.byMID {
		if !r.alive() {
			delete(t.byMID, k)
			delete(t.midOfRef, r)
		}
	}
	for k, r := range t.byToken {
		if !r.alive() {
			delete(t.byToken, k)
		}
	}
}

// PendingCount returns the number of live MID bindings, for tests.
func (t *Table) PendingCount() int { return len(t.byMID) }
