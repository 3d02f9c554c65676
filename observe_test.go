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
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/coap/message"
)

// observableServer wires a /time resource whose payload the test mutates.
type observableServer struct {
	mu         sync.Mutex
	payload    []byte
	observable *Observable
	mux        *ResourceMux
}

func newObservableServer(n *testNet) *observableServer {
	s := &observableServer{
		payload:    []byte("t0"),
		observable: NewObservable(),
		mux:        NewResourceMux(),
	}
	s.mux.Handle(&Resource{
		Path:       "/time",
		Observable: s.observable,
		Get: func(req *InboundRequest) {
			s.mu.Lock()
			p := s.payload
			s.mu.Unlock()
			req.SendResponse(message.Content, message.TextPlain, p)
		},
	})
	n.server.SetRequestHandler(s.mux)
	return s
}

func (s *observableServer) setPayload(p string) {
	s.mu.Lock()
	s.payload = []byte(p)
	s.mu.Unlock()
}

type countCallback struct {
	mu   sync.Mutex
	has  int
	none int
}

func (c *countCallback) OnHasRemoteObservers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.has++
}

func (c *countCallback) OnNoRemoteObservers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.none++
}

func TestObservationLifecycle(t *testing.T) {
	n := newTestNet(t, testBehavior())
	srv := newObservableServer(n)
	counts := &countCallback{}
	srv.observable.RegisterCallback(counts)

	client := NewClient(n.client)
	cb := &collectCallback{}
	txn, err := client.NewRequestBuilder().
		ChangePath("/time").
		SetObserve(true).
		SetDestination(n.serverAddr()).
		Send()
	if err != nil {
		t.Fatalf("Send: %s", err)
	}
	txn.RegisterCallback(cb)

	// registration response carries the first counter value
	resp, err := txn.Response(3 * time.Second)
	if err != nil {
		t.Fatalf("Response: %s", err)
	}
	if string(resp.Payload) != "t0" {
		t.Errorf("payload: got %q want t0", resp.Payload)
	}
	if v, ok := resp.Options.ObserveValue(); !ok || v != 0 {
		t.Errorf("Observe: got (%d, %v) want 0", v, ok)
	}
	waitFor(t, "observer registered", func() bool { return srv.observable.ObserverCount() == 1 })
	if !txn.IsObserving() {
		t.Errorf("transaction does not report observing")
	}

	// each change delivers with an increasing counter
	srv.setPayload("t1")
	srv.observable.Trigger()
	waitFor(t, "second notification", func() bool { return cb.responseCount() == 2 })
	srv.setPayload("t2")
	srv.observable.Trigger()
	waitFor(t, "third notification", func() bool { return cb.responseCount() == 3 })

	last := cb.lastResponse()
	if string(last.Payload) != "t2" {
		t.Errorf("payload: got %q want t2", last.Payload)
	}
	if v, _ := last.Options.ObserveValue(); v != 2 {
		t.Errorf("Observe: got %d want 2", v)
	}

	// an unchanged payload is suppressed
	srv.observable.Trigger()
	n.flush()
	time.Sleep(50 * time.Millisecond)
	if got := cb.responseCount(); got != 3 {
		t.Errorf("identical payload was not suppressed: %d notifications", got)
	}

	counts.mu.Lock()
	has := counts.has
	counts.mu.Unlock()
	if has != 1 {
		t.Errorf("OnHasRemoteObservers fired %d times, want 1", has)
	}
}

func TestObservationCancel(t *testing.T) {
	n := newTestNet(t, testBehavior())
	srv := newObservableServer(n)
	counts := &countCallback{}
	srv.observable.RegisterCallback(counts)

	client := NewClient(n.client)
	cb := &collectCallback{}
	txn, err := client.NewRequestBuilder().
		ChangePath("/time").
		SetObserve(true).
		SetDestination(n.serverAddr()).
		Send()
	if err != nil {
		t.Fatalf("Send: %s", err)
	}
	txn.RegisterCallback(cb)
	if _, err := txn.Response(3 * time.Second); err != nil {
		t.Fatalf("Response: %s", err)
	}
	waitFor(t, "observer registered", func() bool { return srv.observable.ObserverCount() == 1 })

	// cancel re-sends the request without Observe; the registry drops the
	// entry and later triggers produce no traffic for the token
	txn.Cancel()
	waitFor(t, "observer dropped", func() bool { return srv.observable.ObserverCount() == 0 })
	if !txn.IsCancelled() {
		t.Errorf("transaction not cancelled")
	}

	before := cb.responseCount()
	srv.setPayload("t9")
	srv.observable.Trigger()
	n.flush()
	time.Sleep(50 * time.Millisecond)
	if got := cb.responseCount(); got != before {
		t.Errorf("cancelled observer still received notifications")
	}
	counts.mu.Lock()
	none := counts.none
	counts.mu.Unlock()
	if none != 1 {
		t.Errorf("OnNoRemoteObservers fired %d times, want 1", none)
	}
}

func TestObserveReorderedNotificationDropped(t *testing.T) {
	ep := NewLocalEndpoint(transportNull(), WithBehavior(testBehavior()))
	ep.Start()
	defer ep.Close()

	req := message.NewRequest(true, message.GET, "/time")
	req.Options = req.Options.SetUint(message.Observe, observeRegister)
	req.RemoteAddr = testPeer("server")
	txn := newTransaction(ep, req, "", 0, false)
	cb := &collectCallback{}
	txn.RegisterCallback(cb)
	txn.mu.Lock()
	txn.state = StateSent
	txn.mu.Unlock()

	mkNotification := func(seq uint32, payload string) *message.Message {
		m := &message.Message{
			Type:       message.Confirmable,
			Code:       message.Content,
			MessageID:  int32(seq) + 100,
			Token:      message.Token{0x01},
			Options:    message.Options{}.SetUint(message.Observe, seq),
			Payload:    []byte(payload),
			Inbound:    true,
			RemoteAddr: testPeer("server"),
		}
		return m
	}

	txn.OnResponse(mkNotification(2, "new"))
	if got := cb.responseCount(); got != 1 {
		t.Fatalf("first notification not delivered")
	}
	// a stale counter must be dropped
	txn.OnResponse(mkNotification(1, "old"))
	if got := cb.responseCount(); got != 1 {
		t.Errorf("reordered notification was delivered")
	}
	if string(cb.lastResponse().Payload) != "new" {
		t.Errorf("stale response overwrote the latest")
	}
	// a re-registration (Observe=0) is always accepted
	txn.OnResponse(mkNotification(0, "reset"))
	if got := cb.responseCount(); got != 2 {
		t.Errorf("Observe=0 notification was dropped")
	}
}

func TestObserverHookSuppressionAndForce(t *testing.T) {
	ep := NewLocalEndpoint(transportNull(), WithBehavior(testBehavior()))
	ep.Start()
	defer ep.Close()

	o := NewObservable()
	inbound := &message.Message{
		Type:       message.Confirmable,
		Code:       message.GET,
		MessageID:  1,
		Token:      message.Token{0xEE},
		Options:    message.Options{}.SetUint(message.Observe, observeRegister),
		Inbound:    true,
		RemoteAddr: testPeer("client"),
	}
	ob := &remoteObserver{
		o:         o,
		key:       keyToken(inbound),
		req:       newInboundRequest(ep, inbound),
		forceNext: true,
	}
	ob.ref = newHandlerRef(ob)
	o.observers[ob.key] = ob

	mkResp := func(payload string) *message.Message {
		m := message.NewResponse(inbound, message.Content)
		m.Payload = []byte(payload)
		return m
	}

	first := ob.hook(mkResp("a"))
	if first == nil {
		t.Fatalf("registration response suppressed")
	}
	if v, _ := first.Options.ObserveValue(); v != 0 {
		t.Errorf("first Observe: got %d want 0", v)
	}
	// identical payload suppressed
	if m := ob.hook(mkResp("a")); m != nil {
		t.Errorf("identical payload not suppressed")
	}
	// the keepalive force flag overrides suppression
	ob.forceNext = true
	forced := ob.hook(mkResp("a"))
	if forced == nil {
		t.Fatalf("forced notification suppressed")
	}
	if v, _ := forced.Options.ObserveValue(); v != 1 {
		t.Errorf("forced Observe: got %d want 1", v)
	}
	// changed payload passes
	changed := ob.hook(mkResp("b"))
	if changed == nil {
		t.Fatalf("changed payload suppressed")
	}
	if v, _ := changed.Options.ObserveValue(); v != 2 {
		t.Errorf("changed Observe: got %d want 2", v)
	}
}

func TestObservableRefreshKeepsSlot(t *testing.T) {
	n := newTestNet(t, testBehavior())
	srv := newObservableServer(n)
	peer := newRawPeer(t, n, "raw")

	reg := &message.Message{
		Type:      message.Confirmable,
		Code:      message.GET,
		MessageID: 0x10,
		Token:     message.Token{0x77},
		Options:   message.Options{}.SetPath("/time").SetUint(message.Observe, observeRegister),
	}
	peer.send(t, reg, n.serverAddr())
	first := peer.wait(t)
	if v, ok := first.Options.ObserveValue(); !ok || v != 0 {
		t.Fatalf("registration response Observe: got (%d, %v)", v, ok)
	}
	waitFor(t, "registered", func() bool { return srv.observable.ObserverCount() == 1 })

	// fresh registration on the same token: keep-alive, not a new observer
	refresh := reg.Clone()
	refresh.MessageID = 0x11
	peer.send(t, refresh, n.serverAddr())
	ack := peer.wait(t)
	if !ack.IsEmpty() || ack.Type != message.Acknowledgement {
		t.Errorf("refresh answered with %s, want empty ACK", ack)
	}
	if got := srv.observable.ObserverCount(); got != 1 {
		t.Errorf("observer count after refresh: %d", got)
	}
}
