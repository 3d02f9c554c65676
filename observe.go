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
	"bytes"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
)

// observeRegister and observeDeregister are the Observe option values of
// RFC 7641 Section 2.
const (
	observeRegister   = 0
	observeDeregister = 1
)

// defaultNotificationMaxAge applies when a handler response carries no
// Max-Age option (RFC 7252 Section 5.10.5 default).
const defaultNotificationMaxAge = 60 * time.Second

// minObserverKeepalive floors the keepalive interval derived from Max-Age.
const minObserverKeepalive = 100 * time.Millisecond

// ObservableCallback is notified when a resource gains its first remote
// observer and when it loses its last one.
type ObservableCallback interface {
	OnHasRemoteObservers()
	OnNoRemoteObservers()
}

// Observable tracks the remote observers of one server resource.
//
//	The entry in the list of observers is keyed by the client endpoint
//	and the token specified by the client in the request.  If an entry
//	with a matching endpoint/token pair is already present in the list
//	... the server MUST NOT add a new entry but MUST replace or update
//	the existing one
//
// https://tools.ietf.org/html/rfc7641#section-4.1
type Observable struct {
	log *logrus.Entry

	mu        sync.Mutex
	observers map[KeyToken]*remoteObserver
	deps      []*Observable
	callbacks []ObservableCallback
	ep        *LocalEndpoint
}

// NewObservable creates an empty registry.
func NewObservable() *Observable {
	return &Observable{
		log:       logrus.WithField("component", "observable"),
		observers: make(map[KeyToken]*remoteObserver),
	}
}

// HandleInboundRequest inspects a request for observation semantics. It must
// be called by the resource handler before producing a response, on the
// endpoint's executor. A true return means the registry took ownership of the
// request and will produce (or already produced) the response; false means
// the handler should respond normally.
func (o *Observable) HandleInboundRequest(req *InboundRequest) bool {
	if req.hook != nil {
		// replayed by a trigger: let the handler produce the update
		return false
	}
	m := req.Message()
	key := keyToken(m)
	obsVal, hasObserve := m.Options.ObserveValue()
	register := hasObserve && obsVal == observeRegister

	o.mu.Lock()
	existing := o.observers[key]
	switch {
	case existing != nil && register:
		// keep-alive refresh: acknowledge, drop the duplicate, keep the slot
		o.log.WithField("key", key.String()).Debug("observer refreshed registration")
		existing.forceNext = true
		o.mu.Unlock()
		req.Acknowledge()
		return true
	case existing != nil:
		// registration withdrawn, explicitly or by a plain request
		fire := o.ejectLocked(existing)
		o.mu.Unlock()
		o.fire(fire)
		return false
	case register:
		ob := &remoteObserver{
			o:         o,
			key:       key,
			req:       req,
			forceNext: true,
		}
		ob.ref = newHandlerRef(ob)
		o.ep = req.Endpoint()
		req.SetResponsePending()
		req.setResponseHook(ob.hook, ob.ref)
		o.observers[key] = ob
		count := len(o.observers)
		var fire []ObservableCallback
		if count == 1 {
			fire = append(fire, o.callbacks...)
		}
		o.mu.Unlock()
		o.log.WithFields(logrus.Fields{
			"key":   key.String(),
			"count": count,
		}).Debug("added remote observer")
		for _, cb := range fire {
			cb.OnHasRemoteObservers()
		}
		return false
	default:
		o.mu.Unlock()
		return false
	}
}

// Trigger re-runs the resource handler for every observer and sends each the
// updated response, then triggers dependent observables.
func (o *Observable) Trigger() {
	ep := o.endpoint()
	if ep == nil {
		return
	}
	ep.exec.Execute(func() {
		for _, ob := range o.snapshot() {
			ob.replay()
		}
		for _, dep := range o.dependencies() {
			dep.Trigger()
		}
	})
}

// TriggerWithMessage sends the given message to every observer, copied per
// observer and run through the same counting and suppression hook, without
// re-running the handler.
func (o *Observable) TriggerWithMessage(m *message.Message) {
	ep := o.endpoint()
	if ep == nil {
		return
	}
	ep.exec.Execute(func() {
		for _, ob := range o.snapshot() {
			ob.sendCopy(m)
		}
		for _, dep := range o.dependencies() {
			dep.TriggerWithMessage(m)
		}
	})
}

func (o *Observable) endpoint() *LocalEndpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ep
}

func (o *Observable) snapshot() []*remoteObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*remoteObserver, 0, len(o.observers))
	for _, ob := range o.observers {
		out = append(out, ob)
	}
	return out
}

func (o *Observable) dependencies() []*Observable {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Observable, len(o.deps))
	copy(out, o.deps)
	return out
}

// ObserverCount returns the number of registered observers.
func (o *Observable) ObserverCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.observers)
}

// EjectObservers drops every observer without notifying the peers.
func (o *Observable) EjectObservers() {
	o.mu.Lock()
	var fire []ObservableCallback
	for _, ob := range o.observers {
		fire = append(fire, o.ejectLocked(ob)...)
	}
	o.mu.Unlock()
	o.fire(fire)
}

// AddDependency registers another observable to be triggered after this one's
// direct observers.
func (o *Observable) AddDependency(dep *Observable) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deps = append(o.deps, dep)
}

// RemoveDependency removes a dependency added with AddDependency.
func (o *Observable) RemoveDependency(dep *Observable) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, d := range o.deps {
		if d == dep {
			o.deps = append(o.deps[:i], o.deps[i+1:]...)
			return
		}
	}
}

// RegisterCallback adds an observer-count callback.
func (o *Observable) RegisterCallback(cb ObservableCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, cb)
}

// UnregisterCallback removes an observer-count callback.
func (o *Observable) UnregisterCallback(cb ObservableCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, c := range o.callbacks {
		if c == cb {
			o.callbacks = append(o.callbacks[:i], o.callbacks[i+1:]...)
			return
		}
	}
}

// eject removes one observer and fires the zero-transition callback.
func (o *Observable) eject(ob *remoteObserver) {
	o.mu.Lock()
	fire := o.ejectLocked(ob)
	o.mu.Unlock()
	o.fire(fire)
}

// ejectLocked returns the callbacks to fire once the lock is released.
func (o *Observable) ejectLocked(ob *remoteObserver) []ObservableCallback {
	if ob.closed {
		return nil
	}
	ob.closed = true
	ob.keepalive.Stop()
	ob.ref.release()
	delete(o.observers, ob.key)
	o.log.WithFields(logrus.Fields{
		"key":   ob.key.String(),
		"count": len(o.observers),
	}).Debug("removed remote observer")
	if len(o.observers) == 0 {
		out := make([]ObservableCallback, len(o.callbacks))
		copy(out, o.callbacks)
		return out
	}
	return nil
}

func (o *Observable) fire(cbs []ObservableCallback) {
	for _, cb := range cbs {
		cb.OnNoRemoteObservers()
	}
}

// remoteObserver is one (token, peer) entry: it owns the captured inbound
// request slot and synthesizes notification responses into it. Its mutable
// fields are guarded by the owning Observable's mutex.
type remoteObserver struct {
	o   *Observable
	key KeyToken
	req *InboundRequest
	ref *handlerRef

	count       uint32
	lastPayload []byte
	hasLast     bool
	forceNext   bool
	keepalive   *TimerHandle
	closed      bool
}

// hook intercepts every response leaving the captured slot: it suppresses
// payloads identical to the last sent one unless a force-send is due, stamps
// the Observe counter, and arms the keepalive from the response's Max-Age.
func (ob *remoteObserver) hook(m *message.Message) *message.Message {
	ob.o.mu.Lock()
	if ob.closed {
		ob.o.mu.Unlock()
		return m
	}
	if !m.Code.IsResponse() || m.Code.Class() != 2 {
		// error responses pass through unstamped and end the observation
		fire := ob.o.ejectLocked(ob)
		ob.o.mu.Unlock()
		ob.o.fire(fire)
		return m
	}
	if !ob.forceNext && ob.hasLast && bytes.Equal(m.Payload, ob.lastPayload) {
		ob.o.mu.Unlock()
		return nil
	}
	ob.forceNext = false
	ob.hasLast = true
	ob.lastPayload = append([]byte(nil), m.Payload...)
	m.Options = m.Options.SetUint(message.Observe, ob.count)
	ob.count++
	ob.o.mu.Unlock()
	ob.armKeepalive(m)
	return m
}

// armKeepalive schedules a forced notification at Max-Age minus one second.
func (ob *remoteObserver) armKeepalive(m *message.Message) {
	maxAge := defaultNotificationMaxAge
	if v, ok := m.Options.Uint(message.MaxAge); ok {
		maxAge = time.Duration(v) * time.Second
	}
	d := maxAge - time.Second
	if d < minObserverKeepalive {
		d = minObserverKeepalive
	}
	ep := ob.req.Endpoint()
	ka := ep.exec.Schedule(d, func() {
		ob.o.mu.Lock()
		closed := ob.closed
		ob.forceNext = !closed
		ob.o.mu.Unlock()
		if !closed {
			ob.replay()
		}
	})
	ob.o.mu.Lock()
	ob.keepalive.Stop()
	ob.keepalive = ka
	ob.o.mu.Unlock()
}

// replay re-runs the resource handler against a synthetic copy of the
// original request; the hook turns the handler's answer into a notification.
func (ob *remoteObserver) replay() {
	ob.o.mu.Lock()
	closed := ob.closed
	ob.o.mu.Unlock()
	if closed {
		return
	}
	ep := ob.req.Endpoint()
	h := ep.requestHandler
	if h == nil {
		return
	}
	synth := newInboundRequest(ep, ob.req.Message().Clone())
	// mark acknowledged so the response leaves as a separate confirmable
	// with a fresh MID rather than re-using the registration's ACK slot
	synth.acked = true
	synth.setResponseHook(ob.hook, ob.ref)
	h.HandleRequest(synth)
}

// sendCopy delivers a prepared message to this observer without invoking the
// handler.
func (ob *remoteObserver) sendCopy(src *message.Message) {
	ob.o.mu.Lock()
	closed := ob.closed
	ob.o.mu.Unlock()
	if closed {
		return
	}
	m := src.Clone()
	orig := ob.req.Message()
	m.Type = message.Confirmable
	m.MessageID = message.NoMessageID
	m.Token = orig.Token.Clone()
	m.LocalAddr = orig.LocalAddr
	m.RemoteAddr = orig.RemoteAddr
	m = ob.hook(m)
	if m == nil {
		return
	}
	ep := ob.req.Endpoint()
	if err := ep.sendResponseMessage(m, ob.ref); err != nil {
		ep.log.WithError(err).Warn("failed to send observer notification")
	}
}

// --- OutboundHandler for notification fate -----------------------------

// OnReset ejects the observer: the peer no longer recognizes the token.
//
//	When the server then sends the next notification, the client will not
//	recognize the token in the message and thus will return a Reset
//	message.  This causes the server to remove the associated entry from
//	the list of observers.
//
// https://tools.ietf.org/html/rfc7641#section-3.6
func (ob *remoteObserver) OnReset() {
	ob.o.eject(ob)
}

// OnRetransmitTimeout ejects the observer after an unacknowledged CON
// notification exhausts its retransmissions.
func (ob *remoteObserver) OnRetransmitTimeout() {
	ob.o.eject(ob)
}

func (ob *remoteObserver) OnResponse(*message.Message) {}
func (ob *remoteObserver) OnAcknowledged()             {}

func (ob *remoteObserver) OnError(err error) {
	ob.req.Endpoint().log.WithError(err).Debug("observer notification failed")
}
