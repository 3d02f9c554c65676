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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

// ErrResetByPeer is delivered when the peer rejects our confirmable with RST.
var ErrResetByPeer = errors.New("reset by peer")

// Observation keepalive bounds: Max-Age is clamped into [10s, 120s] with a
// 20s default, then shaved by up to 10% jitter.
const (
	observeKeepaliveMin     = 10 * time.Second
	observeKeepaliveMax     = 120 * time.Second
	observeKeepaliveDefault = 20 * time.Second
)

// TransactionState is the lifecycle position of a Transaction.
type TransactionState int

const (
	StateIdle TransactionState = iota
	StateResolving
	StateSent
	StateResponded
	StateFinished
	StateCancelled
)

var stateNames = map[TransactionState]string{
	StateIdle:      "IDLE",
	StateResolving: "RESOLVING",
	StateSent:      "SENT",
	StateResponded: "RESPONDED",
	StateFinished:  "FINISHED",
	StateCancelled: "CANCELLED",
}

func (s TransactionState) String() string { return stateNames[s] }

// TransactionCallback observes a transaction's lifecycle. All methods fire on
// the endpoint's executor; implementations must not block.
type TransactionCallback interface {
	OnTransactionResponse(t *Transaction, m *message.Message)
	OnTransactionAcknowledged(t *Transaction)
	OnTransactionCancelled(t *Transaction)
	OnTransactionFinished(t *Transaction)
	OnTransactionError(t *Transaction, err error)
}

// CallbackFuncs adapts optional funcs to a TransactionCallback.
type CallbackFuncs struct {
	Response     func(t *Transaction, m *message.Message)
	Acknowledged func(t *Transaction)
	Cancelled    func(t *Transaction)
	Finished     func(t *Transaction)
	Error        func(t *Transaction, err error)
}

func (c *CallbackFuncs) OnTransactionResponse(t *Transaction, m *message.Message) {
	if c.Response != nil {
		c.Response(t, m)
	}
}

func (c *CallbackFuncs) OnTransactionAcknowledged(t *Transaction) {
	if c.Acknowledged != nil {
		c.Acknowledged(t)
	}
}

func (c *CallbackFuncs) OnTransactionCancelled(t *Transaction) {
	if c.Cancelled != nil {
		c.Cancelled(t)
	}
}

func (c *CallbackFuncs) OnTransactionFinished(t *Transaction) {
	if c.Finished != nil {
		c.Finished(t)
	}
}

func (c *CallbackFuncs) OnTransactionError(t *Transaction, err error) {
	if c.Error != nil {
		c.Error(t, err)
	}
}

// Transaction is the application-facing handle for one outbound request:
// it tracks resolution, dispatch, acknowledgement, responses and lifecycle,
// and for observing requests keeps the registration alive.
type Transaction struct {
	id  string
	ep  *LocalEndpoint
	log *logrus.Entry

	// request is the original request; retransmissions and keepalive
	// restarts re-derive from it.
	request  *message.Message
	destHost string
	destPort int
	omitURI  bool

	ref *handlerRef

	mu      sync.Mutex
	changed chan struct{}

	state        TransactionState
	response     *message.Message
	err          error
	acknowledged bool
	multicast    bool
	observing    bool

	prevObserve uint32
	seenObserve bool

	keepalive    *TimerHandle
	cancelLookup func()

	callbacks []TransactionCallback
}

func newTransaction(ep *LocalEndpoint, req *message.Message, host string, port int, omitURI bool) *Transaction {
	t := &Transaction{
		id:       xid.New().String(),
		ep:       ep,
		request:  req,
		destHost: host,
		destPort: port,
		omitURI:  omitURI,
		changed:  make(chan struct{}),
		state:    StateIdle,
	}
	t.log = ep.log.WithField("transaction", t.id)
	t.ref = newHandlerRef(t)
	t.observing = req.Options.Has(message.Observe)
	return t
}

// ID returns the transaction's correlation id.
func (t *Transaction) ID() string { return t.id }

// Request returns the original request message.
func (t *Transaction) Request() *message.Message { return t.request }

func (t *Transaction) IsCancelled() bool { return t.stateIs(StateCancelled) }
func (t *Transaction) IsObserving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observing
}
func (t *Transaction) IsMulticast() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multicast
}
func (t *Transaction) IsAcknowledged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acknowledged
}
func (t *Transaction) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateResolving || t.state == StateSent || t.state == StateResponded
}

// IsFinishedAfterFirstResponse reports whether a single response completes
// the transaction: true unless it observes or targets a multicast group.
func (t *Transaction) IsFinishedAfterFirstResponse() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.observing && !t.multicast
}

func (t *Transaction) stateIs(s TransactionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == s
}

// State returns the current lifecycle state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RegisterCallback adds a lifecycle callback.
func (t *Transaction) RegisterCallback(cb TransactionCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// UnregisterCallback removes a previously registered callback.
func (t *Transaction) UnregisterCallback(cb TransactionCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.callbacks {
		if c == cb {
			t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
			return
		}
	}
}

func (t *Transaction) eachCallback(fn func(cb TransactionCallback)) {
	t.mu.Lock()
	cbs := make([]TransactionCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()
	for _, cb := range cbs {
		fn(cb)
	}
}

// notifyChangedLocked wakes Response waiters. Callers hold t.mu.
func (t *Transaction) notifyChangedLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Restart re-issues the request with a fresh MID on the same token. Used by
// the observation keepalive and after address resolution completes.
func (t *Transaction) Restart() {
	t.dispatch()
}

// Start resolves and dispatches the request. Invoked by RequestBuilder.Send.
func (t *Transaction) start() {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return
	}
	t.state = StateResolving
	t.notifyChangedLocked()
	t.mu.Unlock()

	cancel := resolveDestination(t.ep.resolver, t.request, t.destHost, t.destPort, t.resolved)
	t.mu.Lock()
	if t.state == StateResolving {
		t.cancelLookup = cancel
	} else {
		cancel()
	}
	t.mu.Unlock()
}

// resolved receives the address lookup result (any goroutine).
func (t *Transaction) resolved(addr net.Addr, err error) {
	t.ep.exec.Execute(func() {
		t.mu.Lock()
		t.cancelLookup = nil
		cancelled := t.state == StateCancelled
		t.mu.Unlock()
		if cancelled {
			return
		}
		if err != nil {
			t.fail(err)
			return
		}
		t.mu.Lock()
		t.request.RemoteAddr = addr
		t.request.LocalAddr = t.ep.tp.LocalAddr()
		t.multicast = transport.IsMulticast(addr)
		if t.multicast {
			// multicast requests must be non-confirmable
			t.request.Type = message.NonConfirmable
		}
		if t.omitURI {
			t.request.Options = t.request.Options.Del(message.URIHost).Del(message.URIPort)
		}
		t.mu.Unlock()
		t.dispatch()
	})
}

// dispatch hands the request to the endpoint with a fresh MID.
func (t *Transaction) dispatch() {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateFinished {
		t.mu.Unlock()
		return
	}
	t.state = StateSent
	t.request.MessageID = message.NoMessageID
	m := t.request
	t.notifyChangedLocked()
	t.mu.Unlock()
	t.ep.sendRequestRef(m, t.ref)
}

// --- OutboundHandler ---------------------------------------------------

// OnResponse delivers a matched response on the executor.
func (t *Transaction) OnResponse(m *message.Message) {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateFinished {
		shouldReject := t.state == StateCancelled && !t.multicast &&
			(m.Type == message.Confirmable || m.Type == message.NonConfirmable)
		t.mu.Unlock()
		if shouldReject {
			t.ep.stack.OutboundResponse(message.NewReset(m), nil)
		}
		return
	}
	if t.observing {
		if next, ok := m.Options.ObserveValue(); ok {
			if t.seenObserve && next > 0 && next <= t.prevObserve {
				t.log.WithFields(logrus.Fields{
					"prev": t.prevObserve,
					"next": next,
				}).Debug("dropping reordered observe notification")
				t.mu.Unlock()
				return
			}
			t.prevObserve = next
			t.seenObserve = true
		}
	}
	t.response = m
	t.state = StateResponded
	if m.Type == message.Acknowledgement {
		t.acknowledged = true
	}
	observing, multicast := t.observing, t.multicast
	t.notifyChangedLocked()
	t.mu.Unlock()

	t.eachCallback(func(cb TransactionCallback) { cb.OnTransactionResponse(t, m) })

	if observing {
		t.rescheduleKeepalive(m)
		return
	}
	if !multicast {
		t.finish()
	}
}

// rescheduleKeepalive arms the observation refresh from the response's
// Max-Age, clamped and jittered.
func (t *Transaction) rescheduleKeepalive(m *message.Message) {
	d := observeKeepaliveDefault
	if maxAge, ok := m.Options.Uint(message.MaxAge); ok {
		d = time.Duration(maxAge) * time.Second
	}
	if d < observeKeepaliveMin {
		d = observeKeepaliveMin
	}
	if d > observeKeepaliveMax {
		d = observeKeepaliveMax
	}
	d = t.ep.behavior.ObserveJitter(d)
	t.mu.Lock()
	t.keepalive.Stop()
	t.mu.Unlock()
	ka := t.ep.exec.Schedule(d, func() {
		if t.IsActive() {
			t.log.Debug("observation keepalive: re-issuing request")
			t.Restart()
		}
	})
	t.mu.Lock()
	t.keepalive = ka
	t.mu.Unlock()
}

// OnAcknowledged records the peer's empty ACK.
func (t *Transaction) OnAcknowledged() {
	t.mu.Lock()
	t.acknowledged = true
	t.notifyChangedLocked()
	t.mu.Unlock()
	t.eachCallback(func(cb TransactionCallback) { cb.OnTransactionAcknowledged(t) })
}

// OnReset treats the peer's RST as terminal.
func (t *Transaction) OnReset() {
	t.fail(ErrResetByPeer)
}

// OnRetransmitTimeout reports MAX_TRANSMIT_WAIT exhaustion.
func (t *Transaction) OnRetransmitTimeout() {
	t.fail(ErrTimeout)
}

// OnError reports a local failure.
func (t *Transaction) OnError(err error) {
	t.fail(err)
}

func (t *Transaction) fail(err error) {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateFinished {
		t.mu.Unlock()
		return
	}
	t.err = err
	t.notifyChangedLocked()
	t.mu.Unlock()
	t.eachCallback(func(cb TransactionCallback) { cb.OnTransactionError(t, err) })
	t.finish()
}

// finish closes the transaction and releases its table bindings.
func (t *Transaction) finish() {
	t.mu.Lock()
	if t.state == StateFinished || t.state == StateCancelled {
		t.mu.Unlock()
		return
	}
	t.state = StateFinished
	keepalive := t.keepalive
	t.keepalive = nil
	t.notifyChangedLocked()
	t.mu.Unlock()

	keepalive.Stop()
	t.teardown()
	t.eachCallback(func(cb TransactionCallback) { cb.OnTransactionFinished(t) })
}

// teardown releases executor-owned bookkeeping.
func (t *Transaction) teardown() {
	t.ep.exec.Execute(func() {
		t.ep.table.Unregister(t.ref)
	})
}

// Cancel invalidates the transaction. An observing transaction additionally
// re-sends the original request without the Observe option so the server
// deregisters the observer.
func (t *Transaction) Cancel() {
	t.mu.Lock()
	deregister := t.observing && (t.state == StateSent || t.state == StateResponded)
	var m *message.Message
	if deregister {
		m = t.request.Clone()
		m.MessageID = message.NoMessageID
		m.Options = m.Options.Del(message.Observe)
	}
	t.mu.Unlock()
	if m != nil {
		t.ep.SendRequest(m, nil)
	}
	t.CancelWithoutUnobserve()
}

// CancelWithoutUnobserve invalidates the transaction without telling the
// server to drop the observation. Idempotent: the cancelled/finished pair of
// callbacks fires exactly once.
func (t *Transaction) CancelWithoutUnobserve() {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateFinished {
		t.mu.Unlock()
		return
	}
	t.state = StateCancelled
	t.err = ErrCancelled
	cancelLookup := t.cancelLookup
	t.cancelLookup = nil
	keepalive := t.keepalive
	t.keepalive = nil
	t.notifyChangedLocked()
	t.mu.Unlock()

	if cancelLookup != nil {
		cancelLookup()
	}
	keepalive.Stop()
	t.teardown()
	t.eachCallback(func(cb TransactionCallback) { cb.OnTransactionCancelled(t) })
	t.eachCallback(func(cb TransactionCallback) { cb.OnTransactionFinished(t) })
}

// Response blocks the calling goroutine until a response arrives, the
// transaction fails, or the timeout elapses. A timeout of zero waits
// indefinitely. Multicast transactions return (nil, nil) on timeout; others
// return ErrTimeout.
func (t *Transaction) Response(timeout time.Duration) (*message.Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		t.mu.Lock()
		switch {
		case t.response != nil:
			m := t.response
			t.mu.Unlock()
			return m, nil
		case t.err != nil:
			err := t.err
			t.mu.Unlock()
			return nil, err
		case t.state == StateCancelled:
			t.mu.Unlock()
			return nil, ErrCancelled
		case t.state == StateFinished:
			t.mu.Unlock()
			return nil, ErrTimeout
		}
		ch := t.changed
		multicast := t.multicast
		t.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			if multicast {
				return nil, nil
			}
			return nil, ErrTimeout
		}
	}
}
