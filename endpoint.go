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
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

// cleanupInterval is how often the endpoint sweeps expired layer and table
// state.
const cleanupInterval = 2 * time.Minute

// RequestHandler is the application's server-side entry point.
type RequestHandler interface {
	HandleRequest(req *InboundRequest)
}

// HandlerFunc adapts a function to a RequestHandler.
type HandlerFunc func(req *InboundRequest)

func (f HandlerFunc) HandleRequest(req *InboundRequest) { f(req) }

// LocalEndpoint binds one transport to one layer stack and its bookkeeping
// All state is owned by the endpoint's executor; the public methods may
// be called from any goroutine and post onto it.
type LocalEndpoint struct {
	id       string
	behavior *Behavior
	exec     *Executor
	stack    *Stack
	table    *Table
	tp       transport.Transport
	resolver AddressResolver
	log      *logrus.Entry

	intMu          sync.RWMutex
	interceptor    Interceptor
	requestHandler RequestHandler
	proxyHandler   RequestHandler

	cleanupTimer  *TimerHandle
	cancelAtClose []func()
	started       bool
	closed        bool
}

// EndpointOption customizes a LocalEndpoint at construction.
type EndpointOption func(*LocalEndpoint)

// WithBehavior replaces the default behavior context.
func WithBehavior(b *Behavior) EndpointOption {
	return func(ep *LocalEndpoint) { ep.behavior = b }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Entry) EndpointOption {
	return func(ep *LocalEndpoint) { ep.log = log }
}

// WithResolver replaces the default DNS resolver.
func WithResolver(r AddressResolver) EndpointOption {
	return func(ep *LocalEndpoint) { ep.resolver = r }
}

// NewLocalEndpoint wraps a transport in an endpoint. Call Start to begin
// receiving.
func NewLocalEndpoint(tp transport.Transport, opts ...EndpointOption) *LocalEndpoint {
	ep := &LocalEndpoint{
		id:       xid.New().String(),
		behavior: DefaultBehavior(),
		tp:       tp,
		resolver: &dnsResolver{},
	}
	for _, opt := range opts {
		opt(ep)
	}
	if ep.log == nil {
		ep.log = logrus.WithField("endpoint", ep.id)
	} else {
		ep.log = ep.log.WithField("endpoint", ep.id)
	}
	ep.exec = NewExecutor(ep.log)
	ep.table = NewTable(ep.behavior, ep.log)
	ep.stack = newStack(ep)
	return ep
}

// ID returns the endpoint's correlation id used in logs.
func (ep *LocalEndpoint) ID() string { return ep.id }

// Behavior returns the endpoint's protocol constants.
func (ep *LocalEndpoint) Behavior() *Behavior { return ep.behavior }

// Transport returns the underlying transport.
func (ep *LocalEndpoint) Transport() transport.Transport { return ep.tp }

// SetRequestHandler installs the application handler for inbound requests.
func (ep *LocalEndpoint) SetRequestHandler(h RequestHandler) {
	ep.exec.Execute(func() { ep.requestHandler = h })
}

// SetProxyHandler installs the handler for requests carrying proxy options.
func (ep *LocalEndpoint) SetProxyHandler(h RequestHandler) {
	ep.exec.Execute(func() { ep.proxyHandler = h })
}

// SetInterceptor installs the wire-level observation hook. Interceptors run
// on transport and executor goroutines and must be safe for that.
func (ep *LocalEndpoint) SetInterceptor(i Interceptor) {
	ep.intMu.Lock()
	ep.interceptor = i
	ep.intMu.Unlock()
}

func (ep *LocalEndpoint) getInterceptor() Interceptor {
	ep.intMu.RLock()
	defer ep.intMu.RUnlock()
	return ep.interceptor
}

// Start begins receiving from the transport and arms the cleanup timer.
func (ep *LocalEndpoint) Start() {
	ep.exec.Execute(func() {
		if ep.started || ep.closed {
			return
		}
		ep.started = true
		ep.tp.SetReceiver(ep.receive)
		ep.scheduleCleanup()
		ep.log.WithField("local", ep.tp.LocalAddr()).Info("endpoint started")
	})
}

// Stop pauses receiving without releasing resources.
func (ep *LocalEndpoint) Stop() {
	ep.exec.Execute(func() {
		if !ep.started {
			return
		}
		ep.started = false
		ep.tp.SetReceiver(nil)
		ep.cleanupTimer.Stop()
	})
}

// Close shuts the endpoint: cancels registered futures, drains the table and
// closes the transport. The endpoint cannot be restarted.
func (ep *LocalEndpoint) Close() error {
	done := make(chan struct{})
	ep.exec.Execute(func() {
		defer close(done)
		if ep.closed {
			return
		}
		ep.closed = true
		ep.started = false
		ep.cleanupTimer.Stop()
		for _, cancel := range ep.cancelAtClose {
			cancel()
		}
		ep.cancelAtClose = nil
		ep.table.Reset()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		ep.log.Warn("timed out draining executor on close")
	}
	err := ep.tp.Close()
	ep.exec.Stop()
	return err
}

// CancelAtClose registers a cancel function invoked when the endpoint closes.
func (ep *LocalEndpoint) CancelAtClose(cancel func()) {
	ep.exec.Execute(func() {
		if ep.closed {
			cancel()
			return
		}
		ep.cancelAtClose = append(ep.cancelAtClose, cancel)
	})
}

// JoinGroup subscribes the transport to a multicast group.
func (ep *LocalEndpoint) JoinGroup(group *net.UDPAddr) error {
	return ep.tp.JoinGroup(group)
}

// LeaveGroup leaves a multicast group.
func (ep *LocalEndpoint) LeaveGroup(group *net.UDPAddr) error {
	return ep.tp.LeaveGroup(group)
}

// AttemptToJoinDefaultCoAPGroups joins the all-CoAP-nodes groups, ignoring
// per-group failures (v6 groups routinely fail on v4-only sockets).
func (ep *LocalEndpoint) AttemptToJoinDefaultCoAPGroups() {
	for _, g := range transport.DefaultMulticastGroups {
		ip := net.ParseIP(g)
		if ip == nil {
			continue
		}
		if err := ep.tp.JoinGroup(&net.UDPAddr{IP: ip, Port: transport.DefaultPort}); err != nil {
			ep.log.WithError(err).WithField("group", g).Debug("could not join multicast group")
		}
	}
}

func (ep *LocalEndpoint) scheduleCleanup() {
	ep.cleanupTimer = ep.exec.Schedule(cleanupInterval, func() {
		now := time.Now()
		ep.stack.Cleanup(now)
		ep.table.Cleanup()
		if ep.started {
			ep.scheduleCleanup()
		}
	})
}

// receive accepts one datagram from the transport's read thread, decodes it
// and hands off to the executor. Parse failures drop the datagram.
func (ep *LocalEndpoint) receive(data []byte, remote net.Addr) {
	if len(data) > ep.behavior.MaxInboundBytes {
		ep.log.WithField("bytes", len(data)).Warn("dropping oversize datagram")
		return
	}
	m, err := message.Decode(data, ep.tp.LocalAddr(), remote)
	if err != nil {
		ep.log.WithError(err).WithField("remote", remote).Debug("dropping malformed datagram")
		return
	}
	if i := ep.getInterceptor(); i != nil {
		i.OnInbound(m)
	}
	ep.exec.Execute(func() { ep.dispatch(m) })
}

// dispatch routes one decoded inbound message. Runs on the executor.
func (ep *LocalEndpoint) dispatch(m *message.Message) {
	if ep.closed {
		return
	}
	switch {
	case m.IsPing():
		// CoAP ping: answer RST straight from the endpoint
		ep.outbox(message.NewReset(m), nil)
	case m.IsRequest():
		if o, ok := m.Options.FirstUnknownCritical(); ok {
			ep.log.WithField("option", o.ID).Debug("rejecting request with unknown critical option")
			ep.rejectBadOption(m)
			return
		}
		ep.stack.InboundRequest(newInboundRequest(ep, m))
	case m.IsResponse() || m.IsEmpty() || m.Type == message.Reset:
		ep.stack.InboundResponse(m)
	default:
		ep.log.WithField("code", m.Code.String()).Debug("dropping message with unroutable code")
	}
}

// rejectBadOption answers a request carrying an unknown critical option
// (RFC 7252 Section 5.4.1).
func (ep *LocalEndpoint) rejectBadOption(m *message.Message) {
	ep.stack.OutboundResponse(message.NewResponse(m, message.BadOption), nil)
}

// SendRequest dispatches an outbound request; the handler receives its fate.
func (ep *LocalEndpoint) SendRequest(m *message.Message, h OutboundHandler) {
	ep.sendRequestRef(m, newHandlerRef(h))
}

func (ep *LocalEndpoint) sendRequestRef(m *message.Message, ref *handlerRef) {
	ep.exec.Execute(func() {
		if ep.closed {
			if ref.alive() {
				ref.h.OnError(ErrClosed)
			}
			return
		}
		if err := ep.table.Register(m, ref); err != nil {
			if ref.alive() {
				ref.h.OnError(err)
			}
			return
		}
		ep.stack.OutboundRequest(m, ref)
	})
}

// SendResponse dispatches an outbound response.
func (ep *LocalEndpoint) SendResponse(m *message.Message) {
	ep.exec.Execute(func() {
		if err := ep.sendResponseMessage(m, nil); err != nil {
			ep.log.WithError(err).Warn("failed to send response")
		}
	})
}

// sendResponseMessage runs on the executor.
func (ep *LocalEndpoint) sendResponseMessage(m *message.Message, ref *handlerRef) error {
	ep.assertOnExecutor()
	if ep.closed {
		return ErrClosed
	}
	if !m.HasMessageID() {
		if err := ep.table.Register(m, ref); err != nil {
			return err
		}
	}
	ep.stack.OutboundResponse(m, ref)
	return nil
}

// outbox is the bottom of the stack: encode, intercept, write to transport.
func (ep *LocalEndpoint) outbox(m *message.Message, ref *handlerRef) {
	if !m.HasMessageID() {
		if err := ep.table.Register(m, ref); err != nil {
			ep.deliverSendError(m, ref, err)
			return
		}
	}
	data, err := m.Encode()
	if err != nil {
		ep.deliverSendError(m, ref, err)
		return
	}
	if len(data) > ep.behavior.MaxOutboundBytes {
		ep.oversize(m, ref)
		return
	}
	if i := ep.getInterceptor(); i != nil {
		i.OnOutbound(m)
	}
	if err := ep.tp.Send(data, m.RemoteAddr); err != nil {
		ep.deliverSendError(m, ref, fmt.Errorf("transport send: %w", err))
	}
}

// oversize handles a message the packet budget rejects: requests fail their
// handler; responses degrade to 5.00 so the peer at least learns of it.
func (ep *LocalEndpoint) oversize(m *message.Message, ref *handlerRef) {
	err := fmt.Errorf("%w: %s", ErrMessageTooLarge, m.Code.Name())
	if m.IsResponse() {
		ep.log.WithField("code", m.Code.String()).Warn("response exceeds outbound budget, sending 5.00")
		fail := &message.Message{
			Type:       m.Type,
			Code:       message.InternalServerError,
			MessageID:  m.MessageID,
			Token:      m.Token.Clone(),
			LocalAddr:  m.LocalAddr,
			RemoteAddr: m.RemoteAddr,
		}
		if data, encErr := fail.Encode(); encErr == nil {
			if i := ep.getInterceptor(); i != nil {
				i.OnOutbound(fail)
			}
			if sendErr := ep.tp.Send(data, fail.RemoteAddr); sendErr != nil {
				ep.log.WithError(sendErr).Warn("failed to send 5.00")
			}
		}
	}
	ep.deliverSendError(m, ref, err)
}

func (ep *LocalEndpoint) deliverSendError(m *message.Message, ref *handlerRef, err error) {
	if ref.alive() {
		ref.h.OnError(err)
		return
	}
	ep.log.WithError(err).WithField("msg", m.String()).Warn("failed to dispatch message")
}

// assertOnExecutor guards executor-owned entry points: calling them from the
// wrong goroutine logs loudly instead of corrupting state silently.
func (ep *LocalEndpoint) assertOnExecutor() {
	if !ep.exec.OnExecutor() {
		ep.log.Warn("executor-owned API invoked off the executor")
	}
}
