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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

// testNet is a loop network with a client endpoint, a server endpoint and a
// datagram tap for wire-level assertions.
type testNet struct {
	network  *transport.LoopNetwork
	client   *LocalEndpoint
	server   *LocalEndpoint
	serverTP *transport.Loop
	clientTP *transport.Loop

	mu        sync.Mutex
	fromAddrs []string
}

func newTestNet(t *testing.T, behavior *Behavior) *testNet {
	t.Helper()
	n := &testNet{network: transport.NewLoopNetwork()}
	n.clientTP = n.network.Attach("client")
	n.serverTP = n.network.Attach("server")
	n.client = NewLocalEndpoint(n.clientTP, WithBehavior(behavior))
	n.server = NewLocalEndpoint(n.serverTP, WithBehavior(behavior))
	n.client.Start()
	n.server.Start()
	t.Cleanup(func() {
		n.client.Close()
		n.server.Close()
	})
	return n
}

func (n *testNet) serverAddr() *transport.LoopAddr {
	return &transport.LoopAddr{Name: "server"}
}

// countFrom counts datagrams the network carried from the named sender.
func (n *testNet) countFrom(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, a := range n.fromAddrs {
		if a == name {
			count++
		}
	}
	return count
}

// tap records every datagram's sender; install before traffic starts.
// drop, when non-nil, additionally decides whether to discard the datagram.
func (n *testNet) tap(drop func(data []byte, from, to string) bool) {
	n.network.Drop = func(data []byte, from, to net.Addr) bool {
		n.mu.Lock()
		n.fromAddrs = append(n.fromAddrs, from.String())
		n.mu.Unlock()
		if drop != nil {
			return drop(data, from.String(), to.String())
		}
		return false
	}
}

// transportNull is a shorthand for the sink transport.
func transportNull() transport.Transport { return transport.Null{} }

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flush waits until both executors have drained their queued tasks.
func (n *testNet) flush() {
	for _, ep := range []*LocalEndpoint{n.client, n.server} {
		done := make(chan struct{})
		ep.exec.Execute(func() { close(done) })
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// helloServer installs a handler answering 2.05 "hello" to every request.
func (n *testNet) helloServer() *countingHandler {
	h := &countingHandler{payload: []byte("hello")}
	n.server.SetRequestHandler(h)
	return h
}

// countingHandler answers a fixed payload and counts invocations.
type countingHandler struct {
	mu       sync.Mutex
	payload  []byte
	requests []*message.Message
}

func (h *countingHandler) HandleRequest(req *InboundRequest) {
	h.mu.Lock()
	h.requests = append(h.requests, req.Message())
	payload := h.payload
	h.mu.Unlock()
	req.SendResponse(message.Content, message.TextPlain, payload)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

// collectCallback gathers transaction lifecycle events.
type collectCallback struct {
	mu        sync.Mutex
	responses []*message.Message
	acks      int
	cancels   int
	finishes  int
	errs      []error
}

func (c *collectCallback) OnTransactionResponse(_ *Transaction, m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, m)
}

func (c *collectCallback) OnTransactionAcknowledged(*Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks++
}

func (c *collectCallback) OnTransactionCancelled(*Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
}

func (c *collectCallback) OnTransactionFinished(*Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishes++
}

func (c *collectCallback) OnTransactionError(_ *Transaction, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collectCallback) responseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

func (c *collectCallback) lastResponse() *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil
	}
	return c.responses[len(c.responses)-1]
}
