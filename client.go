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
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

// Client issues requests through one endpoint and tracks the transactions it
// spawned.
type Client struct {
	ep *LocalEndpoint

	mu     sync.Mutex
	active map[string]*Transaction
}

// NewClient wraps an endpoint in a client.
func NewClient(ep *LocalEndpoint) *Client {
	return &Client{
		ep:     ep,
		active: make(map[string]*Transaction),
	}
}

// Endpoint returns the client's endpoint.
func (c *Client) Endpoint() *LocalEndpoint { return c.ep }

// NewRequestBuilder starts a confirmable GET with no destination set.
func (c *Client) NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		client:      c,
		confirmable: true,
		code:        message.GET,
	}
}

// Ping sends the CoAP ping (an empty CON) and waits for the peer's RST.
func (c *Client) Ping(remote net.Addr, timeout time.Duration) error {
	m := &message.Message{
		Type:       message.Confirmable,
		Code:       message.Empty,
		MessageID:  message.NoMessageID,
		RemoteAddr: remote,
		LocalAddr:  c.ep.tp.LocalAddr(),
	}
	result := make(chan error, 1)
	ref := newHandlerRef(&pingHandler{result: result})
	defer c.ep.exec.Execute(ref.release)
	c.ep.sendRequestRef(m, ref)
	if timeout <= 0 {
		timeout = c.ep.behavior.MaxTransmitWait()
	}
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// pingHandler treats the RST reply as success.
type pingHandler struct {
	result chan error
	once   sync.Once
}

func (p *pingHandler) done(err error) {
	p.once.Do(func() { p.result <- err })
}

func (p *pingHandler) OnReset()                      { p.done(nil) }
func (p *pingHandler) OnAcknowledged()               { p.done(nil) }
func (p *pingHandler) OnResponse(m *message.Message) { p.done(nil) }
func (p *pingHandler) OnRetransmitTimeout()          { p.done(ErrTimeout) }
func (p *pingHandler) OnError(err error)             { p.done(err) }

// CancelAll cancels every active transaction spawned by this client.
func (c *Client) CancelAll() {
	for _, t := range c.ActiveTransactions() {
		t.Cancel()
	}
}

// ActiveTransactions snapshots the transactions that have not finished.
func (c *Client) ActiveTransactions() []*Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Transaction, 0, len(c.active))
	for _, t := range c.active {
		out = append(out, t)
	}
	return out
}

func (c *Client) track(t *Transaction) {
	c.mu.Lock()
	c.active[t.id] = t
	c.mu.Unlock()
	t.RegisterCallback(&CallbackFuncs{
		Finished: func(t *Transaction) {
			c.mu.Lock()
			delete(c.active, t.id)
			c.mu.Unlock()
		},
	})
}

// RequestBuilder assembles one outbound request and its transaction.
type RequestBuilder struct {
	client      *Client
	confirmable bool
	code        message.Code
	payload     []byte
	mediaType   message.MediaType
	hasPayload  bool
	token       message.Token
	options     message.Options
	path        string
	host        string
	port        int
	dest        net.Addr
	omitURI     bool
	observe     bool
	err         error
}

// SetConfirmable selects CON (true, the default) or NON.
func (b *RequestBuilder) SetConfirmable(confirmable bool) *RequestBuilder {
	b.confirmable = confirmable
	return b
}

// SetCode sets the method code.
func (b *RequestBuilder) SetCode(code message.Code) *RequestBuilder {
	if !code.IsRequest() {
		b.fail(fmt.Errorf("%w: %s is not a method code", message.ErrBadOption, code))
		return b
	}
	b.code = code
	return b
}

// SetPayload sets the request body and its content format.
func (b *RequestBuilder) SetPayload(mt message.MediaType, body []byte) *RequestBuilder {
	b.mediaType = mt
	b.payload = body
	b.hasPayload = true
	return b
}

// SetToken overrides the allocated token.
func (b *RequestBuilder) SetToken(t message.Token) *RequestBuilder {
	if len(t) > message.MaxTokenLength {
		b.fail(fmt.Errorf("%w: token of %d bytes", message.ErrMalformed, len(t)))
		return b
	}
	b.token = t.Clone()
	return b
}

// AddOption appends an option, rejecting duplicate singletons.
func (b *RequestBuilder) AddOption(o message.Option) *RequestBuilder {
	oo, err := b.options.Add(o)
	if err != nil {
		b.fail(err)
		return b
	}
	b.options = oo
	return b
}

// ClearOptions drops every option added so far.
func (b *RequestBuilder) ClearOptions() *RequestBuilder {
	b.options = nil
	return b
}

// ChangePath sets the request path.
func (b *RequestBuilder) ChangePath(path string) *RequestBuilder {
	b.path = path
	return b
}

// SetDestination targets a known address, skipping resolution.
func (b *RequestBuilder) SetDestination(addr net.Addr) *RequestBuilder {
	b.dest = addr
	return b
}

// SetHost targets a host name or literal to resolve at send time. A port of
// zero means the default CoAP port.
func (b *RequestBuilder) SetHost(host string, port int) *RequestBuilder {
	b.host = host
	b.port = port
	return b
}

// SetURL targets a coap:// URL, setting host, port, path and query in one
// go. Schemes this endpoint cannot serve are rejected at Prepare time.
func (b *RequestBuilder) SetURL(rawURL string) *RequestBuilder {
	u, err := url.Parse(rawURL)
	if err != nil {
		b.fail(fmt.Errorf("%w: %s", message.ErrMalformed, err))
		return b
	}
	if u.Scheme != transport.SchemeUDP && u.Scheme != transport.SchemeLoop {
		b.fail(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
		return b
	}
	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			b.fail(fmt.Errorf("%w: port %q", message.ErrMalformed, p))
			return b
		}
		port = n
	}
	b.host = u.Hostname()
	b.port = port
	b.path = u.Path
	b.options = b.options.Del(message.URIQuery)
	for _, q := range strings.Split(u.RawQuery, "&") {
		if q != "" {
			oo, err := b.options.Add(message.StringOption(message.URIQuery, q))
			if err != nil {
				b.fail(err)
				return b
			}
			b.options = oo
		}
	}
	return b
}

// SetObserve registers for notifications of the target resource.
func (b *RequestBuilder) SetObserve(observe bool) *RequestBuilder {
	b.observe = observe
	return b
}

// SetOmitURIHostPortOptions drops Uri-Host/Uri-Port from the sent request,
// shaving bytes when the peer does not do virtual hosting.
func (b *RequestBuilder) SetOmitURIHostPortOptions(omit bool) *RequestBuilder {
	b.omitURI = omit
	return b
}

func (b *RequestBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Prepare assembles the message and wraps it in an unsent transaction.
func (b *RequestBuilder) Prepare() (*Transaction, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := &message.Message{
		Type:      message.NonConfirmable,
		Code:      b.code,
		MessageID: message.NoMessageID,
		Token:     b.token.Clone(),
		Options:   b.options.Clone(),
	}
	if b.confirmable {
		m.Type = message.Confirmable
	}
	if b.path != "" {
		m.Options = m.Options.SetPath(b.path)
	}
	if b.host != "" && net.ParseIP(b.host) == nil {
		m.Options = m.Options.Set(message.StringOption(message.URIHost, b.host))
		if b.port != 0 {
			m.Options = m.Options.SetUint(message.URIPort, uint32(b.port))
		}
	}
	if b.observe {
		m.Options = m.Options.SetUint(message.Observe, observeRegister)
	}
	if b.hasPayload {
		m.SetPayload(b.mediaType, b.payload)
	}
	if b.dest != nil {
		m.RemoteAddr = b.dest
	}
	if err := m.Options.Validate(); err != nil {
		return nil, err
	}
	t := newTransaction(b.client.ep, m, b.host, b.port, b.omitURI)
	b.client.track(t)
	return t, nil
}

// Send assembles and dispatches the request.
func (b *RequestBuilder) Send() (*Transaction, error) {
	t, err := b.Prepare()
	if err != nil {
		return nil, err
	}
	t.start()
	return t, nil
}
