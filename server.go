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

import "sync"

// Server fans a request handler out over a set of local endpoints.
type Server struct {
	mu           sync.Mutex
	endpoints    []*LocalEndpoint
	handler      RequestHandler
	proxyHandler RequestHandler
	started      bool
}

// NewServer creates a server with no endpoints and no handler. A request
// arriving before SetRequestHandler is answered 5.01 Not Implemented.
func NewServer() *Server {
	return &Server{}
}

// AddLocalEndpoint attaches an endpoint; a started server starts it at once.
func (s *Server) AddLocalEndpoint(ep *LocalEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, ep)
	ep.SetRequestHandler(s.handler)
	ep.SetProxyHandler(s.proxyHandler)
	if s.started {
		ep.Start()
	}
}

// RemoveLocalEndpoint stops and detaches an endpoint.
func (s *Server) RemoveLocalEndpoint(ep *LocalEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.endpoints {
		if e == ep {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			ep.Stop()
			return
		}
	}
}

// SetRequestHandler installs the handler on every endpoint.
func (s *Server) SetRequestHandler(h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	for _, ep := range s.endpoints {
		ep.SetRequestHandler(h)
	}
}

// SetProxyHandler installs the proxy handler on every endpoint.
func (s *Server) SetProxyHandler(h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxyHandler = h
	for _, ep := range s.endpoints {
		ep.SetProxyHandler(h)
	}
}

// Start begins receiving on every endpoint.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for _, ep := range s.endpoints {
		ep.Start()
	}
}

// Stop pauses every endpoint without releasing resources.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	for _, ep := range s.endpoints {
		ep.Stop()
	}
}

// Close shuts every endpoint down; the server cannot be restarted.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	var firstErr error
	for _, ep := range s.endpoints {
		if err := ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.endpoints = nil
	return firstErr
}
