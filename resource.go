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
	"sort"
	"strings"
	"sync"

	"github.com/matrix-org/coap/message"
)

// WellKnownCorePath is the discovery resource of RFC 6690.
const WellKnownCorePath = "/.well-known/core"

// Resource is one server resource: per-method handlers plus the RFC 6690
// attributes it advertises. Methods without a handler are answered 4.05.
type Resource struct {
	Path          string
	Title         string
	ResourceType  string
	InterfaceDesc string

	// Observable, when set, is consulted before the GET handler so
	// Observe registrations are captured.
	Observable *Observable

	Get    func(req *InboundRequest)
	Post   func(req *InboundRequest)
	Put    func(req *InboundRequest)
	Delete func(req *InboundRequest)
}

// HandleRequest dispatches on the method code.
func (r *Resource) HandleRequest(req *InboundRequest) {
	var fn func(*InboundRequest)
	switch req.Message().Code {
	case message.GET:
		fn = r.Get
	case message.POST:
		fn = r.Post
	case message.PUT:
		fn = r.Put
	case message.DELETE:
		fn = r.Delete
	}
	if fn == nil {
		req.mustSendResponse(message.NewResponse(req.Message(), message.MethodNotAllowed))
		return
	}
	if req.Message().Code == message.GET && r.Observable != nil {
		if r.Observable.HandleInboundRequest(req) {
			return
		}
	}
	fn(req)
}

// ResourceMux routes requests to resources by exact path and serves
// /.well-known/core over the registered set.
type ResourceMux struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewResourceMux creates an empty mux.
func NewResourceMux() *ResourceMux {
	return &ResourceMux{resources: make(map[string]*Resource)}
}

// Handle registers a resource at its path.
func (mux *ResourceMux) Handle(r *Resource) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	mux.resources[r.Path] = r
}

// HandleFunc registers a GET-only resource.
func (mux *ResourceMux) HandleFunc(path string, fn func(req *InboundRequest)) {
	mux.Handle(&Resource{Path: path, Get: fn})
}

// Lookup returns the resource registered at the path.
func (mux *ResourceMux) Lookup(path string) *Resource {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	return mux.resources[path]
}

// HandleRequest implements RequestHandler.
func (mux *ResourceMux) HandleRequest(req *InboundRequest) {
	path := req.Message().Path()
	if path == WellKnownCorePath && req.Message().Code == message.GET {
		m := message.NewResponse(req.Message(), message.Content)
		m.SetPayload(message.AppLinkFormat, []byte(mux.CoreLinkFormat()))
		req.mustSendResponse(m)
		return
	}
	r := mux.Lookup(path)
	if r == nil {
		req.mustSendResponse(message.NewResponse(req.Message(), message.NotFound))
		return
	}
	r.HandleRequest(req)
}

// CoreLinkFormat renders the registered resources as an RFC 6690 document.
func (mux *ResourceMux) CoreLinkFormat() string {
	mux.mu.RLock()
	paths := make([]string, 0, len(mux.resources))
	for p := range mux.resources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	links := make([]string, 0, len(paths))
	for _, p := range paths {
		links = append(links, mux.resources[p].link())
	}
	mux.mu.RUnlock()
	return strings.Join(links, ",")
}

func (r *Resource) link() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s>", r.Path)
	if r.ResourceType != "" {
		fmt.Fprintf(&sb, ";rt=%q", r.ResourceType)
	}
	if r.InterfaceDesc != "" {
		fmt.Fprintf(&sb, ";if=%q", r.InterfaceDesc)
	}
	if r.Title != "" {
		fmt.Fprintf(&sb, ";title=%q", r.Title)
	}
	if r.Observable != nil {
		sb.WriteString(";obs")
	}
	return sb.String()
}
