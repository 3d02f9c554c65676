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
	"context"
	"fmt"
	"net"

	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

// AddressResolver turns a host name into a sendable address. The callback is
// invoked exactly once, from an arbitrary goroutine; callers hand results back
// to their executor themselves. The returned cancel function releases the
// lookup; a cancelled lookup must not invoke the callback.
type AddressResolver interface {
	LookupAddr(host string, port int, cb func(net.Addr, error)) (cancel func())
}

// dnsResolver resolves over the stdlib resolver on a private goroutine.
type dnsResolver struct{}

func (dnsResolver) LookupAddr(host string, port int, cb func(net.Addr, error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cb(nil, fmt.Errorf("%w: %q: %s", ErrHostLookup, host, err))
			return
		}
		if len(ips) == 0 {
			cb(nil, fmt.Errorf("%w: %q has no addresses", ErrHostLookup, host))
			return
		}
		cb(&net.UDPAddr{IP: ips[0].IP, Zone: ips[0].Zone, Port: port}, nil)
	}()
	return cancel
}

// resolveDestination short-circuits literals and multicast groups; names go
// through the resolver.
func resolveDestination(r AddressResolver, m *message.Message, host string, port int, cb func(net.Addr, error)) func() {
	if m.RemoteAddr != nil {
		cb(m.RemoteAddr, nil)
		return func() {}
	}
	if host == "" {
		cb(nil, fmt.Errorf("%w: no host", ErrHostLookup))
		return func() {}
	}
	if port == 0 {
		port = transport.DefaultPort
	}
	if ip := net.ParseIP(host); ip != nil {
		cb(&net.UDPAddr{IP: ip, Port: port}, nil)
		return func() {}
	}
	return r.LookupAddr(host, port, cb)
}
