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

// Package transport abstracts the datagram socket under a CoAP endpoint.
// The endpoint hands it encoded datagrams with a remote address and receives
// inbound datagrams via the registered receiver. Three schemes are provided:
// "coap" over UDP (the real thing), "loop" (an in-process switchboard for tests) and
// "null" (a sink).
package transport

import "net"

// Schemes and their default ports (RFC 7252 Section 6).
const (
	SchemeUDP  = "coap"
	SchemeDTLS = "coaps"
	SchemeLoop = "loop"
	SchemeNull = "null"

	DefaultPort     = 5683
	DefaultDTLSPort = 5684
)

// DefaultMulticastGroups are the all-CoAP-nodes groups of RFC 7252 Section 12.8.
var DefaultMulticastGroups = []string{
	"224.0.1.187",
	"ff02::fd",
	"ff03::fd",
	"ff04::fd",
	"ff05::fd",
}

// Receiver accepts one inbound datagram. Implementations are invoked from the
// transport's read loop and must not block for long.
type Receiver func(data []byte, remote net.Addr)

// Transport is a bound datagram socket.
type Transport interface {
	// Send writes one datagram to the remote address.
	Send(data []byte, remote net.Addr) error
	// SetReceiver installs the inbound handler and starts delivery.
	SetReceiver(r Receiver)
	LocalAddr() net.Addr
	Scheme() string
	// JoinGroup subscribes the socket to a multicast group.
	JoinGroup(group *net.UDPAddr) error
	LeaveGroup(group *net.UDPAddr) error
	Close() error
}

// IsMulticast reports whether the address is a multicast group address.
func IsMulticast(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.IsMulticast()
	case *LoopAddr:
		return a.Multicast
	}
	return false
}
