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

	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

// multicastPeer is the collapsed peer slot of keys involving a multicast
// address on either side: a response to a multicast request may arrive from
// any peer, so such keys must compare equal across peers.
const multicastPeer = "*"

func peerString(m *message.Message) string {
	var local, remote net.Addr
	if m != nil {
		local, remote = m.LocalAddr, m.RemoteAddr
	}
	if transport.IsMulticast(remote) || transport.IsMulticast(local) {
		return multicastPeer
	}
	if remote == nil {
		return ""
	}
	return remote.String()
}

func peerOf(addr net.Addr) string {
	if transport.IsMulticast(addr) {
		return multicastPeer
	}
	if addr == nil {
		return ""
	}
	return addr.String()
}

// KeyMID indexes deduplication and retransmission state by (MID, peer).
type KeyMID struct {
	MID  int32
	Peer string
}

func keyMID(m *message.Message) KeyMID {
	return KeyMID{MID: m.MessageID, Peer: peerString(m)}
}

func (k KeyMID) String() string { return fmt.Sprintf("MID=%d@%s", k.MID, k.Peer) }

// KeyToken indexes transactions, block state and observers by (token, peer),
// with the same multicast collapse rule as KeyMID.
type KeyToken struct {
	Token string
	Peer  string
}

func keyToken(m *message.Message) KeyToken {
	return KeyToken{Token: string(m.Token), Peer: peerString(m)}
}

func (k KeyToken) String() string {
	return fmt.Sprintf("Token=%x@%s", k.Token, k.Peer)
}
