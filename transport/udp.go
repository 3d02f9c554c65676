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

package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// maxDatagramSize is the largest UDP payload the read loop accepts.
const maxDatagramSize = 65535

// UDP is the coap-over-UDP transport.
type UDP struct {
	conn *net.UDPConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn
	log  *logrus.Entry

	mu       sync.Mutex
	receiver Receiver
	started  bool
	closed   bool
}

// ListenUDP binds a UDP transport to the given address, e.g. ":5683" or
// "0.0.0.0:0" for an ephemeral port.
func ListenUDP(addr string) (*UDP, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ListenUDP: resolving %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("ListenUDP: binding %q: %w", addr, err)
	}
	return &UDP{
		conn: conn,
		p4:   ipv4.NewPacketConn(conn),
		p6:   ipv6.NewPacketConn(conn),
		log:  logrus.WithField("transport", "udp").WithField("local", conn.LocalAddr().String()),
	}, nil
}

func (u *UDP) Scheme() string      { return SchemeUDP }
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDP) Send(data []byte, remote net.Addr) error {
	ua, ok := remote.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("udp: cannot send to %T address %v", remote, remote)
	}
	_, err := u.conn.WriteToUDP(data, ua)
	return err
}

func (u *UDP) SetReceiver(r Receiver) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.receiver = r
	if u.started || u.closed || r == nil {
		return
	}
	u.started = true
	go u.readLoop()
}

func (u *UDP) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if !closed {
				u.log.WithError(err).Warn("read loop terminating")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		u.mu.Lock()
		r := u.receiver
		u.mu.Unlock()
		if r != nil {
			r(data, remote)
		}
	}
}

func (u *UDP) JoinGroup(group *net.UDPAddr) error {
	if group.IP.To4() != nil {
		return u.p4.JoinGroup(nil, &net.UDPAddr{IP: group.IP})
	}
	return u.p6.JoinGroup(nil, &net.UDPAddr{IP: group.IP})
}

func (u *UDP) LeaveGroup(group *net.UDPAddr) error {
	if group.IP.To4() != nil {
		return u.p4.LeaveGroup(nil, &net.UDPAddr{IP: group.IP})
	}
	return u.p6.LeaveGroup(nil, &net.UDPAddr{IP: group.IP})
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}
