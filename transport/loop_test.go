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
	"net"
	"testing"
	"time"
)

func recvChan(l *Loop) chan []byte {
	ch := make(chan []byte, 8)
	l.SetReceiver(func(data []byte, _ net.Addr) { ch <- data })
	return ch
}

func wait(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for datagram")
		return nil
	}
}

func TestLoopUnicast(t *testing.T) {
	n := NewLoopNetwork()
	a := n.Attach("a")
	b := n.Attach("b")
	got := recvChan(b)

	if err := a.Send([]byte("hi"), &LoopAddr{Name: "b"}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	if d := wait(t, got); string(d) != "hi" {
		t.Errorf("got %q", d)
	}
}

func TestLoopMulticast(t *testing.T) {
	n := NewLoopNetwork()
	a := n.Attach("a")
	b := n.Attach("b")
	c := n.Attach("c")
	gotB := recvChan(b)
	gotC := recvChan(c)
	if err := b.JoinLoopGroup("grp"); err != nil {
		t.Fatalf("JoinLoopGroup: %s", err)
	}
	if err := c.JoinLoopGroup("grp"); err != nil {
		t.Fatalf("JoinLoopGroup: %s", err)
	}

	if err := a.Send([]byte("all"), &LoopAddr{Name: "grp", Multicast: true}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	if d := wait(t, gotB); string(d) != "all" {
		t.Errorf("b got %q", d)
	}
	if d := wait(t, gotC); string(d) != "all" {
		t.Errorf("c got %q", d)
	}

	if err := c.LeaveLoopGroup("grp"); err != nil {
		t.Fatalf("LeaveLoopGroup: %s", err)
	}
	if err := a.Send([]byte("again"), &LoopAddr{Name: "grp", Multicast: true}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	if d := wait(t, gotB); string(d) != "again" {
		t.Errorf("b got %q", d)
	}
	select {
	case d := <-gotC:
		t.Errorf("c still in group, got %q", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopDrop(t *testing.T) {
	n := NewLoopNetwork()
	a := n.Attach("a")
	b := n.Attach("b")
	got := recvChan(b)
	n.Drop = func(data []byte, from, to net.Addr) bool { return true }

	if err := a.Send([]byte("lost"), &LoopAddr{Name: "b"}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	select {
	case d := <-got:
		t.Errorf("dropped datagram delivered: %q", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopClosedSend(t *testing.T) {
	n := NewLoopNetwork()
	a := n.Attach("a")
	a.Close()
	if err := a.Send([]byte("x"), &LoopAddr{Name: "a"}); err == nil {
		t.Errorf("send on closed transport succeeded")
	}
}

func TestIsMulticast(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want bool
	}{
		{addr: &net.UDPAddr{IP: net.ParseIP("224.0.1.187"), Port: DefaultPort}, want: true},
		{addr: &net.UDPAddr{IP: net.ParseIP("ff02::fd"), Port: DefaultPort}, want: true},
		{addr: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: DefaultPort}, want: false},
		{addr: &LoopAddr{Name: "grp", Multicast: true}, want: true},
		{addr: &LoopAddr{Name: "a"}, want: false},
		{addr: nil, want: false},
	}
	for _, tc := range cases {
		if got := IsMulticast(tc.addr); got != tc.want {
			t.Errorf("IsMulticast(%v): got %v want %v", tc.addr, got, tc.want)
		}
	}
}
