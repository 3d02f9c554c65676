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
	"strings"
	"testing"
	"time"

	"github.com/matrix-org/coap/message"
)

func muxServer(t *testing.T) (*testNet, *ResourceMux, *rawPeer) {
	t.Helper()
	n := newTestNet(t, testBehavior())
	mux := NewResourceMux()
	mux.Handle(&Resource{
		Path:  "/test",
		Title: "Test resource",
		Get: func(req *InboundRequest) {
			req.SendResponse(message.Content, message.TextPlain, []byte("hello"))
		},
	})
	n.server.SetRequestHandler(mux)
	return n, mux, newRawPeer(t, n, "raw")
}

func muxRequest(code message.Code, path string, mid int32) *message.Message {
	return &message.Message{
		Type:      message.Confirmable,
		Code:      code,
		MessageID: mid,
		Token:     message.Token{byte(mid)},
		Options:   message.Options{}.SetPath(path),
	}
}

func TestMuxRouting(t *testing.T) {
	n, _, peer := muxServer(t)

	peer.send(t, muxRequest(message.GET, "/test", 1), n.serverAddr())
	if resp := peer.wait(t); resp.Code != message.Content {
		t.Errorf("GET /test: got %s want 2.05", resp.Code)
	}

	peer.send(t, muxRequest(message.GET, "/missing", 2), n.serverAddr())
	if resp := peer.wait(t); resp.Code != message.NotFound {
		t.Errorf("GET /missing: got %s want 4.04", resp.Code)
	}

	// the resource has no POST handler
	peer.send(t, muxRequest(message.POST, "/test", 3), n.serverAddr())
	if resp := peer.wait(t); resp.Code != message.MethodNotAllowed {
		t.Errorf("POST /test: got %s want 4.05", resp.Code)
	}
}

func TestWellKnownCore(t *testing.T) {
	n, mux, peer := muxServer(t)
	mux.Handle(&Resource{
		Path:         "/sensors/temp",
		ResourceType: "temperature-c",
		Observable:   NewObservable(),
	})

	peer.send(t, muxRequest(message.GET, WellKnownCorePath, 9), n.serverAddr())
	resp := peer.wait(t)
	if resp.Code != message.Content {
		t.Fatalf("code: got %s want 2.05", resp.Code)
	}
	if mt, _ := resp.ContentFormat(); mt != message.AppLinkFormat {
		t.Errorf("content format: got %d want 40", mt)
	}
	body := string(resp.Payload)
	if !strings.Contains(body, `</sensors/temp>;rt="temperature-c";obs`) {
		t.Errorf("link format missing sensor entry: %s", body)
	}
	if !strings.Contains(body, `</test>;title="Test resource"`) {
		t.Errorf("link format missing /test entry: %s", body)
	}
}

func TestHandlerWithoutResponseGetsEmptyAck(t *testing.T) {
	n := newTestNet(t, testBehavior())
	n.server.SetRequestHandler(HandlerFunc(func(req *InboundRequest) {
		// deliberately no response
	}))
	peer := newRawPeer(t, n, "raw")
	peer.send(t, muxRequest(message.GET, "/quiet", 5), n.serverAddr())
	resp := peer.wait(t)
	if !resp.IsEmpty() || resp.Type != message.Acknowledgement || resp.MessageID != 5 {
		t.Errorf("got %s, want empty ACK MID=5", resp)
	}
}

func TestOutOfScopeResponse(t *testing.T) {
	n := newTestNet(t, testBehavior())
	captured := make(chan *InboundRequest, 1)
	n.server.SetRequestHandler(HandlerFunc(func(req *InboundRequest) {
		captured <- req
	}))
	peer := newRawPeer(t, n, "raw")
	peer.send(t, muxRequest(message.GET, "/late", 6), n.serverAddr())
	peer.wait(t) // the empty ACK

	req := <-captured
	errCh := make(chan error, 1)
	n.server.exec.Execute(func() {
		errCh <- req.SendResponse(message.Content, message.TextPlain, []byte("too late"))
	})
	select {
	case err := <-errCh:
		if err == nil {
			t.Errorf("late response accepted without response-pending")
		}
	case <-time.After(time.Second):
		t.Fatalf("executor stalled")
	}
}
