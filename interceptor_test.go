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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInterceptorCountsTraffic(t *testing.T) {
	n := newTestNet(t, testBehavior())
	n.helloServer()

	mi, err := NewMetricsInterceptor(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetricsInterceptor: %s", err)
	}
	n.server.SetInterceptor(mi)

	client := NewClient(n.client)
	txn, err := client.NewRequestBuilder().
		ChangePath("/test").
		SetDestination(n.serverAddr()).
		Send()
	if err != nil {
		t.Fatalf("Send: %s", err)
	}
	if _, err := txn.Response(3 * time.Second); err != nil {
		t.Fatalf("Response: %s", err)
	}
	n.flush()

	if got := testutil.ToFloat64(mi.messages.WithLabelValues("in", "CON", "request")); got != 1 {
		t.Errorf("inbound request count: got %v want 1", got)
	}
	if got := testutil.ToFloat64(mi.messages.WithLabelValues("out", "ACK", "response")); got != 1 {
		t.Errorf("outbound response count: got %v want 1", got)
	}
	if got := testutil.ToFloat64(mi.bytes.WithLabelValues("out")); got != 5 {
		t.Errorf("outbound payload bytes: got %v want 5", got)
	}
}
