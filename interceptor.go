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
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/coap/message"
)

// Interceptor observes every message crossing an endpoint's transport
// boundary. OnInbound runs on the transport's receiver goroutine and
// OnOutbound on the executor; implementations must be safe for both and must
// not mutate the message.
type Interceptor interface {
	OnInbound(m *message.Message)
	OnOutbound(m *message.Message)
}

// Interceptors fans out to several interceptors in order.
type Interceptors []Interceptor

func (ii Interceptors) OnInbound(m *message.Message) {
	for _, i := range ii {
		i.OnInbound(m)
	}
}

func (ii Interceptors) OnOutbound(m *message.Message) {
	for _, i := range ii {
		i.OnOutbound(m)
	}
}

// LogInterceptor logs a summary line per message; TraceDump additionally
// dumps the full message structure for deep debugging.
type LogInterceptor struct {
	Log       *logrus.Entry
	TraceDump bool
}

func (l *LogInterceptor) OnInbound(m *message.Message)  { l.log("<-", m) }
func (l *LogInterceptor) OnOutbound(m *message.Message) { l.log("->", m) }

func (l *LogInterceptor) log(dir string, m *message.Message) {
	log := l.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"dir":    dir,
		"remote": m.RemoteAddr,
	}).Info(m.String())
	if l.TraceDump {
		log.Trace(spew.Sdump(m))
	}
}

// MetricsInterceptor counts traffic through an endpoint with Prometheus.
type MetricsInterceptor struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewMetricsInterceptor registers the counters with the given registerer.
func NewMetricsInterceptor(reg prometheus.Registerer) (*MetricsInterceptor, error) {
	mi := &MetricsInterceptor{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "messages_total",
			Help:      "CoAP messages by direction, type and code class.",
		}, []string{"direction", "type", "class"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "payload_bytes_total",
			Help:      "CoAP payload bytes by direction.",
		}, []string{"direction"}),
	}
	for _, c := range []prometheus.Collector{mi.messages, mi.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return mi, nil
}

func (mi *MetricsInterceptor) OnInbound(m *message.Message)  { mi.count("in", m) }
func (mi *MetricsInterceptor) OnOutbound(m *message.Message) { mi.count("out", m) }

func (mi *MetricsInterceptor) count(dir string, m *message.Message) {
	class := "request"
	switch {
	case m.Code == message.Empty:
		class = "empty"
	case m.Code.IsResponse():
		class = "response"
	case m.Code.IsSignal():
		class = "signal"
	}
	mi.messages.WithLabelValues(dir, m.Type.String(), class).Inc()
	mi.bytes.WithLabelValues(dir).Add(float64(len(m.Payload)))
}
