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

// coap-cli is a small demonstration client and server.
//
//	coap-cli -listen :5683
//	coap-cli -get coap://127.0.0.1:5683/test
//	coap-cli -get coap://127.0.0.1:5683/time -observe
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	coap "github.com/matrix-org/coap"
	"github.com/matrix-org/coap/message"
	"github.com/matrix-org/coap/transport"
)

var (
	flagListen  = flag.String("listen", "", "Serve /test and /time on this UDP address e.g :5683")
	flagGet     = flag.String("get", "", "GET this coap:// URL")
	flagObserve = flag.Bool("observe", false, "Observe the resource instead of fetching once")
	flagVerbose = flag.Bool("v", false, "Log every datagram")
)

func main() {
	flag.Parse()
	logrus.SetLevel(logrus.InfoLevel)
	if *flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch {
	case *flagListen != "":
		runServer(*flagListen)
	case *flagGet != "":
		runGet(*flagGet)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func newEndpoint(listen string) *coap.LocalEndpoint {
	tp, err := transport.ListenUDP(listen)
	if err != nil {
		logrus.WithError(err).Panicf("failed to bind %s", listen)
	}
	ep := coap.NewLocalEndpoint(tp)
	if *flagVerbose {
		ep.SetInterceptor(&coap.LogInterceptor{})
	}
	return ep
}

func runServer(listen string) {
	ep := newEndpoint(listen)

	timeObservable := coap.NewObservable()
	mux := coap.NewResourceMux()
	mux.Handle(&coap.Resource{
		Path:  "/test",
		Title: "Test resource",
		Get: func(req *coap.InboundRequest) {
			req.SendResponse(message.Content, message.TextPlain, []byte("hello"))
		},
	})
	mux.Handle(&coap.Resource{
		Path:         "/time",
		ResourceType: "clock",
		Observable:   timeObservable,
		Get: func(req *coap.InboundRequest) {
			now := time.Now().UTC().Format(time.RFC3339)
			req.SendResponse(message.Content, message.TextPlain, []byte(now))
		},
	})

	srv := coap.NewServer()
	srv.SetRequestHandler(mux)
	srv.AddLocalEndpoint(ep)
	srv.Start()
	logrus.Infof("serving on %s", listen)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	for {
		select {
		case <-ticker.C:
			timeObservable.Trigger()
		case <-sig:
			srv.Close()
			return
		}
	}
}

func runGet(rawURL string) {
	ep := newEndpoint(":0")
	ep.Start()
	defer ep.Close()

	client := coap.NewClient(ep)
	builder := client.NewRequestBuilder().SetURL(rawURL)
	if *flagObserve {
		builder.SetObserve(true)
	}
	txn, err := builder.Send()
	if err != nil {
		logrus.WithError(err).Panicf("failed to send request")
	}

	if !*flagObserve {
		resp, err := txn.Response(30 * time.Second)
		if err != nil {
			logrus.WithError(err).Panicf("request failed")
		}
		fmt.Printf("%s\n%s\n", resp.Code, string(resp.Payload))
		return
	}

	txn.RegisterCallback(&coap.CallbackFuncs{
		Response: func(_ *coap.Transaction, m *message.Message) {
			fmt.Printf("%s %s\n", m.Code, string(m.Payload))
		},
		Error: func(_ *coap.Transaction, err error) {
			logrus.WithError(err).Error("observation failed")
		},
	})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	txn.Cancel()
	time.Sleep(200 * time.Millisecond)
}
