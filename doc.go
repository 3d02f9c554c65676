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

// Package coap is a client/server implementation of the Constrained
// Application Protocol (RFC 7252) over unreliable datagram transports, with
// blockwise transfers (RFC 7959) and resource observation (RFC 7641).
//
// Each LocalEndpoint binds one transport to a pipeline of layers —
// deduplication, retransmission and blockwise transfer — and owns a
// single-goroutine executor on which all protocol state is mutated. Client
// wraps an endpoint for issuing requests; Server fans a request handler out
// over endpoints; Observable tracks the remote observers of a resource and
// pushes notifications when it is triggered.
package coap
