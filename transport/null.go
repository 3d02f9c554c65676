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

import "net"

// Null is a transport that discards everything sent to it and never receives.
type Null struct{}

func (Null) Scheme() string                     { return SchemeNull }
func (Null) LocalAddr() net.Addr                { return &LoopAddr{Name: "null"} }
func (Null) Send(data []byte, _ net.Addr) error { return nil }
func (Null) SetReceiver(Receiver)               {}
func (Null) JoinGroup(*net.UDPAddr) error       { return nil }
func (Null) LeaveGroup(*net.UDPAddr) error      { return nil }
func (Null) Close() error                       { return nil }
