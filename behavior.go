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
	"math/rand"
	"sync"
	"time"
)

// Behavior bundles the transmission parameters of RFC 7252 Section 4.8 plus
// this implementation's packet budgets. It is immutable once handed to an
// endpoint; the With* methods return modified copies.
type Behavior struct {
	// MaxOutboundBytes bounds encoded outbound datagrams.
	MaxOutboundBytes int
	// MaxInboundBytes bounds accepted inbound datagrams.
	MaxInboundBytes int

	MaxRetransmit             int
	AckTimeout                time.Duration
	AckRandomFactor           float64
	NStart                    int
	DefaultLeisure            time.Duration
	ProbingRateBytesPerSecond int
	MaxLatency                time.Duration
	ProcessingDelay           time.Duration
	MulticastResponseAvgDelay time.Duration

	rand *lockedRand
}

// DefaultBehavior returns the RFC 7252 defaults with a time-seeded random
// source.
func DefaultBehavior() *Behavior {
	return NewBehavior(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewBehavior returns the defaults with the given random source, which the
// behavior takes ownership of.
func NewBehavior(r *rand.Rand) *Behavior {
	return &Behavior{
		MaxOutboundBytes:          1152,
		MaxInboundBytes:           65535,
		MaxRetransmit:             4,
		AckTimeout:                2 * time.Second,
		AckRandomFactor:           1.5,
		NStart:                    1,
		DefaultLeisure:            5 * time.Second,
		ProbingRateBytesPerSecond: 1,
		MaxLatency:                100 * time.Second,
		ProcessingDelay:           2 * time.Second,
		MulticastResponseAvgDelay: 25 * time.Millisecond,
		rand:                      &lockedRand{r: r},
	}
}

// WithAckTimeout returns a copy with the given ACK_TIMEOUT; PROCESSING_DELAY
// follows it.
func (b *Behavior) WithAckTimeout(d time.Duration) *Behavior {
	c := *b
	c.AckTimeout = d
	c.ProcessingDelay = d
	return &c
}

// WithMaxRetransmit returns a copy with the given MAX_RETRANSMIT.
func (b *Behavior) WithMaxRetransmit(n int) *Behavior {
	c := *b
	c.MaxRetransmit = n
	return &c
}

// WithMaxOutboundBytes returns a copy with the given outbound packet budget.
func (b *Behavior) WithMaxOutboundBytes(n int) *Behavior {
	c := *b
	c.MaxOutboundBytes = n
	return &c
}

// MaxTransmitSpan is the worst-case time from the first transmission of a
// confirmable to its last retransmission.
func (b *Behavior) MaxTransmitSpan() time.Duration {
	return time.Duration(float64(b.AckTimeout) * float64(int(1)<<b.MaxRetransmit-1) * b.AckRandomFactor)
}

// MaxTransmitWait is the worst-case time from the first transmission to the
// sender giving up.
func (b *Behavior) MaxTransmitWait() time.Duration {
	return time.Duration(float64(b.AckTimeout) * float64(int(1)<<(b.MaxRetransmit+1)-1) * b.AckRandomFactor)
}

// ExchangeLifetime is how long a (peer, MID) pair must be remembered for
// deduplication.
func (b *Behavior) ExchangeLifetime() time.Duration {
	return b.MaxTransmitSpan() + 2*b.MaxLatency + b.ProcessingDelay
}

// NonLifetime is the NON equivalent of ExchangeLifetime.
func (b *Behavior) NonLifetime() time.Duration {
	return b.MaxTransmitSpan() + b.MaxLatency
}

// RetransmitTimeout computes the backoff before retransmission `attempt`
// (1-based). The exponent is capped at attempt 5.
func (b *Behavior) RetransmitTimeout(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		attempt = 5
	}
	base := float64(b.AckTimeout) * (1 + b.rand.Float64()*b.AckRandomFactor)
	return time.Duration(base) << (attempt - 1)
}

// MulticastDelay is the random leisure before answering a multicast request.
func (b *Behavior) MulticastDelay() time.Duration {
	return time.Duration(float64(b.MulticastResponseAvgDelay) * b.rand.Float64() * b.AckRandomFactor)
}

// ObserveJitter shaves up to 10% off an observation keepalive interval.
func (b *Behavior) ObserveJitter(d time.Duration) time.Duration {
	return d - time.Duration(b.rand.Float64()*0.1*float64(d))
}

// RandomUint32 draws from the behavior's random source.
func (b *Behavior) RandomUint32() uint32 {
	return b.rand.Uint32()
}

// lockedRand guards the shared source: behaviors may be shared by several
// endpoints whose executors draw concurrently.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Uint32() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Uint32()
}
