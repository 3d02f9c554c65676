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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Executor is the single goroutine on which all of an endpoint's state is
// mutated. Tasks posted with Execute run to completion in FIFO order; timers
// fire by posting their callback as a task. The stack, tables and observation
// registries are only ever touched from here, which is what lets the layer
// traversal go lock-free.
type Executor struct {
	tasks chan func()
	log   *logrus.Entry

	mu      sync.Mutex
	stopped bool
	done    chan struct{}

	// runningTask is the goroutine id surrogate used by assertOnExecutor. We
	// cannot (and do not want to) read runtime goroutine ids, so the
	// executor marks itself via a channel token instead.
	runningTask chan struct{}
}

// NewExecutor starts the executor goroutine.
func NewExecutor(log *logrus.Entry) *Executor {
	e := &Executor{
		tasks:       make(chan func(), 1024),
		log:         log,
		done:        make(chan struct{}),
		runningTask: make(chan struct{}, 1),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for task := range e.tasks {
		e.runningTask <- struct{}{}
		e.safely(task)
		<-e.runningTask
	}
}

func (e *Executor) safely(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("executor task panicked: %v", r)
		}
	}()
	task()
}

// Execute posts a task. Posting to a stopped executor is a no-op.
func (e *Executor) Execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.tasks <- task
}

// OnExecutor reports whether some executor task is currently running. This is
// a coarse debug aid: it cannot distinguish goroutines, but it catches the
// common misuse of calling executor-owned code before Start or after Stop.
func (e *Executor) OnExecutor() bool {
	return len(e.runningTask) == 1
}

// Stop refuses further tasks, lets the already queued ones run, and waits
// for them to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.stopped = true
	close(e.tasks)
	e.mu.Unlock()
	<-e.done
}

// TimerHandle identifies one scheduled task; Stop cancels it if it has not
// fired. Handles replace ScheduledFuture-style cancellation: the owning
// component drops the handle when its entry closes.
type TimerHandle struct {
	timer   *time.Timer
	mu      sync.Mutex
	stopped bool
}

// Stop cancels the timer. It is safe to call repeatedly and from any
// goroutine; a callback that already started posting is discarded by the
// stopped flag.
func (h *TimerHandle) Stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
}

// Schedule runs the task on the executor after the delay.
func (e *Executor) Schedule(d time.Duration, task func()) *TimerHandle {
	h := &TimerHandle{}
	h.timer = time.AfterFunc(d, func() {
		e.Execute(func() {
			h.mu.Lock()
			stopped := h.stopped
			h.mu.Unlock()
			if !stopped {
				task()
			}
		})
	})
	return h
}
