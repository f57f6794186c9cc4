// Copyright 2015 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"time"

	"github.com/rajesnal/supvisors/wire"
)

// EventQueue is the I/O thread's inbound event queue (spec §4.6, §5):
// events of one kind are delivered in the order they were pushed, and
// TICK events take priority over PROCESS, which take priority over
// STATISTICS, so a burst of process events never starves the liveness
// signal the FSM's timer depends on. Because each kind has its own
// channel, a TICK can be delivered ahead of an earlier PROCESS or
// STATISTICS event from the same peer.
type EventQueue struct {
	tick  chan wire.Event
	proc  chan wire.Event
	stats chan wire.Event
}

// NewEventQueue builds an event queue with the given per-kind buffer
// capacity.
func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{
		tick:  make(chan wire.Event, capacity),
		proc:  make(chan wire.Event, capacity),
		stats: make(chan wire.Event, capacity),
	}
}

// Push enqueues ev on the channel matching its header. It blocks if that
// channel is full — back-pressure is the correct behavior here since the
// control thread is the only consumer and must not silently drop ticks.
func (q *EventQueue) Push(ev wire.Event) {
	switch ev.Header {
	case wire.EventTick:
		q.tick <- ev
	case wire.EventProcess:
		q.proc <- ev
	default:
		q.stats <- ev
	}
}

// Pop blocks until an event is available or stop is closed, returning
// TICK events ahead of anything else ready at the same time.
func (q *EventQueue) Pop(stop <-chan struct{}) (wire.Event, bool) {
	select {
	case e := <-q.tick:
		return e, true
	default:
	}
	select {
	case e := <-q.proc:
		return e, true
	default:
	}
	select {
	case e := <-q.tick:
		return e, true
	case e := <-q.proc:
		return e, true
	case e := <-q.stats:
		return e, true
	case <-stop:
		return wire.Event{}, false
	}
}

// PopWithTimeout blocks like Pop, but also returns (zero, false) once
// timeout elapses with nothing available — the "polls ... with a 1-second
// timeout" behavior of spec §4.6, letting the I/O loop come up for air to
// check its ticker and stop flag even during a quiet period.
func (q *EventQueue) PopWithTimeout(stop <-chan struct{}, timeout time.Duration) (wire.Event, bool) {
	select {
	case e := <-q.tick:
		return e, true
	default:
	}
	select {
	case e := <-q.proc:
		return e, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e := <-q.tick:
		return e, true
	case e := <-q.proc:
		return e, true
	case e := <-q.stats:
		return e, true
	case <-stop:
		return wire.Event{}, false
	case <-timer.C:
		return wire.Event{}, false
	}
}

// DisconnectQueue carries addresses the control thread wants the I/O
// thread to disconnect from the internal bus after handle_isolation
// (spec §4.2, §4.6).
type DisconnectQueue chan []string

// NewDisconnectQueue builds a disconnect queue with the given buffer
// capacity.
func NewDisconnectQueue(capacity int) DisconnectQueue {
	return make(DisconnectQueue, capacity)
}

// RequestChannel is the local push/pull request channel (spec §4.5.3):
// the control thread pushes, the I/O thread (via the request dispatcher)
// pulls.
type RequestChannel struct {
	ch chan wire.Request
}

// NewRequestChannel builds a request channel with the given buffer
// capacity.
func NewRequestChannel(capacity int) *RequestChannel {
	return &RequestChannel{ch: make(chan wire.Request, capacity)}
}

// Enqueue implements cluster.RequestSink: it blocks if the channel is
// full, which is the "queue waits" suspension point of spec §5.
func (r *RequestChannel) Enqueue(req wire.Request) {
	r.ch <- req
}

// Pull blocks until a request is available or stop is closed.
func (r *RequestChannel) Pull(stop <-chan struct{}) (wire.Request, bool) {
	select {
	case req := <-r.ch:
		return req, true
	case <-stop:
		return wire.Request{}, false
	}
}

// TryPull returns immediately: (request, true) if one was already queued,
// or (zero, false) if the channel was empty. Used by the I/O loop to
// drain pending requests between event polls without blocking (spec §5).
func (r *RequestChannel) TryPull() (wire.Request, bool) {
	select {
	case req := <-r.ch:
		return req, true
	default:
		return wire.Request{}, false
	}
}
