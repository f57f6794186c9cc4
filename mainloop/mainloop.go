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

// Package mainloop implements the I/O Loop (spec §4.6, C6): the dedicated
// goroutine that drains the event queue fed by the internal bus, fires a
// periodic timer, forwards queued requests to a RequestExecutor, and hands
// the peers newly isolated by each FSM timer run straight to a
// Disconnector. The same goroutine applies events to the Context and runs
// the FSM; there is no separate control goroutine.
package mainloop

import (
	"log/slog"
	"time"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/statemachine"
	"github.com/rajesnal/supvisors/wire"
)

// EventQueue is the subset of transport.EventQueue the loop polls.
type EventQueue interface {
	PopWithTimeout(stop <-chan struct{}, timeout time.Duration) (wire.Event, bool)
}

// RequestSource is the subset of transport.RequestChannel the loop drains
// to hand outbound requests to the dispatcher.
type RequestSource interface {
	TryPull() (wire.Request, bool)
}

// Disconnector is satisfied by transport.InternalBus: the loop calls it
// once the control thread reports newly isolated peers.
type Disconnector interface {
	Disconnect(addrs []address.Address)
}

// RequestExecutor carries out a dispatched request against its target
// peer (local fast-path or remote proxy, C8). The loop does not know or
// care which.
type RequestExecutor interface {
	Execute(req wire.Request) error
}

// Loop is the dedicated I/O goroutine of spec §4.6. Inbound events are
// decoded by the transport layer before they reach the queue; the loop
// then applies them to the Context itself (OnTick, OnProcessEvent,
// IngestStatistics) and calls the FSM's Timer on the same goroutine.
// Outbound requests are opaque wire.Request values handed to a
// RequestExecutor.
type Loop struct {
	log *slog.Logger

	events  EventQueue
	reqs    RequestSource
	disc    Disconnector
	exec    RequestExecutor
	ctx     *cluster.Context
	fsm     *statemachine.FSM

	tickPeriod time.Duration
	pollTimeout time.Duration
}

// New builds an I/O loop. tickPeriod is the periodic timer interval
// (spec §4.6: "every 5 seconds"); pass 0 to use the spec default.
func New(log *slog.Logger, ctx *cluster.Context, fsm *statemachine.FSM, events EventQueue, reqs RequestSource, disc Disconnector, exec RequestExecutor, tickPeriod time.Duration) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if tickPeriod <= 0 {
		tickPeriod = 5 * time.Second
	}
	return &Loop{log: log, ctx: ctx, fsm: fsm, events: events, reqs: reqs, disc: disc, exec: exec, tickPeriod: tickPeriod, pollTimeout: time.Second}
}

// Run blocks until stop is closed. It is meant to be run under an
// oklog/run.Group actor, which supplies the cancellation channel as the
// interrupt function's argument (spec §5: "stop is cooperative").
//
// Each iteration polls the event queue with a 1-second timeout (spec
// §4.6), so a quiet period never delays the periodic timer or stop check
// by more than one poll interval (spec §5: "jitter up to one poll
// interval is acceptable").
func (l *Loop) Run(stop <-chan struct{}) error {
	ticker := time.NewTicker(l.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		select {
		case <-ticker.C:
			l.onTimer()
		default:
		}

		l.drainRequests(stop)

		ev, ok := l.events.PopWithTimeout(stop, l.pollTimeout)
		if !ok {
			continue // timed out, or stop closed — loop re-checks stop above
		}
		l.dispatchEvent(ev)
	}
}

func (l *Loop) dispatchEvent(ev wire.Event) {
	now := time.Now()
	addr := address.Address(ev.Origin)
	switch ev.Header {
	case wire.EventTick:
		if ev.Tick == nil {
			l.log.Warn("malformed tick event dropped", "origin", ev.Origin)
			return
		}
		if err := l.ctx.OnTick(addr, ev.Tick.When, now); err != nil {
			l.log.Warn("tick rejected", "origin", ev.Origin, "err", err)
		}
	case wire.EventProcess:
		if ev.Process == nil {
			l.log.Warn("malformed process event dropped", "origin", ev.Origin)
			return
		}
		if _, err := l.ctx.OnProcessEvent(addr, *ev.Process); err != nil {
			l.log.Warn("process event rejected", "origin", ev.Origin, "err", err)
		}
	case wire.EventStatistics:
		if err := l.ctx.IngestStatistics(addr, ev.Statistics); err != nil {
			l.log.Debug("statistics ingestion failed", "origin", ev.Origin, "err", err)
		}
	}
}

func (l *Loop) onTimer() {
	isolated := l.fsm.Timer(time.Now())
	if len(isolated) > 0 && l.disc != nil {
		l.disc.Disconnect(isolated)
	}
}

// drainRequests forwards every request currently queued without blocking,
// so a burst of outbound work never delays the next event poll.
func (l *Loop) drainRequests(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		req, ok := l.reqs.TryPull()
		if !ok {
			return
		}
		if err := l.exec.Execute(req); err != nil {
			l.log.Warn("outbound request failed", "header", req.Header, "address", req.Address, "err", err)
		}
	}
}
