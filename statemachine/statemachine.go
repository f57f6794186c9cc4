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

// Package statemachine implements the Cluster FSM (spec §4.4, C7): the
// global state machine driving deployment, conflict resolution, restart
// and shutdown. The transition table is a package-level map built once and
// never mutated; each state's enter/next/exit behaviour is a case of a
// switch in the corresponding FSM method rather than subclass dispatch.
package statemachine

import (
	"log/slog"
	"time"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/strategy"
	"github.com/rajesnal/supvisors/wire"
)

// State is one of the seven cluster-wide states (spec §3 Cluster State).
type State int

const (
	Initialization State = iota
	Deployment
	Operation
	Conciliation
	Restarting
	ShuttingDown
	Shutdown
)

func (s State) String() string {
	switch s {
	case Initialization:
		return "INITIALIZATION"
	case Deployment:
		return "DEPLOYMENT"
	case Operation:
		return "OPERATION"
	case Conciliation:
		return "CONCILIATION"
	case Restarting:
		return "RESTARTING"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// transitions is the immutable table of states reachable from each state
// (spec §4.4, §8 invariant 6: "the FSM only ever takes transitions listed
// in §4.4"). Built once at package init.
var transitions = map[State]map[State]bool{
	Initialization: {Deployment: true},
	Deployment:     {Conciliation: true, Operation: true, Restarting: true, ShuttingDown: true},
	Operation:      {Initialization: true, Conciliation: true, Restarting: true, ShuttingDown: true},
	Conciliation:   {Operation: true, Initialization: true, Restarting: true, ShuttingDown: true},
	Restarting:     {Shutdown: true},
	ShuttingDown:   {Shutdown: true},
	Shutdown:       {},
}

func (s State) canEnter(next State) bool { return transitions[s][next] }

// RequestSink is where the FSM places outbound RESTART/SHUTDOWN requests
// (spec §4.4 RESTARTING/SHUTTING_DOWN.exit). Satisfied by the local
// push/pull channel without importing transport (spec §9).
type RequestSink interface {
	Enqueue(wire.Request)
}

// StatusPublisher is where the FSM publishes a SupvisorsStatus event on
// every state change (spec §4.4).
type StatusPublisher interface {
	PublishSupvisorsStatus(state string, masterAddress string, isMaster bool)
}

// Options carries the run's fixed configuration (spec §6).
type Options struct {
	AutoFence           bool
	SynchroTimeout      time.Duration
	ConciliationStrategy string
}

// FSM drives the cluster-wide state (spec §4.4, C7). It is constructed
// with the explicit "services" value pattern of spec §9: every
// collaborator it needs is passed in as an interface, with no back-
// reference to a monolithic top-level object.
type FSM struct {
	log *slog.Logger
	ctx *cluster.Context
	opt Options

	deployer    strategy.Deployer
	stopper     strategy.Stopper
	conciliator strategy.Conciliator

	requests RequestSink
	status   StatusPublisher

	state         State
	masterAddress address.Address
	startDate     time.Time

	wantRestart  bool
	wantShutdown bool
}

// New builds an FSM in INITIALIZATION.
func New(log *slog.Logger, ctx *cluster.Context, opt Options, deployer strategy.Deployer, stopper strategy.Stopper, conciliator strategy.Conciliator, requests RequestSink, status StatusPublisher) *FSM {
	if log == nil {
		log = slog.Default()
	}
	f := &FSM{
		log:         log,
		ctx:         ctx,
		opt:         opt,
		deployer:    deployer,
		stopper:     stopper,
		conciliator: conciliator,
		requests:    requests,
		status:      status,
		state:       Initialization,
	}
	f.enter(Initialization)
	return f
}

// State returns the FSM's current cluster state.
func (f *FSM) State() State { return f.state }

// IsMaster reports whether self is the elected master.
func (f *FSM) IsMaster() bool {
	return f.masterAddress != "" && f.ctx.Mapper().IsSelf(f.masterAddress)
}

// MasterAddress returns the elected master, empty until elected.
func (f *FSM) MasterAddress() address.Address { return f.masterAddress }

// RequestRestart asks the FSM to move to RESTARTING on the next timer
// tick (spec S6 scenario: on_restart() from a peer drives the FSM there).
func (f *FSM) RequestRestart()  { f.wantRestart = true }
func (f *FSM) RequestShutdown() { f.wantShutdown = true }

// Timer is the periodic 5-second handler the I/O loop invokes (spec
// §4.6): it runs the Context's timer, applies isolation, then advances
// the FSM's own next() guard and, on a change, the enter/exit pair.
func (f *FSM) Timer(now time.Time) []address.Address {
	f.ctx.OnTimer(now)
	isolated := f.ctx.HandleIsolation()

	next := f.next(now)
	if next != f.state {
		f.transition(next)
	}
	return isolated
}

func (f *FSM) transition(next State) {
	if !f.state.canEnter(next) {
		f.log.Warn("rejected illegal FSM transition", "from", f.state, "to", next)
		return
	}
	f.exit(f.state)
	prev := f.state
	f.state = next
	f.log.Info("cluster state transition", "from", prev, "to", next)
	f.enter(next)
	f.publishStatus()
}

func (f *FSM) publishStatus() {
	if f.status == nil {
		return
	}
	f.status.PublishSupvisorsStatus(f.state.String(), string(f.masterAddress), f.IsMaster())
}

// next evaluates spec §4.4's "On next" guard for the current state.
func (f *FSM) next(now time.Time) State {
	switch f.state {
	case Initialization:
		if f.ctx.SelfRunning() && f.ctx.AllLeftUnknown() {
			return Deployment
		}
		if now.Sub(f.startDate) > f.opt.SynchroTimeout {
			return Deployment
		}
		return Initialization

	case Deployment:
		if f.wantRestart || f.wantShutdown {
			return f.shutdownPathEntry()
		}
		if !f.IsMaster() || f.deployer.Idle() {
			if len(f.ctx.Model().Conflicts()) > 0 {
				return Conciliation
			}
			return Operation
		}
		return Deployment

	case Operation:
		if f.wantRestart || f.wantShutdown {
			return f.shutdownPathEntry()
		}
		if f.deployer.Idle() && f.stopper.Idle() {
			if !f.ctx.SelfRunning() || !f.masterRunning() {
				return Initialization
			}
		}
		if len(f.ctx.Model().Conflicts()) > 0 {
			return Conciliation
		}
		return Operation

	case Conciliation:
		if f.wantRestart || f.wantShutdown {
			return f.shutdownPathEntry()
		}
		if !f.ctx.SelfRunning() || !f.masterRunning() {
			return Initialization
		}
		if len(f.ctx.Model().Conflicts()) == 0 {
			return Operation
		}
		return Conciliation

	case Restarting, ShuttingDown:
		if f.stopper.Idle() {
			return Shutdown
		}
		return f.state

	default: // Shutdown is terminal
		return Shutdown
	}
}

func (f *FSM) shutdownPathEntry() State {
	if f.wantRestart {
		return Restarting
	}
	return ShuttingDown
}

func (f *FSM) masterRunning() bool {
	state, ok := f.ctx.PeerState(f.masterAddress)
	return ok && state.String() == "RUNNING"
}

// enter applies spec §4.4's "On enter" for state.
func (f *FSM) enter(state State) {
	switch state {
	case Initialization:
		f.masterAddress = ""
		f.startDate = time.Now()
		f.ctx.ResetForInitialization()

	case Deployment:
		apps := f.ctx.Model().Applications()
		if f.IsMaster() {
			f.deployer.StartApplications(apps, f.ctx.RunningAddresses())
		}

	case Conciliation:
		if f.IsMaster() {
			f.conciliator.Conciliate(f.ctx.Model().Conflicts(), f.opt.ConciliationStrategy)
		}

	case Restarting, ShuttingDown:
		f.stopper.StopApplications(f.ctx.Model().Applications())

	case Operation, Shutdown:
		// nothing to do on enter
	}
}

// exit applies spec §4.4's "On exit" for state.
func (f *FSM) exit(state State) {
	switch state {
	case Initialization:
		f.ctx.ForceFromUnknown()
		f.masterAddress = address.Min(f.ctx.RunningAddresses())

	case Restarting:
		f.broadcastToAllRunning(wire.ReqRestart)

	case ShuttingDown:
		f.broadcastToAllRunning(wire.ReqShutdown)
	}
}

// broadcastToAllRunning sends header to every RUNNING peer, self last
// (spec §4.4 RESTARTING/SHUTTING_DOWN.exit, scenario S6).
func (f *FSM) broadcastToAllRunning(header wire.RequestHeader) {
	self := f.ctx.Mapper().Self()
	var selfIncluded bool
	for _, addr := range f.ctx.RunningAddresses() {
		if addr == self {
			selfIncluded = true
			continue
		}
		f.requests.Enqueue(wire.Request{Header: header, Address: string(addr)})
	}
	if selfIncluded {
		f.requests.Enqueue(wire.Request{Header: header, Address: string(self)})
	}
}
