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

// Package cluster implements the Context (spec §4.2, C4): it aggregates
// the Address Mapper, Peer Status map and Process/Application Model,
// ingests events from the control thread, and applies the isolation
// policy (spec §4.1). The Context is the sole writer of cluster state;
// every mutation happens on the control thread that owns it (spec §5).
package cluster

import (
	"time"

	"github.com/pkg/errors"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/peer"
	"github.com/rajesnal/supvisors/process"
	"github.com/rajesnal/supvisors/stats"
	"github.com/rajesnal/supvisors/wire"
)

// ErrUnknownPeer is returned when an event references an address outside
// the fixed address_list (spec §7).
var ErrUnknownPeer = errors.New("unknown peer address")

// ErrIsolatedPeer is returned when an event arrives from a peer already
// isolated (spec §4.2).
var ErrIsolatedPeer = errors.New("peer is isolated")

// RequestSink is where the Context enqueues outbound requests — a
// check_address on tick, for instance. It is satisfied by the local
// push/pull channel (spec §4.5.3) without the Context depending on the
// transport package directly (spec §9: no cyclic ownership).
type RequestSink interface {
	Enqueue(wire.Request)
}

// Publisher is where the Context publishes summarized status after every
// ingestion, mirroring the external event bus frames (spec §4.5.2).
type Publisher interface {
	PublishAddressStatus(AddressView)
	PublishApplicationStatus(ApplicationView)
	PublishProcessStatus(ProcessView)
}

// AddressView is the serializable snapshot of a peer's liveness state.
type AddressView struct {
	Address    string `json:"address"`
	State      string `json:"state"`
	RemoteTime int64  `json:"remote_time"`
	LocalTime  int64  `json:"local_time"`
}

// ProcessView is the serializable snapshot of a process's cross-peer state.
type ProcessView struct {
	Namespec   string            `json:"namespec"`
	Conflicting bool             `json:"conflicting"`
	PerPeer    map[string]string `json:"per_peer"`
}

// ApplicationView is the serializable snapshot of an application.
type ApplicationView struct {
	Name      string        `json:"name"`
	Processes []ProcessView `json:"processes"`
}

// Context owns every map of peers, processes and applications. It is the
// only writer during control-thread work (spec §3 Ownership).
type Context struct {
	mapper    *address.Mapper
	autoFence bool

	peers map[address.Address]*peer.Status
	model *process.Model

	stats     stats.Collector
	publisher Publisher
	sink      RequestSink

	onRequiredProcessLost func(namespec string)
}

// New builds a Context over every address in mapper, starting every peer
// at UNKNOWN.
func New(mapper *address.Mapper, autoFence bool, model *process.Model, statsCollector stats.Collector, publisher Publisher, sink RequestSink) *Context {
	if statsCollector == nil {
		statsCollector = stats.Discard{}
	}
	c := &Context{
		mapper:    mapper,
		autoFence: autoFence,
		peers:     make(map[address.Address]*peer.Status, len(mapper.Addresses())),
		model:     model,
		stats:     statsCollector,
		publisher: publisher,
		sink:      sink,
	}
	for _, a := range mapper.Addresses() {
		c.peers[a] = peer.New(a)
	}
	return c
}

// OnRequiredProcessLost registers the hook invoked when a required
// process loses its last running entry because its host peer left
// RUNNING. The Context does not check whether self is master: it invokes
// the hook on every peer, and whether to act on it is left to the code
// that registers the hook.
func (c *Context) OnRequiredProcessLost(fn func(namespec string)) {
	c.onRequiredProcessLost = fn
}

func (c *Context) isSelf(addr address.Address) bool { return c.mapper.IsSelf(addr) }

// OnTick applies spec §4.2's on_tick.
func (c *Context) OnTick(addr address.Address, when int64, now time.Time) error {
	p, ok := c.peers[addr]
	if !ok {
		return ErrUnknownPeer
	}
	if p.Terminal() {
		return ErrIsolatedPeer
	}
	if p.OnTick(now, when, c.isSelf(addr)) {
		c.sink.Enqueue(wire.Request{Header: wire.ReqCheckAddress, Address: string(addr)})
	}
	c.publishAddress(p)
	return nil
}

// OnProcessEvent applies spec §4.2's on_process_event.
func (c *Context) OnProcessEvent(addr address.Address, ev wire.ProcessEventBody) (*process.Process, error) {
	p, ok := c.peers[addr]
	if !ok {
		return nil, ErrUnknownPeer
	}
	if p.Terminal() {
		return nil, ErrIsolatedPeer
	}
	proc, found := c.model.ApplyEvent(addr, ev)
	if !found {
		// Logged at debug and dropped by the caller (spec §7): typical
		// before the first load_processes for this process.
		return nil, nil
	}
	c.publishProcess(proc)
	for _, app := range c.model.Applications() {
		for _, candidate := range app.Processes() {
			if candidate == proc {
				c.publishApplication(app)
			}
		}
	}
	return proc, nil
}

// OnAuthorization applies spec §4.1's CHECKING transition.
func (c *Context) OnAuthorization(addr address.Address, authorized bool) error {
	p, ok := c.peers[addr]
	if !ok {
		return ErrUnknownPeer
	}
	if p.Terminal() {
		return ErrIsolatedPeer
	}
	p.OnAuthorization(authorized, c.autoFence, c.isSelf(addr))
	if p.State == peer.Silent || p.State == peer.Isolating {
		c.invalidatePeerProcesses(addr)
	}
	c.publishAddress(p)
	return nil
}

// OnTimer applies spec §4.2's on_timer: every RUNNING peer whose last
// tick is more than 10s old is invalidated.
func (c *Context) OnTimer(now time.Time) {
	for addr, p := range c.peers {
		if p.OnTimer(now, c.autoFence, c.isSelf(addr)) {
			c.invalidatePeerProcesses(addr)
			c.publishAddress(p)
		}
	}
}

// HandleIsolation applies spec §4.2's handle_isolation: move every
// ISOLATING peer to ISOLATED, publish, and return their addresses so the
// transport can disconnect them.
func (c *Context) HandleIsolation() []address.Address {
	var isolated []address.Address
	for _, p := range c.peers {
		if p.Isolate() {
			isolated = append(isolated, p.Address)
			c.publishAddress(p)
		}
	}
	return isolated
}

// IsolateAddresses applies an operator-driven ISOLATE_ADDRESSES request
// (spec §6): every named peer is forced straight to ISOLATING, to be
// finalized to ISOLATED on the next HandleIsolation call. Unknown
// addresses and self are silently skipped.
func (c *Context) IsolateAddresses(addrs []address.Address) {
	for _, addr := range addrs {
		p, ok := c.peers[addr]
		if !ok {
			continue
		}
		if p.ForceIsolating(c.isSelf(addr)) {
			c.invalidatePeerProcesses(addr)
			c.publishAddress(p)
		}
	}
}

// ForceFromUnknown applies the end-of-INITIALIZATION rule (spec §4.1,
// §4.4 INITIALIZATION.exit): any peer still UNKNOWN is forced to the
// invalid branch.
func (c *Context) ForceFromUnknown() {
	for addr, p := range c.peers {
		if p.ForceFromUnknown(c.autoFence, c.isSelf(addr)) {
			c.publishAddress(p)
		}
	}
}

// ResetForInitialization applies spec §4.4 INITIALIZATION.enter: reset
// every non-isolated peer to UNKNOWN. Process state is left untouched
// (original_source/supvisors/statemachine.py preserves already-conciliated
// process state across a re-entry; spec §4.4 names peers, not processes).
func (c *Context) ResetForInitialization() {
	for _, p := range c.peers {
		p.ResetForInitialization()
	}
}

func (c *Context) invalidatePeerProcesses(addr address.Address) {
	affected := c.model.InvalidatePeer(addr)
	if len(affected) == 0 {
		return
	}
	for _, ns := range affected {
		if c.onRequiredProcessLost != nil {
			c.onRequiredProcessLost(ns)
		}
	}
}

// RunningAddresses returns every peer currently in the RUNNING state,
// sorted for deterministic master election (spec §4.4).
func (c *Context) RunningAddresses() []address.Address {
	var out []address.Address
	for addr, p := range c.peers {
		if p.State == peer.Running {
			out = append(out, addr)
		}
	}
	return address.Sorted(out)
}

// AllLeftUnknown reports whether every peer has moved off UNKNOWN.
func (c *Context) AllLeftUnknown() bool {
	for _, p := range c.peers {
		if p.State == peer.Unknown {
			return false
		}
	}
	return true
}

// SelfRunning reports whether self's peer status is currently RUNNING.
func (c *Context) SelfRunning() bool {
	p, ok := c.peers[c.mapper.Self()]
	return ok && p.State == peer.Running
}

// PeerState returns the current liveness state of addr.
func (c *Context) PeerState(addr address.Address) (peer.State, bool) {
	p, ok := c.peers[addr]
	if !ok {
		return peer.Unknown, false
	}
	return p.State, true
}

// Model exposes the process/application registry for the Deployer,
// Stopper and Conciliator strategies (C9).
func (c *Context) Model() *process.Model { return c.model }

// Mapper exposes the fixed address membership.
func (c *Context) Mapper() *address.Mapper { return c.mapper }

// IngestStatistics forwards an opaque STATISTICS body to the statistics
// collaborator (spec §4.6, §9 open question).
func (c *Context) IngestStatistics(addr address.Address, body []byte) error {
	return c.stats.Ingest(addr, body)
}

func (c *Context) publishAddress(p *peer.Status) {
	if c.publisher == nil {
		return
	}
	c.publisher.PublishAddressStatus(AddressView{
		Address:    string(p.Address),
		State:      p.State.String(),
		RemoteTime: p.RemoteTime,
		LocalTime:  p.LocalTime.Unix(),
	})
}

func (c *Context) publishProcess(p *process.Process) {
	if c.publisher == nil {
		return
	}
	perPeer := make(map[string]string)
	for _, addr := range c.mapper.Addresses() {
		if info, ok := p.InfoOn(addr); ok {
			perPeer[string(addr)] = info.State.String()
		}
	}
	c.publisher.PublishProcessStatus(ProcessView{
		Namespec:    p.Namespec(),
		Conflicting: p.Conflicting(),
		PerPeer:     perPeer,
	})
}

func (c *Context) publishApplication(a *process.Application) {
	if c.publisher == nil {
		return
	}
	procs := a.Processes()
	views := make([]ProcessView, 0, len(procs))
	for _, p := range procs {
		perPeer := make(map[string]string)
		for _, addr := range c.mapper.Addresses() {
			if info, ok := p.InfoOn(addr); ok {
				perPeer[string(addr)] = info.State.String()
			}
		}
		views = append(views, ProcessView{Namespec: p.Namespec(), Conflicting: p.Conflicting(), PerPeer: perPeer})
	}
	c.publisher.PublishApplicationStatus(ApplicationView{Name: a.Name, Processes: views})
}
