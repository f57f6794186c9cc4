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

// Package process implements the process/application model (spec §3,
// §4.3, C3): per-process observed state across peers, the conflict
// predicate, and the applications that group processes together.
package process

import (
	"sort"
	"sync"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/rules"
	"github.com/rajesnal/supvisors/wire"
)

// State mirrors the runtime states a local process manager reports for a
// managed process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Backoff
	Stopping
	Exited
	Fatal
	Unknown
)

func ParseState(s string) State {
	switch s {
	case "STARTING":
		return Starting
	case "RUNNING":
		return Running
	case "BACKOFF":
		return Backoff
	case "STOPPING":
		return Stopping
	case "EXITED":
		return Exited
	case "FATAL":
		return Fatal
	case "STOPPED":
		return Stopped
	default:
		return Unknown
	}
}

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Backoff:
		return "BACKOFF"
	case Stopping:
		return "STOPPING"
	case Exited:
		return "EXITED"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether s counts as "simultaneously running" for the
// conflict predicate (spec §3): a program that is up or on its way up on
// a peer occupies that peer.
func (s State) Live() bool {
	return s == Starting || s == Running || s == Backoff
}

// Info is the per-peer entry for a process (spec §3: local_process_info).
type Info struct {
	State     State
	StartTime int64
	StopTime  int64
	ExtraArgs string
}

// Seed is the bulk-load shape used by load_processes (spec §4.3): one
// entry per process a peer reports at its first authorized tick.
type Seed struct {
	Group     string
	Name      string
	State     State
	StartTime int64
	ExtraArgs string
}

func (s Seed) Namespec() string { return s.Group + ":" + s.Name }

// Process is a single managed program, keyed by its group:name namespec,
// with one observed Info per peer that has ever reported it.
type Process struct {
	Group           string
	Name            string
	FailureStrategy rules.FailureStrategy
	Required        bool

	mtx     sync.RWMutex
	perPeer map[address.Address]*Info
}

func (p *Process) Namespec() string { return p.Group + ":" + p.Name }

// Conflicting reports whether two or more peers currently hold a live
// entry for this process (spec §3, §4.3, §8 invariant 5).
func (p *Process) Conflicting() bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.liveCountLocked() >= 2
}

func (p *Process) liveCountLocked() int {
	n := 0
	for _, info := range p.perPeer {
		if info.State.Live() {
			n++
		}
	}
	return n
}

// RunningOn returns the addresses currently holding a live entry for this
// process, sorted for determinism.
func (p *Process) RunningOn() []address.Address {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	var out []address.Address
	for a, info := range p.perPeer {
		if info.State.Live() {
			out = append(out, a)
		}
	}
	return address.Sorted(out)
}

// InfoOn returns a copy of the entry for addr, if any has been observed.
func (p *Process) InfoOn(addr address.Address) (Info, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	info, ok := p.perPeer[addr]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

func (p *Process) setLocked(addr address.Address, info Info) {
	if p.perPeer == nil {
		p.perPeer = make(map[address.Address]*Info)
	}
	cp := info
	p.perPeer[addr] = &cp
}

// invalidate removes addr's entry on behalf of the Context when that peer
// leaves RUNNING (spec §4.1). Returns true if an entry existed.
func (p *Process) invalidate(addr address.Address) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.perPeer[addr]; !ok {
		return false
	}
	delete(p.perPeer, addr)
	return true
}

// Application groups a set of Processes, carrying rules loaded once at
// creation (spec §3, §4.3).
type Application struct {
	Name  string
	Rules rules.ApplicationRules

	mtx       sync.RWMutex
	processes map[string]*Process
}

// Processes returns the application's processes in a stable order.
func (a *Application) Processes() []*Process {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	out := make([]*Process, 0, len(a.processes))
	for _, p := range a.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespec() < out[j].Namespec() })
	return out
}

// Conflicting reports whether any contained process is conflicting.
func (a *Application) Conflicting() bool {
	for _, p := range a.Processes() {
		if p.Conflicting() {
			return true
		}
	}
	return false
}

// Model is the top-level registry the Context (cluster.Context, C4) owns:
// every application and process ever observed this run.
type Model struct {
	rules *rules.Store

	mtx          sync.RWMutex
	applications map[string]*Application
	processes    map[string]*Process // keyed by namespec
}

// NewModel builds an empty registry backed by the given rules collaborator.
// rulesStore may be nil, in which case every application/process gets the
// package defaults.
func NewModel(rulesStore *rules.Store) *Model {
	return &Model{
		rules:        rulesStore,
		applications: make(map[string]*Application),
		processes:    make(map[string]*Process),
	}
}

// SetdefaultApplication returns the existing application named name, or
// creates one and loads its rules (spec §4.3).
func (m *Model) SetdefaultApplication(name string) *Application {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.setdefaultApplicationLocked(name)
}

func (m *Model) setdefaultApplicationLocked(name string) *Application {
	if a, ok := m.applications[name]; ok {
		return a
	}
	a := &Application{
		Name:      name,
		Rules:     m.rules.Application(name),
		processes: make(map[string]*Process),
	}
	m.applications[name] = a
	return a
}

// SetdefaultProcess returns the existing process for namespec, or creates
// one: it inherits the running-failure-strategy from its application at
// creation and loads its own process rules (spec §4.3).
func (m *Model) SetdefaultProcess(group, name string) *Process {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.setdefaultProcessLocked(group, name)
}

func (m *Model) setdefaultProcessLocked(group, name string) *Process {
	namespec := group + ":" + name
	if p, ok := m.processes[namespec]; ok {
		return p
	}
	app := m.setdefaultApplicationLocked(group)
	pr := m.rules.Process(namespec)
	strategy := app.Rules.FailureStrategy
	if pr.FailureStrategy != nil {
		strategy = *pr.FailureStrategy
	}
	p := &Process{
		Group:           group,
		Name:            name,
		FailureStrategy: strategy,
		Required:        pr.Required,
		perPeer:         make(map[address.Address]*Info),
	}
	m.processes[namespec] = p
	app.mtx.Lock()
	app.processes[namespec] = p
	app.mtx.Unlock()
	return p
}

// Lookup returns the process for namespec, if it has already been created
// by a prior load_processes or process event (spec §4.2: on_process_event
// drops events for processes not yet known).
func (m *Model) Lookup(group, name string) (*Process, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	p, ok := m.processes[group+":"+name]
	return p, ok
}

// LoadProcesses bulk-creates processes and populates addr's entries, once
// per peer after its first authorized tick (spec §4.3).
func (m *Model) LoadProcesses(addr address.Address, seeds []Seed) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, seed := range seeds {
		p := m.setdefaultProcessLocked(seed.Group, seed.Name)
		p.setLocked(addr, Info{State: seed.State, StartTime: seed.StartTime, ExtraArgs: seed.ExtraArgs})
	}
}

// ApplyEvent applies spec §4.2's on_process_event: locate the process via
// (event.group, event.name); if absent, the event is dropped (no
// tick/load yet, logged at debug per §7); else update the per-peer entry
// and return the process.
func (m *Model) ApplyEvent(addr address.Address, ev wire.ProcessEventBody) (*Process, bool) {
	p, ok := m.Lookup(ev.Group, ev.Name)
	if !ok {
		return nil, false
	}
	p.mtx.Lock()
	p.setLocked(addr, Info{
		State:     ParseState(ev.State),
		StartTime: ev.StartTime,
		StopTime:  ev.StopTime,
		ExtraArgs: ev.ExtraArgs,
	})
	p.mtx.Unlock()
	return p, true
}

// InvalidatePeer invalidates every per-peer entry hosted on addr across
// every process (spec §4.1: "every Process Status that had a running
// entry on that peer has that entry invalidated"). It returns the
// namespecs of processes that were required and lost their only running
// entry, for the failure-handler hook (spec §9 open question).
func (m *Model) InvalidatePeer(addr address.Address) []string {
	m.mtx.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mtx.RUnlock()

	var affected []string
	for _, p := range procs {
		wasLive := false
		if info, ok := p.InfoOn(addr); ok && info.State.Live() {
			wasLive = true
		}
		if p.invalidate(addr) && wasLive && p.Required && len(p.RunningOn()) == 0 {
			affected = append(affected, p.Namespec())
		}
	}
	return affected
}

// Conflicts returns every process currently in conflict (spec §4.3).
func (m *Model) Conflicts() []*Process {
	m.mtx.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mtx.RUnlock()

	var out []*Process
	for _, p := range procs {
		if p.Conflicting() {
			out = append(out, p)
		}
	}
	return out
}

// Applications returns every application in the registry.
func (m *Model) Applications() []*Application {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	out := make([]*Application, 0, len(m.applications))
	for _, a := range m.applications {
		out = append(out, a)
	}
	return out
}
