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

// Package strategy implements the Deployer, Stopper and Conciliator
// collaborators (spec §4.4, §9, C9): pluggable policies the FSM invokes
// during DEPLOYMENT, OPERATION/RESTARTING/SHUTTING_DOWN and CONCILIATION
// respectively. Only one concrete strategy ships per role; the FSM talks
// to the interfaces, never the concrete type, so a richer placement or
// voting policy can be swapped in without touching statemachine.
package strategy

import (
	"sort"
	"sync"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/process"
)

// Starter is the subset of the request dispatcher (rpcrequests, C8) that
// start/stop a process on a target peer. Defined locally so strategy does
// not import rpcrequests' HTTP/credentials concerns (spec §9: components
// depend only on the interface they need).
type Starter interface {
	StartProcess(target address.Address, namespec, extraArgs string) error
	StopProcess(target address.Address, namespec string) error
}

// Deployer drives DEPLOYMENT: for every application in start-sequence
// order, start any process that isn't live anywhere yet.
type Deployer interface {
	StartApplications(apps []*process.Application, candidates []address.Address)
	Idle() bool
}

// Stopper drives RESTARTING/SHUTTING_DOWN (and OPERATION's idle check):
// stop every live entry of the given applications.
type Stopper interface {
	StopApplications(apps []*process.Application)
	Idle() bool
}

// Conciliator drives CONCILIATION: given the conflicting processes and
// the configured strategy name, resolve each down to at most one running
// entry.
type Conciliator interface {
	Conciliate(conflicts []*process.Process, strategyName string)
}

// Named conciliation strategies (spec §6 conciliation_strategy).
const (
	ConciliateSenicide = "SENICIDE" // keep the most recently started entry, stop the rest
	ConciliateInfanticide = "INFANTICIDE" // keep the oldest entry, stop the rest
	ConciliateUser        = "USER"        // stop nothing; leave the conflict for a human
)

// sequencedDeployer starts applications in ascending StartSequence order,
// placing each not-yet-live process on the lowest-addressed candidate peer
// (deterministic, mirrors the master-election ordering of spec §4.4).
type sequencedDeployer struct {
	starter Starter

	mtx      sync.Mutex
	inFlight map[string]bool
}

// NewDeployer builds the default Deployer.
func NewDeployer(starter Starter) Deployer {
	return &sequencedDeployer{starter: starter, inFlight: make(map[string]bool)}
}

func (d *sequencedDeployer) StartApplications(apps []*process.Application, candidates []address.Address) {
	if len(candidates) == 0 {
		return
	}
	target := address.Min(candidates)

	sorted := append([]*process.Application{}, apps...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Rules.StartSequence < sorted[j].Rules.StartSequence
	})

	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, app := range sorted {
		for _, p := range app.Processes() {
			if len(p.RunningOn()) > 0 {
				continue
			}
			ns := p.Namespec()
			if d.inFlight[ns] {
				continue
			}
			d.inFlight[ns] = true
			go func(namespec string) {
				_ = d.starter.StartProcess(target, namespec, "")
				d.mtx.Lock()
				delete(d.inFlight, namespec)
				d.mtx.Unlock()
			}(ns)
		}
	}
}

func (d *sequencedDeployer) Idle() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.inFlight) == 0
}

// bulkStopper stops every live entry of the given applications, wherever
// it is currently running.
type bulkStopper struct {
	starter Starter

	mtx      sync.Mutex
	inFlight map[string]bool
}

// NewStopper builds the default Stopper.
func NewStopper(starter Starter) Stopper {
	return &bulkStopper{starter: starter, inFlight: make(map[string]bool)}
}

func (s *bulkStopper) StopApplications(apps []*process.Application) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, app := range apps {
		for _, p := range app.Processes() {
			ns := p.Namespec()
			for _, addr := range p.RunningOn() {
				key := ns + "@" + string(addr)
				if s.inFlight[key] {
					continue
				}
				s.inFlight[key] = true
				go func(target address.Address, namespec, k string) {
					_ = s.starter.StopProcess(target, namespec)
					s.mtx.Lock()
					delete(s.inFlight, k)
					s.mtx.Unlock()
				}(addr, ns, key)
			}
		}
	}
}

func (s *bulkStopper) Idle() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.inFlight) == 0
}

// policyConciliator resolves each conflicting process down to one running
// entry per the named strategy, stopping the losers via the Starter.
type policyConciliator struct {
	starter Starter
}

// NewConciliator builds the default Conciliator.
func NewConciliator(starter Starter) Conciliator {
	return &policyConciliator{starter: starter}
}

func (c *policyConciliator) Conciliate(conflicts []*process.Process, strategyName string) {
	if strategyName == ConciliateUser {
		return
	}
	for _, p := range conflicts {
		running := p.RunningOn()
		if len(running) < 2 {
			continue
		}
		var keep address.Address
		switch strategyName {
		case ConciliateInfanticide:
			keep = oldestStart(p, running)
		default: // SENICIDE and any unrecognized strategy default to it
			keep = newestStart(p, running)
		}
		for _, addr := range running {
			if addr == keep {
				continue
			}
			go c.starter.StopProcess(addr, p.Namespec())
		}
	}
}

func newestStart(p *process.Process, candidates []address.Address) address.Address {
	var best address.Address
	var bestTime int64 = -1
	for _, addr := range candidates {
		info, ok := p.InfoOn(addr)
		if ok && info.StartTime > bestTime {
			bestTime = info.StartTime
			best = addr
		}
	}
	return best
}

func oldestStart(p *process.Process, candidates []address.Address) address.Address {
	var best address.Address
	var bestTime int64 = -1
	for _, addr := range candidates {
		info, ok := p.InfoOn(addr)
		if !ok {
			continue
		}
		if bestTime == -1 || info.StartTime < bestTime {
			bestTime = info.StartTime
			best = addr
		}
	}
	return best
}
