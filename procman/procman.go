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

// Package procman defines the well-defined request interface the core
// delegates actual process launching to (spec §1 Non-goals, §4.7 C8: "it
// does not launch OS processes itself; it delegates to a local process
// manager on each peer"), plus a reference os/exec-backed implementation
// so the daemon is runnable end to end.
package procman

import (
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Snapshot is one process's current runtime state, as reported by the
// local process manager.
type Snapshot struct {
	Group     string
	Name      string
	State     string // STOPPED, STARTING, RUNNING, BACKOFF, STOPPING, EXITED, FATAL
	StartTime int64
	StopTime  int64
	ExtraArgs string
}

func (s Snapshot) Namespec() string { return s.Group + ":" + s.Name }

// Manager is the interface the request dispatcher (rpcrequests, C8)
// issues calls against, whether local (direct call, no serialization) or
// through the sibling admin proxy of a remote peer.
type Manager interface {
	ListProcesses() ([]Snapshot, error)
	StartProcess(namespec string, extraArgs string) error
	StopProcess(namespec string) error
	Restart() error
	Shutdown() error
}

// ProgramSpec is one managed program's launch command, keyed by namespec.
type ProgramSpec struct {
	Group   string
	Name    string
	Command string
	Args    []string
}

func (p ProgramSpec) Namespec() string { return p.Group + ":" + p.Name }

// ExecManager is a reference Manager backed by os/exec: each managed
// program is a real child process on the local host. It is intentionally
// simple — no log capture, no backoff/retry policy beyond what the FSM
// above it drives — since the core's job is orchestration, not process
// supervision mechanics (spec §1 Non-goals).
type ExecManager struct {
	mtx      sync.Mutex
	specs    map[string]ProgramSpec
	running  map[string]*exec.Cmd
	started  map[string]int64
	stopped  map[string]int64
	restartF func() error
	shutdownF func() error
}

// NewExecManager builds a manager over the given program specs.
// onRestart/onShutdown let the daemon wire RESTART/SHUTDOWN requests to
// its own process lifecycle. Either may be nil: Restart then does nothing,
// and Shutdown only stops the managed children.
func NewExecManager(specs []ProgramSpec, onRestart, onShutdown func() error) *ExecManager {
	m := &ExecManager{
		specs:     make(map[string]ProgramSpec, len(specs)),
		running:   make(map[string]*exec.Cmd),
		started:   make(map[string]int64),
		stopped:   make(map[string]int64),
		restartF:  onRestart,
		shutdownF: onShutdown,
	}
	for _, s := range specs {
		m.specs[s.Namespec()] = s
	}
	return m
}

func (m *ExecManager) ListProcesses() ([]Snapshot, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]Snapshot, 0, len(m.specs))
	for ns, spec := range m.specs {
		state := "STOPPED"
		if cmd, ok := m.running[ns]; ok && cmd.ProcessState == nil {
			state = "RUNNING"
		} else if ok && cmd.ProcessState != nil {
			state = "EXITED"
		}
		out = append(out, Snapshot{
			Group:     spec.Group,
			Name:      spec.Name,
			State:     state,
			StartTime: m.started[ns],
			StopTime:  m.stopped[ns],
		})
	}
	return out, nil
}

func (m *ExecManager) StartProcess(namespec, extraArgs string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	spec, ok := m.specs[namespec]
	if !ok {
		return errors.Errorf("unknown process %q", namespec)
	}
	if cmd, ok := m.running[namespec]; ok && cmd.ProcessState == nil {
		return nil // already running
	}
	args := spec.Args
	if extraArgs != "" {
		args = append(append([]string{}, spec.Args...), extraArgs)
	}
	cmd := exec.Command(spec.Command, args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", namespec)
	}
	m.running[namespec] = cmd
	m.started[namespec] = time.Now().Unix()
	go func() { _ = cmd.Wait() }()
	return nil
}

func (m *ExecManager) StopProcess(namespec string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cmd, ok := m.running[namespec]
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return errors.Wrapf(err, "stop %s", namespec)
	}
	m.stopped[namespec] = time.Now().Unix()
	return nil
}

func (m *ExecManager) Restart() error {
	if m.restartF != nil {
		return m.restartF()
	}
	return nil
}

func (m *ExecManager) Shutdown() error {
	m.mtx.Lock()
	specs := make([]string, 0, len(m.running))
	for ns := range m.running {
		specs = append(specs, ns)
	}
	m.mtx.Unlock()
	for _, ns := range specs {
		_ = m.StopProcess(ns)
	}
	if m.shutdownF != nil {
		return m.shutdownF()
	}
	return nil
}
