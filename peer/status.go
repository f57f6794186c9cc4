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

// Package peer implements the per-peer liveness state machine (spec §3,
// §4.1, C2): UNKNOWN/CHECKING/RUNNING/SILENT/ISOLATING/ISOLATED and the
// timestamps that drive its transitions.
package peer

import (
	"time"

	"github.com/rajesnal/supvisors/address"
)

// State is one of the enumerated liveness states a peer can be in.
type State int

const (
	Unknown State = iota
	Checking
	Running
	Silent
	Isolating
	Isolated
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Checking:
		return "CHECKING"
	case Running:
		return "RUNNING"
	case Silent:
		return "SILENT"
	case Isolating:
		return "ISOLATING"
	case Isolated:
		return "ISOLATED"
	default:
		return "INVALID"
	}
}

// SilenceTimeout is the maximum gap between observed ticks before a
// RUNNING peer is considered to have stopped reporting (spec §4.1).
const SilenceTimeout = 10 * time.Second

// Status tracks one peer's liveness state and the timestamps used to
// drive §4.1's transitions.
//
// Invariants (spec §8): State is always one of the enumerated values;
// once Isolated, no subsequent ingestion changes it; LocalTime is
// non-decreasing; Self is never Isolating or Isolated.
type Status struct {
	Address    address.Address
	State      State
	RemoteTime int64     // monotonic sequence number reported by the peer
	LocalTime  time.Time // wall-clock time when RemoteTime was last observed
}

// New returns a freshly UNKNOWN status for addr.
func New(addr address.Address) *Status {
	return &Status{Address: addr, State: Unknown}
}

// Terminal reports whether no further ingestion can move this peer out of
// its current state.
func (s *Status) Terminal() bool { return s.State == Isolated }

// invalidBranch returns the state a peer moves to when it is rejected or
// goes silent: ISOLATING when auto-fencing applies to a non-self peer,
// SILENT otherwise (spec §4.1).
func invalidBranch(autoFence, isSelf bool) State {
	if autoFence && !isSelf {
		return Isolating
	}
	return Silent
}

// OnTick applies spec §4.2's on_tick transition. now is the wall-clock
// time of ingestion; when is the peer-reported monotonic sequence number.
// Returns true if a check_address request should be emitted.
func (s *Status) OnTick(now time.Time, when int64, isSelf bool) (emitCheck bool) {
	if s.Terminal() {
		return false
	}
	if s.State == Unknown || s.State == Silent {
		s.State = Checking
		emitCheck = true
	}
	s.RemoteTime = when
	s.LocalTime = now
	return emitCheck
}

// OnAuthorization applies spec §4.1's CHECKING -> {RUNNING, SILENT,
// ISOLATING} transition.
func (s *Status) OnAuthorization(authorized, autoFence, isSelf bool) {
	if s.Terminal() {
		return
	}
	if authorized {
		s.State = Running
		return
	}
	s.State = invalidBranch(autoFence, isSelf)
}

// OnTimer applies spec §4.1/§4.2's RUNNING -> {SILENT, ISOLATING}
// transition when ticks stop arriving. Returns true if the peer was
// invalidated by this call.
func (s *Status) OnTimer(now time.Time, autoFence, isSelf bool) bool {
	if s.State != Running {
		return false
	}
	if now.Sub(s.LocalTime) <= SilenceTimeout {
		return false
	}
	s.State = invalidBranch(autoFence, isSelf)
	return true
}

// ForceFromUnknown applies the end-of-INITIALIZATION rule (spec §4.1):
// any peer still UNKNOWN is forced to the invalid branch, bounding
// synchronization time. A no-op unless the peer is currently UNKNOWN.
func (s *Status) ForceFromUnknown(autoFence, isSelf bool) bool {
	if s.State != Unknown {
		return false
	}
	s.State = invalidBranch(autoFence, isSelf)
	return true
}

// Isolate applies the ISOLATING -> ISOLATED terminal step (spec §4.1,
// handle_isolation). A no-op unless the peer is currently ISOLATING.
func (s *Status) Isolate() bool {
	if s.State != Isolating {
		return false
	}
	s.State = Isolated
	return true
}

// ForceIsolating applies an operator-driven ISOLATE_ADDRESSES request
// (spec §6 request frames): moves a non-terminal, non-self peer straight
// to ISOLATING regardless of its current state, skipping the usual
// CHECKING/authorization handshake. Self is never isolated (spec §3, §8
// invariant 3); a no-op if already terminal.
func (s *Status) ForceIsolating(isSelf bool) bool {
	if isSelf || s.Terminal() || s.State == Isolating {
		return false
	}
	s.State = Isolating
	return true
}

// ResetForInitialization applies spec §4.4 INITIALIZATION.enter: every
// non-isolated peer returns to UNKNOWN.
func (s *Status) ResetForInitialization() {
	if s.State == Isolated {
		return
	}
	s.State = Unknown
	s.RemoteTime = 0
	s.LocalTime = time.Time{}
}
