package peer

import (
	"testing"
	"time"

	"github.com/rajesnal/supvisors/address"
)

func TestOnTickFromUnknownEmitsCheck(t *testing.T) {
	s := New(address.Address("a"))
	now := time.Now()
	if emit := s.OnTick(now, 1, false); !emit {
		t.Fatal("expected check_address to be emitted from UNKNOWN")
	}
	if s.State != Checking {
		t.Fatalf("expected CHECKING, got %s", s.State)
	}
	if s.RemoteTime != 1 || !s.LocalTime.Equal(now) {
		t.Fatal("expected timestamps to be updated")
	}
}

func TestOnTickRepeatedIsIdempotentExceptLocalTime(t *testing.T) {
	s := New(address.Address("a"))
	t0 := time.Now()
	s.OnTick(t0, 5, false)
	s.OnAuthorization(true, false, false)
	t1 := t0.Add(time.Second)
	s.OnTick(t1, 5, false)
	if s.State != Running {
		t.Fatalf("expected state unchanged at RUNNING, got %s", s.State)
	}
	if s.RemoteTime != 5 {
		t.Fatalf("expected remote_time unchanged, got %d", s.RemoteTime)
	}
	if !s.LocalTime.Equal(t1) {
		t.Fatal("expected local_time to advance")
	}
}

func TestOnAuthorizationUnauthorizedAutoFenceNonSelf(t *testing.T) {
	s := New(address.Address("b"))
	s.OnTick(time.Now(), 1, false)
	s.OnAuthorization(false, true, false)
	if s.State != Isolating {
		t.Fatalf("expected ISOLATING, got %s", s.State)
	}
}

func TestOnAuthorizationUnauthorizedNoAutoFence(t *testing.T) {
	s := New(address.Address("b"))
	s.OnTick(time.Now(), 1, false)
	s.OnAuthorization(false, false, false)
	if s.State != Silent {
		t.Fatalf("expected SILENT, got %s", s.State)
	}
}

func TestSelfNeverIsolated(t *testing.T) {
	s := New(address.Address("self"))
	s.OnTick(time.Now(), 1, true)
	s.OnAuthorization(false, true, true)
	if s.State != Silent {
		t.Fatalf("self must never go ISOLATING, got %s", s.State)
	}
}

func TestOnTimerBoundary(t *testing.T) {
	s := New(address.Address("b"))
	t0 := time.Now()
	s.OnTick(t0, 1, false)
	s.OnAuthorization(true, false, false)

	// Exactly at 10s: not yet invalidated.
	if s.OnTimer(t0.Add(SilenceTimeout), false, false) {
		t.Fatal("expected no invalidation exactly at the boundary")
	}
	if s.State != Running {
		t.Fatalf("expected still RUNNING, got %s", s.State)
	}

	// Strictly greater than 10s: invalidated.
	if !s.OnTimer(t0.Add(SilenceTimeout+time.Nanosecond), false, false) {
		t.Fatal("expected invalidation strictly after the boundary")
	}
	if s.State != Silent {
		t.Fatalf("expected SILENT, got %s", s.State)
	}
}

func TestIsolateTerminal(t *testing.T) {
	s := New(address.Address("b"))
	s.OnTick(time.Now(), 1, false)
	s.OnAuthorization(false, true, false)
	if !s.Isolate() {
		t.Fatal("expected ISOLATING -> ISOLATED")
	}
	if s.State != Isolated {
		t.Fatalf("expected ISOLATED, got %s", s.State)
	}
	// Idempotent: repeating after drain leaves state unchanged.
	if s.Isolate() {
		t.Fatal("expected no-op once already ISOLATED")
	}
	// Terminal: no further ingestion changes it.
	s.OnTick(time.Now(), 99, false)
	if s.State != Isolated {
		t.Fatal("ISOLATED must be terminal")
	}
}

func TestForceFromUnknown(t *testing.T) {
	s := New(address.Address("c"))
	if !s.ForceFromUnknown(true, false) {
		t.Fatal("expected forcing from UNKNOWN to succeed")
	}
	if s.State != Isolating {
		t.Fatalf("expected ISOLATING, got %s", s.State)
	}
	if s.ForceFromUnknown(true, false) {
		t.Fatal("expected no-op when not UNKNOWN")
	}
}

func TestForceIsolatingSkipsHandshake(t *testing.T) {
	s := New(address.Address("b"))
	s.OnTick(time.Now(), 1, false)
	s.OnAuthorization(true, false, false) // now RUNNING
	if !s.ForceIsolating(false) {
		t.Fatal("expected RUNNING -> ISOLATING to succeed")
	}
	if s.State != Isolating {
		t.Fatalf("expected ISOLATING, got %s", s.State)
	}
}

func TestForceIsolatingNeverAppliesToSelf(t *testing.T) {
	s := New(address.Address("self"))
	s.OnTick(time.Now(), 1, true)
	s.OnAuthorization(true, false, true)
	if s.ForceIsolating(true) {
		t.Fatal("self must never be forced into ISOLATING")
	}
	if s.State != Running {
		t.Fatalf("expected self to remain RUNNING, got %s", s.State)
	}
}

func TestResetForInitializationSparesIsolated(t *testing.T) {
	s := New(address.Address("b"))
	s.OnTick(time.Now(), 1, false)
	s.OnAuthorization(false, true, false)
	s.Isolate()
	s.ResetForInitialization()
	if s.State != Isolated {
		t.Fatal("ISOLATED peers must not be reset to UNKNOWN")
	}
}
