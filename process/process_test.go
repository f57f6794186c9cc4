package process

import (
	"testing"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/wire"
)

func TestSetdefaultProcessInheritsApplicationStrategy(t *testing.T) {
	m := NewModel(nil)
	app := m.SetdefaultApplication("web")
	_ = app
	p := m.SetdefaultProcess("web", "server")
	if p.FailureStrategy == "" {
		t.Fatal("expected inherited failure strategy")
	}
	// Repeated calls return the same process.
	p2 := m.SetdefaultProcess("web", "server")
	if p != p2 {
		t.Fatal("expected setdefault to be idempotent")
	}
}

func TestApplyEventDropsUnknownProcess(t *testing.T) {
	m := NewModel(nil)
	_, ok := m.ApplyEvent(address.Address("a"), wire.ProcessEventBody{Group: "web", Name: "server", State: "RUNNING"})
	if ok {
		t.Fatal("expected event for unknown process to be dropped")
	}
}

func TestConflictingRequiresTwoLiveEntries(t *testing.T) {
	m := NewModel(nil)
	m.SetdefaultProcess("web", "server")
	m.LoadProcesses(address.Address("a"), []Seed{{Group: "web", Name: "server", State: Running}})
	p, _ := m.Lookup("web", "server")
	if p.Conflicting() {
		t.Fatal("single running entry must not conflict")
	}
	m.ApplyEvent(address.Address("b"), wire.ProcessEventBody{Group: "web", Name: "server", State: "RUNNING"})
	if !p.Conflicting() {
		t.Fatal("two live entries must conflict")
	}
	conflicts := m.Conflicts()
	if len(conflicts) != 1 || conflicts[0] != p {
		t.Fatalf("expected exactly the one conflicting process, got %v", conflicts)
	}
}

func TestInvalidatePeerRemovesEntries(t *testing.T) {
	m := NewModel(nil)
	m.LoadProcesses(address.Address("a"), []Seed{{Group: "web", Name: "server", State: Running}})
	p, _ := m.Lookup("web", "server")
	if _, ok := p.InfoOn(address.Address("a")); !ok {
		t.Fatal("expected entry before invalidation")
	}
	m.InvalidatePeer(address.Address("a"))
	if _, ok := p.InfoOn(address.Address("a")); ok {
		t.Fatal("expected entry to be removed after invalidation")
	}
}

func TestInvalidatePeerFlagsRequiredProcessLoss(t *testing.T) {
	m := NewModel(nil)
	m.SetdefaultProcess("web", "server")
	p, _ := m.Lookup("web", "server")
	p.Required = true
	m.LoadProcesses(address.Address("a"), []Seed{{Group: "web", Name: "server", State: Running}})
	affected := m.InvalidatePeer(address.Address("a"))
	if len(affected) != 1 || affected[0] != "web:server" {
		t.Fatalf("expected web:server to be flagged, got %v", affected)
	}
}
