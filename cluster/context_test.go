package cluster

import (
	"testing"
	"time"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/process"
	"github.com/rajesnal/supvisors/wire"
)

type fakeSink struct{ requests []wire.Request }

func (f *fakeSink) Enqueue(r wire.Request) { f.requests = append(f.requests, r) }

type fakePublisher struct {
	addresses    []AddressView
	processes    []ProcessView
	applications []ApplicationView
}

func (f *fakePublisher) PublishAddressStatus(v AddressView)         { f.addresses = append(f.addresses, v) }
func (f *fakePublisher) PublishApplicationStatus(v ApplicationView) { f.applications = append(f.applications, v) }
func (f *fakePublisher) PublishProcessStatus(v ProcessView)         { f.processes = append(f.processes, v) }

func newTestContext(t *testing.T, self address.Address) (*Context, *fakeSink, *fakePublisher) {
	t.Helper()
	mapper, err := address.New(self, []address.Address{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	ctx := New(mapper, false, process.NewModel(nil), nil, pub, sink)
	return ctx, sink, pub
}

func TestOnTickUnknownPeerRejected(t *testing.T) {
	ctx, _, _ := newTestContext(t, "a")
	if err := ctx.OnTick(address.Address("z"), 1, time.Now()); err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestOnTickEmitsCheckAddress(t *testing.T) {
	ctx, sink, pub := newTestContext(t, "a")
	if err := ctx.OnTick(address.Address("b"), 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(sink.requests) != 1 || sink.requests[0].Header != wire.ReqCheckAddress {
		t.Fatalf("expected one check_address request, got %v", sink.requests)
	}
	if len(pub.addresses) != 1 || pub.addresses[0].State != "CHECKING" {
		t.Fatalf("expected published CHECKING status, got %v", pub.addresses)
	}
}

func TestElectionUsesRunningAddressesOnly(t *testing.T) {
	ctx, _, _ := newTestContext(t, "a")
	for _, addr := range []address.Address{"a", "b", "c"} {
		ctx.OnTick(addr, 1, time.Now())
		ctx.OnAuthorization(addr, true)
	}
	running := ctx.RunningAddresses()
	if got := address.Min(running); got != "a" {
		t.Fatalf("expected master a, got %s", got)
	}
}

func TestHandleIsolationDisconnectsAndTerminal(t *testing.T) {
	mapper, _ := address.New(address.Address("a"), []address.Address{"a", "b"})
	sink := &fakeSink{}
	pub := &fakePublisher{}
	ctx2 := New(mapper, true, process.NewModel(nil), nil, pub, sink)
	ctx2.OnTick(address.Address("b"), 1, time.Now())
	ctx2.OnAuthorization(address.Address("b"), false)
	isolated := ctx2.HandleIsolation()
	if len(isolated) != 1 || isolated[0] != address.Address("b") {
		t.Fatalf("expected b to be isolated, got %v", isolated)
	}
	state, _ := ctx2.PeerState(address.Address("b"))
	if state.String() != "ISOLATED" {
		t.Fatalf("expected ISOLATED, got %s", state)
	}
	// Idempotent: repeating after drain leaves the address map unchanged.
	if more := ctx2.HandleIsolation(); len(more) != 0 {
		t.Fatalf("expected no further isolation, got %v", more)
	}
}

func TestIsolateAddressesSkipsSelfAndUnknown(t *testing.T) {
	ctx, _, pub := newTestContext(t, "a")
	ctx.IsolateAddresses([]address.Address{"a", "b", "z"})

	selfState, _ := ctx.PeerState("a")
	if selfState.String() != "UNKNOWN" {
		t.Fatalf("self must never be force-isolated, got %s", selfState)
	}
	bState, _ := ctx.PeerState("b")
	if bState.String() != "ISOLATING" {
		t.Fatalf("expected b to move to ISOLATING, got %s", bState)
	}
	if len(pub.addresses) != 1 || pub.addresses[0].Address != "b" {
		t.Fatalf("expected exactly one published status for b, got %v", pub.addresses)
	}
}

func TestInvalidationOnTimerExpiryAffectsProcesses(t *testing.T) {
	ctx, _, _ := newTestContext(t, "a")
	ctx.Model().LoadProcesses(address.Address("b"), []process.Seed{{Group: "web", Name: "server", State: process.Running}})
	p, _ := ctx.Model().Lookup("web", "server")
	if _, ok := p.InfoOn(address.Address("b")); !ok {
		t.Fatal("expected entry before invalidation")
	}
	ctx.OnTick(address.Address("b"), 1, time.Now())
	ctx.OnAuthorization(address.Address("b"), true)
	// Now simulate ticks stopping: OnTimer after 10s invalidates.
	later := time.Now().Add(11 * time.Second)
	ctx.OnTimer(later)
	if _, ok := p.InfoOn(address.Address("b")); ok {
		t.Fatal("expected process entry to be invalidated when peer leaves RUNNING")
	}
}
