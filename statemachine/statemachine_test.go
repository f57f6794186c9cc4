package statemachine

import (
	"log/slog"
	"testing"
	"time"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/process"
	"github.com/rajesnal/supvisors/stats"
	"github.com/rajesnal/supvisors/wire"
)

type fakeSink struct{ reqs []wire.Request }

func (f *fakeSink) Enqueue(r wire.Request) { f.reqs = append(f.reqs, r) }

type fakePublisher struct{}

func (fakePublisher) PublishAddressStatus(cluster.AddressView)         {}
func (fakePublisher) PublishApplicationStatus(cluster.ApplicationView) {}
func (fakePublisher) PublishProcessStatus(cluster.ProcessView)         {}

type fakeStatus struct {
	states []string
}

func (f *fakeStatus) PublishSupvisorsStatus(state, master string, isMaster bool) {
	f.states = append(f.states, state)
}

type fakeDeployer struct{ idle bool }

func (d *fakeDeployer) StartApplications([]*process.Application, []address.Address) {}
func (d *fakeDeployer) Idle() bool                                                  { return d.idle }

type fakeStopper struct{ idle bool }

func (s *fakeStopper) StopApplications([]*process.Application) {}
func (s *fakeStopper) Idle() bool                               { return s.idle }

type fakeConciliator struct{ called bool }

func (c *fakeConciliator) Conciliate([]*process.Process, string) { c.called = true }

func newTestFSM(t *testing.T, self address.Address, autoFence bool) (*FSM, *cluster.Context, *fakeSink, *fakeDeployer, *fakeStopper) {
	t.Helper()
	mapper, err := address.New(self, []address.Address{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := process.NewModel(nil)
	sink := &fakeSink{}
	ctx := cluster.New(mapper, autoFence, m, stats.Discard{}, fakePublisher{}, sink)
	dep := &fakeDeployer{idle: true}
	stp := &fakeStopper{idle: true}
	con := &fakeConciliator{}
	opt := Options{AutoFence: autoFence, SynchroTimeout: time.Minute, ConciliationStrategy: strategyUser()}
	f := New(slog.Default(), ctx, opt, dep, stp, con, sink, &fakeStatus{})
	return f, ctx, sink, dep, stp
}

func strategyUser() string { return "USER" }

func TestInitializationAdvancesOnAllRunning(t *testing.T) {
	f, ctx, _, _, _ := newTestFSM(t, "a", false)
	now := time.Now()
	if err := ctx.OnTick("a", 1, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctx.OnAuthorization("a", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctx.OnTick("b", 1, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctx.OnAuthorization("b", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.Timer(now)
	if f.State() != Deployment {
		t.Fatalf("expected DEPLOYMENT, got %v", f.State())
	}
	if f.MasterAddress() != "a" {
		t.Fatalf("expected master a, got %v", f.MasterAddress())
	}
}

func TestInitializationAdvancesOnSynchroTimeout(t *testing.T) {
	f, _, _, _, _ := newTestFSM(t, "a", false)
	f.opt.SynchroTimeout = time.Millisecond
	f.startDate = time.Now().Add(-time.Hour)
	f.Timer(time.Now())
	if f.State() != Deployment {
		t.Fatalf("expected DEPLOYMENT after synchro timeout, got %v", f.State())
	}
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	f, _, _, _, _ := newTestFSM(t, "a", false)
	f.transition(Shutdown) // INITIALIZATION -> SHUTDOWN is not in the table
	if f.State() != Initialization {
		t.Fatalf("expected illegal transition to be rejected, got %v", f.State())
	}
}
