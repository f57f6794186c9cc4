package transport

import (
	"testing"
	"time"

	"github.com/rajesnal/supvisors/wire"
)

func TestEventQueuePrioritizesTicks(t *testing.T) {
	q := NewEventQueue(4)
	q.Push(wire.Event{Header: wire.EventStatistics})
	q.Push(wire.Event{Header: wire.EventProcess})
	q.Push(wire.Event{Header: wire.EventTick})

	stop := make(chan struct{})
	ev, ok := q.Pop(stop)
	if !ok || ev.Header != wire.EventTick {
		t.Fatalf("expected TICK to be popped first, got %+v", ev)
	}
}

func TestEventQueuePopUnblocksOnStop(t *testing.T) {
	q := NewEventQueue(1)
	stop := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(stop)
		done <- ok
	}()
	close(stop)
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Pop to report no event on stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on stop")
	}
}

func TestRequestChannelRoundTrip(t *testing.T) {
	rc := NewRequestChannel(1)
	rc.Enqueue(wire.Request{Header: wire.ReqCheckAddress, Address: "a"})
	stop := make(chan struct{})
	req, ok := rc.Pull(stop)
	if !ok || req.Address != "a" {
		t.Fatalf("expected request for a, got %+v", req)
	}
}
