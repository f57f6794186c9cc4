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

// Package transport implements the event transport topology (spec §4.5,
// C5): the internal event bus that fans TICK/PROCESS/STATISTICS events
// out to every peer, and the local push/pull request channel that glues
// the I/O thread to the control thread.
//
// The internal bus is built on hashicorp/memberlist's gossip broadcast
// queue rather than literal per-peer ZeroMQ PUB sockets: over the fixed,
// small address_list this spec assumes, a full-mesh gossip broadcast
// delivers every message to every peer (including self), which is the
// N×N fan-out spec §4.5.1 asks for, without reimplementing a broadcast
// protocol from scratch. See DESIGN.md for the full rationale.
package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"log/slog"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/transport/internalpb"
	"github.com/rajesnal/supvisors/wire"
)

// InternalBus is the N×N publish/subscribe bus of spec §4.5.1. Every peer
// runs one, bound to internal_port, gossiping to the rest of the fixed
// address_list.
type InternalBus struct {
	mlist *memberlist.Memberlist
	bcast *memberlist.TransmitLimitedQueue

	logger *slog.Logger
	queue  *EventQueue

	mtx      sync.RWMutex
	isolated map[string]bool

	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	messagesDropped  prometheus.Counter
}

// JoinInternalBus binds the internal event bus on bindAddr ("host:port")
// and joins every other address in peers (address:internal_port form).
// The returned bus's NumNodes() feeds memberlist's own retransmit
// calculation, mirroring cluster/delegate.go's bcast construction.
func JoinInternalBus(logger *slog.Logger, reg prometheus.Registerer, name string, bindAddr string, peers []string, queue *EventQueue) (*InternalBus, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid internal bind address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid internal bind port")
	}

	b := &InternalBus{
		logger:   logger,
		queue:    queue,
		isolated: make(map[string]bool),
	}

	b.bcast = &memberlist.TransmitLimitedQueue{
		NumNodes:       b.numNodes,
		RetransmitMult: 3,
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = name
	cfg.BindAddr = host
	cfg.BindPort = port
	cfg.Delegate = b
	cfg.Events = b
	cfg.GossipInterval = 200 * time.Millisecond
	cfg.PushPullInterval = 60 * time.Second
	cfg.LogOutput = &slogWriter{logger: logger}

	if reg != nil {
		b.messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supvisors_internal_bus_messages_sent_total",
			Help: "Total number of internal event bus messages sent.",
		})
		b.messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supvisors_internal_bus_messages_received_total",
			Help: "Total number of internal event bus messages received.",
		})
		b.messagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supvisors_internal_bus_messages_dropped_total",
			Help: "Total number of internal event bus messages dropped (isolated origin or malformed).",
		})
		reg.MustRegister(b.messagesSent, b.messagesReceived, b.messagesDropped)
	}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create internal bus")
	}
	b.mlist = ml

	if len(peers) > 0 {
		if _, err := ml.Join(peers); err != nil {
			logger.Warn("failed to join internal bus", "err", err)
		}
	}

	return b, nil
}

func (b *InternalBus) numNodes() int {
	if b.mlist == nil {
		return 1
	}
	return b.mlist.NumMembers()
}

// Broadcast encodes ev and queues it for gossip to every peer, including
// self (spec §4.5.1, §8: "every internal event delivered to self matches
// the event published by self's own publisher byte-for-byte" — self
// receives its own broadcast through a direct call to deliver with the
// encoded bytes, the same decode path NotifyMsg uses for remote peers).
func (b *InternalBus) Broadcast(origin address.Address, header wire.EventHeader, body []byte) error {
	env := &internalpb.Envelope{Header: int32(header), Origin: string(origin), Body: body}
	raw, err := internalpb.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	b.bcast.QueueBroadcast(simpleBroadcast(raw))
	if b.messagesSent != nil {
		b.messagesSent.Inc()
	}
	// Self-delivery: deliver our own broadcast through the same decode
	// path used for remote messages (spec §8 round-trip property).
	b.deliver(raw)
	return nil
}

// Disconnect marks addrs as isolated: further inbound messages
// originating from them are dropped at the delegate layer (spec §4.5.1:
// "Subscribers disconnect from a peer the moment the Context reports it
// as newly isolated"). memberlist has no supported API to sever a single
// remote peer's gossip membership from this side; message-level filtering
// is the adaptation documented in DESIGN.md.
func (b *InternalBus) Disconnect(addrs []address.Address) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, a := range addrs {
		b.isolated[string(a)] = true
	}
}

// Leave gracefully departs the gossip cluster, waiting up to timeout.
func (b *InternalBus) Leave(timeout time.Duration) error {
	return b.mlist.Leave(timeout)
}

// Shutdown forcibly tears down the transport, per spec §4.5's "set
// linger to zero on close to avoid blocking shutdown" — memberlist's
// Shutdown() is the non-blocking-network-drain analogue of that.
func (b *InternalBus) Shutdown() error {
	return b.mlist.Shutdown()
}

func (b *InternalBus) deliver(raw []byte) {
	env, err := internalpb.Unmarshal(raw)
	if err != nil {
		b.logger.Warn("malformed internal bus envelope", "err", err)
		if b.messagesDropped != nil {
			b.messagesDropped.Inc()
		}
		return
	}

	b.mtx.RLock()
	dropped := b.isolated[env.Origin]
	b.mtx.RUnlock()
	if dropped {
		if b.messagesDropped != nil {
			b.messagesDropped.Inc()
		}
		return
	}

	ev := wire.Event{Header: wire.EventHeader(env.Header), Origin: env.Origin}
	switch ev.Header {
	case wire.EventTick:
		var tick wire.TickBody
		if err := json.Unmarshal(env.Body, &tick); err != nil {
			b.logger.Warn("malformed tick body", "err", err, "origin", env.Origin)
			return
		}
		ev.Tick = &tick
	case wire.EventProcess:
		var pe wire.ProcessEventBody
		if err := json.Unmarshal(env.Body, &pe); err != nil {
			b.logger.Warn("malformed process body", "err", err, "origin", env.Origin)
			return
		}
		ev.Process = &pe
	default:
		ev.Statistics = env.Body
	}
	if b.messagesReceived != nil {
		b.messagesReceived.Inc()
	}
	b.queue.Push(ev)
}

// memberlist.Delegate and memberlist.EventDelegate implementation,
// mirroring cluster/delegate.go.

func (b *InternalBus) NodeMeta(limit int) []byte { return []byte{} }

func (b *InternalBus) NotifyMsg(raw []byte) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	b.deliver(cp)
}

func (b *InternalBus) GetBroadcasts(overhead, limit int) [][]byte {
	return b.bcast.GetBroadcasts(overhead, limit)
}

func (b *InternalBus) LocalState(join bool) []byte { return nil }

func (b *InternalBus) MergeRemoteState(buf []byte, join bool) {}

func (b *InternalBus) NotifyJoin(n *memberlist.Node) {
	b.logger.Debug("peer joined internal bus", "node", n.Name, "addr", n.Address())
}

func (b *InternalBus) NotifyLeave(n *memberlist.Node) {
	b.logger.Debug("peer left internal bus", "node", n.Name, "addr", n.Address())
}

func (b *InternalBus) NotifyUpdate(n *memberlist.Node) {
	b.logger.Debug("peer updated on internal bus", "node", n.Name, "addr", n.Address())
}

type simpleBroadcast []byte

func (m simpleBroadcast) Message() []byte                       { return []byte(m) }
func (m simpleBroadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (m simpleBroadcast) Finished()                             {}

type slogWriter struct{ logger *slog.Logger }

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(fmt.Sprintf("memberlist: %s", p))
	return len(p), nil
}

var _ proto.Message = (*internalpb.Envelope)(nil)
