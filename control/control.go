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

// Package control routes each dispatched wire.Request to the collaborator
// that carries it out: the Context for peer-level requests, the request
// dispatcher for process-level ones. Constructing and wiring the
// collaborators together happens in cmd/supvisorsd, not here.
package control

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/rpcrequests"
	"github.com/rajesnal/supvisors/wire"
)

// Executor implements mainloop.RequestExecutor: it turns a dispatched
// wire.Request into the corresponding call on the Context (for peer-level
// requests) or the request dispatcher (for process-level requests, C8).
type Executor struct {
	log        *slog.Logger
	ctx        *cluster.Context
	dispatcher *rpcrequests.Dispatcher
}

// NewExecutor builds the request executor the I/O loop drives.
func NewExecutor(log *slog.Logger, ctx *cluster.Context, dispatcher *rpcrequests.Dispatcher) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{log: log, ctx: ctx, dispatcher: dispatcher}
}

// Execute carries out req (spec §6 request frames).
func (e *Executor) Execute(req wire.Request) error {
	switch req.Header {
	case wire.ReqCheckAddress:
		return e.checkAddress(address.Address(req.Address))

	case wire.ReqIsolateAddresses:
		addrs := make([]address.Address, 0, len(req.Addresses))
		for _, a := range req.Addresses {
			addrs = append(addrs, address.Address(a))
		}
		e.ctx.IsolateAddresses(addrs)
		return nil

	case wire.ReqStartProcess:
		return e.dispatcher.StartProcess(address.Address(req.Address), req.Namespec, req.ExtraArgs)

	case wire.ReqStopProcess:
		return e.dispatcher.StopProcess(address.Address(req.Address), req.Namespec)

	case wire.ReqRestart:
		return e.dispatcher.Restart(address.Address(req.Address))

	case wire.ReqShutdown:
		return e.dispatcher.Shutdown(address.Address(req.Address))

	default:
		return errors.Errorf("unsupported request header %v", req.Header)
	}
}

// checkAddress applies the CHECK_ADDRESS authorization handshake (spec
// §4.1): ask the target whether it authorizes self, then feed the answer
// back into the Context's on_authorization transition. A failed outbound
// call is logged and tolerated (spec §7): the peer will eventually time
// out on ticks and be isolated like any other unresponsive peer.
func (e *Executor) checkAddress(target address.Address) error {
	authorized, err := e.dispatcher.CheckAddress(target)
	if err != nil {
		e.log.Warn("check_address failed", "target", target, "err", err)
		authorized = false
	}
	return e.ctx.OnAuthorization(target, authorized)
}
