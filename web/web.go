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

// Package web implements the external event bus and the inbound sibling
// admin interface (spec §4.5.2, §4.7): a small HTTP+websocket server that
// pushes SUPVISORS_STATUS/ADDRESS_STATUS/APPLICATION_STATUS/PROCESS_STATUS
// frames to external UIs/clients and answers the process-manager proxy
// calls remote peers' request dispatchers issue against this peer. The
// daemon serves it on this peer's own address at event_port; it is not
// restricted to loopback.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/procman"
	"github.com/rajesnal/supvisors/wire"
)

// frame is the single JSON envelope a status push is encoded as: the two
// logical "frames" of spec §4.5.2 (ASCII header, JSON body) collapsed
// into one websocket text message, since a browser client reads them
// together anyway.
type frame struct {
	Header string      `json:"header"`
	Body   interface{} `json:"body"`
}

// Server is the external event bus publisher plus the inbound admin RPC
// surface (spec §4.5.2, §4.7).
type Server struct {
	log    *slog.Logger
	router *mux.Router

	mapper *address.Mapper
	local  procman.Manager

	username, password string

	upgrader websocket.Upgrader
	mtx      sync.Mutex
	clients  map[*websocket.Conn]bool

	lastStatus    supvisorsStatusView
	lastProcesses map[string]cluster.ProcessView
}

// NewServer builds the external bus/admin server. local may be nil if
// this peer hosts no process manager (unusual, but not an error); mapper
// is used to validate CHECK_ADDRESS callers against the fixed membership.
// username may be empty, in which case the admin surface requires no
// Basic Auth (spec §6: credentials are optional — a single-peer or
// trusted-network deployment may omit them).
func NewServer(log *slog.Logger, mapper *address.Mapper, local procman.Manager, username, password string) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:      log,
		mapper:   mapper,
		local:    local,
		username:      username,
		password:      password,
		clients:       make(map[*websocket.Conn]bool),
		lastProcesses: make(map[string]cluster.ProcessView),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/events", s.handleWebsocket).Methods(http.MethodGet)
	admin := s.router.PathPrefix("/api").Subrouter()
	admin.Use(echoRequestID)
	admin.Use(s.basicAuth)
	admin.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	admin.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	admin.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	admin.HandleFunc("/processes", s.handleListProcesses).Methods(http.MethodGet)
	admin.HandleFunc("/processes/start", s.handleStartProcess).Methods(http.MethodPost)
	admin.HandleFunc("/processes/stop", s.handleStopProcess).Methods(http.MethodPost)
	admin.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)
	admin.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	return s
}

// Handler exposes the server's router as an http.Handler, e.g. for
// http.Server.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// echoRequestID mirrors a caller-supplied X-Request-Id back onto the
// response, so the response carries the same rpcrequests.Dispatcher
// correlation ID as the request. This server does not log the ID.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-Id"); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="supvisors"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.mtx.Lock()
	s.clients[conn] = true
	s.mtx.Unlock()

	go func() {
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mtx.Lock()
	delete(s.clients, conn)
	s.mtx.Unlock()
	conn.Close()
}

func (s *Server) broadcast(header wire.StatusHeader, body interface{}) {
	payload, err := json.Marshal(frame{Header: string(header), Body: body})
	if err != nil {
		s.log.Warn("failed to encode status frame", "header", header, "err", err)
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			go s.removeClient(conn)
		}
	}
}

// PublishAddressStatus implements cluster.Publisher.
func (s *Server) PublishAddressStatus(v cluster.AddressView) { s.broadcast(wire.StatusAddress, v) }

// PublishApplicationStatus implements cluster.Publisher.
func (s *Server) PublishApplicationStatus(v cluster.ApplicationView) {
	s.broadcast(wire.StatusApplication, v)
}

// PublishProcessStatus implements cluster.Publisher.
func (s *Server) PublishProcessStatus(v cluster.ProcessView) {
	s.mtx.Lock()
	s.lastProcesses[v.Namespec] = v
	s.mtx.Unlock()
	s.broadcast(wire.StatusProcess, v)
}

// supvisorsStatusView is the serialized form of a cluster-wide status
// change (spec §4.4: "Re-entering next publishes a SupvisorsStatus event
// on every state change").
type supvisorsStatusView struct {
	State         string `json:"state"`
	MasterAddress string `json:"master_address"`
	IsMaster      bool   `json:"is_master"`
}

// PublishSupvisorsStatus implements statemachine.StatusPublisher.
func (s *Server) PublishSupvisorsStatus(state, masterAddress string, isMaster bool) {
	v := supvisorsStatusView{State: state, MasterAddress: masterAddress, IsMaster: isMaster}
	s.mtx.Lock()
	s.lastStatus = v
	s.mtx.Unlock()
	s.broadcast(wire.StatusSupvisors, v)
}

// handleStatus answers supvisorsctl's "status" command with the most
// recently published cluster-wide state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	v := s.lastStatus
	s.mtx.Unlock()
	writeJSON(w, v)
}

// handleConflicts answers supvisorsctl's "conflicts" command with every
// process currently observed running on more than one peer (spec §4.1
// CONCILIATION).
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	out := make([]cluster.ProcessView, 0)
	for _, v := range s.lastProcesses {
		if v.Conflicting {
			out = append(out, v)
		}
	}
	s.mtx.Unlock()
	writeJSON(w, out)
}

type authorizeRequest struct {
	From string `json:"from"`
}

type authorizeResponse struct {
	Authorized bool `json:"authorized"`
}

// handleAuthorize answers the CHECK_ADDRESS port-knocking handshake
// (spec §4.1): a caller is authorized iff it is a member of the fixed
// address_list.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	authorized := s.mapper != nil && s.mapper.Contains(address.Address(req.From))
	writeJSON(w, authorizeResponse{Authorized: authorized})
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	if s.local == nil {
		writeJSON(w, []procman.Snapshot{})
		return
	}
	procs, err := s.local.ListProcesses()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, procs)
}

type startProcessRequest struct {
	Namespec  string `json:"namespec"`
	ExtraArgs string `json:"extra_args"`
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if s.local == nil {
		http.Error(w, "no local process manager", http.StatusServiceUnavailable)
		return
	}
	if err := s.local.StartProcess(req.Namespec, req.ExtraArgs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type stopProcessRequest struct {
	Namespec string `json:"namespec"`
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	var req stopProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if s.local == nil {
		http.Error(w, "no local process manager", http.StatusServiceUnavailable)
		return
	}
	if err := s.local.StopProcess(req.Namespec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.local == nil {
		http.Error(w, "no local process manager", http.StatusServiceUnavailable)
		return
	}
	if err := s.local.Restart(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.local == nil {
		http.Error(w, "no local process manager", http.StatusServiceUnavailable)
		return
	}
	if err := s.local.Shutdown(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
