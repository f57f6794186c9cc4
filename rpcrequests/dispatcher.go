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

// Package rpcrequests implements the Request Dispatcher (spec §4.7, C8):
// outbound RPC-style calls to local/remote process managers, selecting a
// local fast-path or a remote HTTP proxy per target address.
package rpcrequests

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/procman"
)

// correlationIDs mints one request ID per outbound proxy call, sent as the
// X-Request-Id header on every attempt of that call; the web admin surface
// echoes it back on the response. Neither side logs it. ulid.Monotonic's
// reader is not safe for concurrent use, hence the mutex.
var correlationIDs = struct {
	mtx     sync.Mutex
	entropy *ulid.MonotonicReader
}{}

func newCorrelationID() string {
	correlationIDs.mtx.Lock()
	defer correlationIDs.mtx.Unlock()
	if correlationIDs.entropy == nil {
		correlationIDs.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(time.Now()), correlationIDs.entropy)
	if err != nil {
		return ""
	}
	return id.String()
}

// Credentials are read from the environment (spec §6): SUPERVISOR_SERVER_URL
// must be an HTTP URL; non-HTTP URLs are a configuration error.
type Credentials struct {
	ServerURL string
	Username  string
	Password  string
}

// CredentialsFromEnv reads SUPERVISOR_SERVER_URL, SUPERVISOR_USERNAME and
// SUPERVISOR_PASSWORD, validating the URL scheme.
func CredentialsFromEnv() (Credentials, error) {
	c := Credentials{
		ServerURL: os.Getenv("SUPERVISOR_SERVER_URL"),
		Username:  os.Getenv("SUPERVISOR_USERNAME"),
		Password:  os.Getenv("SUPERVISOR_PASSWORD"),
	}
	if c.ServerURL == "" {
		return c, nil
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "parse SUPERVISOR_SERVER_URL")
	}
	if u.Scheme != "http" {
		return Credentials{}, errors.Errorf("SUPERVISOR_SERVER_URL must be http://..., got %q", c.ServerURL)
	}
	return c, nil
}

// proxyURL substitutes target's host into the configured server_url,
// keeping the configured port (spec §4.7).
func (c Credentials) proxyURL(target address.Address) (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", err
	}
	if _, port, splitErr := net.SplitHostPort(u.Host); splitErr == nil && port != "" {
		u.Host = fmt.Sprintf("%s:%s", target, port)
	} else {
		u.Host = string(target)
	}
	return u.String(), nil
}

// Dispatcher selects local fast-path or remote proxy per target address
// (spec §4.7): if target equals self, it calls the in-process Manager
// directly; else it builds an HTTP proxy using the environment
// credentials with the host substituted for the target address.
type Dispatcher struct {
	self  address.Address
	local procman.Manager
	creds Credentials
	pool  *connectionPool

	timeout time.Duration
}

// New builds a Dispatcher. local is the self peer's in-process manager;
// creds configures the remote proxy.
func New(self address.Address, local procman.Manager, creds Credentials) *Dispatcher {
	return &Dispatcher{
		self:    self,
		local:   local,
		creds:   creds,
		pool:    newConnectionPool(),
		timeout: 5 * time.Second,
	}
}

func (d *Dispatcher) isLocal(target address.Address) bool { return target == d.self }

// ListProcesses enumerates processes on target (spec §4.7).
func (d *Dispatcher) ListProcesses(target address.Address) ([]procman.Snapshot, error) {
	if d.isLocal(target) {
		return d.local.ListProcesses()
	}
	var out []procman.Snapshot
	err := d.call(target, http.MethodGet, "/api/processes", nil, &out)
	return out, err
}

// StartProcess starts namespec on target, optionally with extra args via
// the sibling admin interface (spec §4.7).
func (d *Dispatcher) StartProcess(target address.Address, namespec, extraArgs string) error {
	if d.isLocal(target) {
		return d.local.StartProcess(namespec, extraArgs)
	}
	body := map[string]string{"namespec": namespec, "extra_args": extraArgs}
	return d.call(target, http.MethodPost, "/api/processes/start", body, nil)
}

// StopProcess stops namespec on target.
func (d *Dispatcher) StopProcess(target address.Address, namespec string) error {
	if d.isLocal(target) {
		return d.local.StopProcess(namespec)
	}
	body := map[string]string{"namespec": namespec}
	return d.call(target, http.MethodPost, "/api/processes/stop", body, nil)
}

// Restart restarts the process manager (and, transitively, the peer) at
// target.
func (d *Dispatcher) Restart(target address.Address) error {
	if d.isLocal(target) {
		return d.local.Restart()
	}
	return d.call(target, http.MethodPost, "/api/restart", nil, nil)
}

// Shutdown shuts down the process manager at target.
func (d *Dispatcher) Shutdown(target address.Address) error {
	if d.isLocal(target) {
		return d.local.Shutdown()
	}
	return d.call(target, http.MethodPost, "/api/shutdown", nil, nil)
}

// authorizeResponse is the body the sibling admin interface returns from
// /api/authorize (spec §4.1's "port-knocking" authorization channel).
type authorizeResponse struct {
	Authorized bool `json:"authorized"`
}

// CheckAddress performs the authorization handshake for a peer newly seen
// ticking (spec §4.1 CHECK_ADDRESS): self is always authorized locally;
// a remote target is asked whether it recognizes self as a legitimate
// member.
func (d *Dispatcher) CheckAddress(target address.Address) (bool, error) {
	if d.isLocal(target) {
		return true, nil
	}
	var resp authorizeResponse
	body := map[string]string{"from": string(d.self)}
	if err := d.call(target, http.MethodPost, "/api/authorize", body, &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

// Close releases every pooled remote connection.
func (d *Dispatcher) Close() { d.pool.shutdown() }

// call performs one outbound request failure: a failed outbound request
// is logged by the caller and tolerated — the FSM proceeds best-effort
// (spec §7) — so call itself retries only transient dial/5xx failures a
// bounded number of times via exponential backoff before giving up.
func (d *Dispatcher) call(target address.Address, method, path string, reqBody interface{}, out interface{}) error {
	if d.creds.ServerURL == "" {
		return errors.New("no SUPERVISOR_SERVER_URL configured for remote requests")
	}
	base, err := d.creds.proxyURL(target)
	if err != nil {
		return errors.Wrap(err, "build proxy url")
	}
	client := d.pool.borrow(base, d.timeout)

	var payload []byte
	if reqBody != nil {
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
	}

	correlationID := newCorrelationID()

	op := func() error {
		req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if correlationID != "" {
			req.Header.Set("X-Request-Id", correlationID)
		}
		if d.creds.Username != "" {
			req.SetBasicAuth(d.creds.Username, d.creds.Password)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err // transient: retry
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.Errorf("remote %s returned %d", target, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(errors.Errorf("remote %s returned %d", target, resp.StatusCode))
		}
		if out != nil {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(json.Unmarshal(data, out))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(op, policy)
}
