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

// Package config defines the run's fixed configuration (spec §6):
// CLI-derived options. The three SUPERVISOR_* environment variables are
// not part of Options; rpcrequests.CredentialsFromEnv reads them.
// Parsing itself (kingpin/v2 for the daemon, go-flags for the control
// CLI) lives in cmd/, which builds an Options value and hands it to the
// rest of the system — config only defines the shape and validates it.
package config

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rajesnal/supvisors/address"
)

// Options is the parsed, validated configuration for one daemon run
// (spec §6).
type Options struct {
	Self       address.Address
	Addresses  []address.Address

	InternalPort int
	EventPort    int

	AutoFence            bool
	SynchroTimeout       time.Duration
	ConciliationStrategy string
	RulesFile            string

	LogLevel  string
	LogFormat string
}

// Validate applies the startup configuration checks of spec §6/§7: self
// must be present in the address list (checked by address.New itself,
// surfaced here so callers get one place to validate everything), ports
// must be distinct and positive, and the conciliation strategy must be
// one of the recognized names.
func (o Options) Validate() error {
	found := false
	for _, a := range o.Addresses {
		if a == o.Self {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("self address %q not present in address_list", o.Self)
	}
	if o.InternalPort <= 0 {
		return errors.New("internal_port must be positive")
	}
	if o.EventPort <= 0 {
		return errors.New("event_port must be positive")
	}
	if o.InternalPort == o.EventPort {
		return errors.New("internal_port and event_port must differ")
	}
	if o.SynchroTimeout <= 0 {
		return errors.New("synchro_timeout must be positive")
	}
	switch o.ConciliationStrategy {
	case "SENICIDE", "INFANTICIDE", "USER":
	default:
		return errors.Errorf("unrecognized conciliation_strategy %q", o.ConciliationStrategy)
	}
	return nil
}

// InternalBindAddress is the host:port this peer binds its internal event
// bus listener on.
func (o Options) InternalBindAddress() string {
	return addrPort(string(o.Self), o.InternalPort)
}

// PeerInternalAddresses returns every other peer's internal bus address
// for the initial gossip join (spec §4.5.1).
func (o Options) PeerInternalAddresses() []string {
	out := make([]string, 0, len(o.Addresses))
	for _, a := range o.Addresses {
		if a == o.Self {
			continue
		}
		out = append(out, addrPort(string(a), o.InternalPort))
	}
	return out
}

func addrPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
