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

// Package address implements the static membership model (spec §3, C1):
// an ordered, immutable list of peer addresses fixed at startup, plus the
// identity of "self" within that list.
package address

import (
	"sort"

	"github.com/hashicorp/go-sockaddr"
	"github.com/pkg/errors"
)

// Address is a stable, comparable peer identifier — a hostname or
// equivalent. It is also the natural ordering key used for deterministic
// leader election (spec §4.4).
type Address string

// Mapper holds the fixed peer set resolved at startup. It never changes
// for the lifetime of a run.
type Mapper struct {
	self  Address
	addrs []Address
	// nick gives each address an optional short display identifier for
	// logs and the web UI (original_source/supvisors/context.py's
	// nick_identifiers). It is never used for equality or ordering.
	nick map[Address]string
}

// New builds a Mapper from the configured address_list and the local
// identity. It returns an error if self is not present in the list —
// a fatal configuration error per spec §6/§7.
func New(self Address, addrs []Address) (*Mapper, error) {
	if len(addrs) == 0 {
		return nil, errors.New("address_list must not be empty")
	}
	found := false
	uniq := make([]Address, 0, len(addrs))
	seen := make(map[Address]bool, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		uniq = append(uniq, a)
		if a == self {
			found = true
		}
	}
	if !found {
		return nil, errors.Errorf("self address %q not present in address_list", self)
	}
	return &Mapper{
		self:  self,
		addrs: uniq,
		nick:  make(map[Address]string, len(uniq)),
	}, nil
}

// Self returns the address of the local peer.
func (m *Mapper) Self() Address { return m.self }

// IsSelf reports whether addr is this peer's own address.
func (m *Mapper) IsSelf(addr Address) bool { return addr == m.self }

// Addresses returns the fixed peer list in configuration order.
func (m *Mapper) Addresses() []Address {
	out := make([]Address, len(m.addrs))
	copy(out, m.addrs)
	return out
}

// Contains reports whether addr is a known member of the cluster.
func (m *Mapper) Contains(addr Address) bool {
	for _, a := range m.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// SetNick records a short display identifier for addr. A no-op if addr is
// not a known member.
func (m *Mapper) SetNick(addr Address, nick string) {
	if !m.Contains(addr) {
		return
	}
	m.nick[addr] = nick
}

// Nick returns the display identifier for addr, defaulting to the address
// itself when none was set.
func (m *Mapper) Nick(addr Address) string {
	if n, ok := m.nick[addr]; ok && n != "" {
		return n
	}
	return string(addr)
}

// Sorted returns addrs ordered the way leader election orders candidates
// (spec §4.4: master = min(running_addresses)).
func Sorted(addrs []Address) []Address {
	out := make([]Address, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveAdvertiseAddr turns a configured self identifier into a bindable
// host: if hint is already non-empty it is returned unchanged, otherwise
// the host's best private IPv4 address is used (spec §6 address_list
// entries are normally hostnames, but a deployment may leave self blank
// to mean "this host's address").
func ResolveAdvertiseAddr(hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	ip, err := sockaddr.GetPrivateIP()
	if err != nil {
		return "", errors.Wrap(err, "resolve advertise address")
	}
	if ip == "" {
		return "", errors.New("no private IP address found to advertise")
	}
	return ip, nil
}

// Min returns the smallest address in addrs under the ordering used for
// leader election. It returns "" if addrs is empty.
func Min(addrs []Address) Address {
	if len(addrs) == 0 {
		return ""
	}
	sorted := Sorted(addrs)
	return sorted[0]
}
