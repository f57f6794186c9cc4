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

// Package stats forwards opaque STATISTICS bodies from the internal event
// bus to a statistics collaborator. Its schema is explicitly out of scope
// (spec §9 open question); the core only needs to route the bytes.
package stats

import "github.com/rajesnal/supvisors/address"

// Collector receives opaque STATISTICS payloads. Implementations decide
// what, if anything, to do with them.
type Collector interface {
	Ingest(origin address.Address, body []byte) error
}

// Discard is the default Collector: it drops every payload. Useful when
// no statistics collaborator is configured.
type Discard struct{}

func (Discard) Ingest(address.Address, []byte) error { return nil }
