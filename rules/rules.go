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

// Package rules loads the rules_file consumed at startup (spec §4.3,
// §6): per-application start sequences and failure strategies, and
// per-process extra rules. Parsed once and never reloaded during a run.
package rules

import (
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// FailureStrategy names what the FSM does when a required process exits
// unexpectedly (spec §4.1, §9 open question on trigger condition).
type FailureStrategy string

const (
	StrategyContinue FailureStrategy = "CONTINUE"
	StrategyRestart  FailureStrategy = "RESTART"
	StrategyStop     FailureStrategy = "STOP"
)

// ApplicationRules is the subset of rules loaded once per application at
// creation (spec §3, Application Status).
type ApplicationRules struct {
	StartSequence   int             `yaml:"start_sequence"`
	FailureStrategy FailureStrategy `yaml:"running_failure_strategy"`
}

// ProcessRules carries per-process overrides; a process inherits its
// application's FailureStrategy at creation unless it sets its own here
// (spec §4.3).
type ProcessRules struct {
	Required        bool             `yaml:"required"`
	FailureStrategy *FailureStrategy `yaml:"running_failure_strategy,omitempty"`
}

type document struct {
	Applications map[string]ApplicationRules `yaml:"applications"`
	Processes    map[string]ProcessRules     `yaml:"processes"`
}

// Store is the rules collaborator. It is safe for concurrent read-only
// use; it is never mutated after Load returns.
type Store struct {
	applications map[string]ApplicationRules
	processes    map[string]ProcessRules
	hash         uint64
}

// Default rules handed to an application or process absent from the
// rules file.
var (
	DefaultApplicationRules = ApplicationRules{StartSequence: 0, FailureStrategy: StrategyContinue}
	DefaultProcessRules     = ProcessRules{Required: false}
)

// Load parses path as YAML. An unparsable or unreadable rules file is a
// fatal configuration error (spec §6/§7).
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read rules_file")
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parse rules_file")
	}
	return &Store{
		applications: doc.Applications,
		processes:    doc.Processes,
		hash:         xxhash.Sum64(raw),
	}, nil
}

// Hash returns the xxhash of the raw rules file content, exposed as a
// gauge the way the teacher exposes alertmanager_config_hash.
func (s *Store) Hash() uint64 { return s.hash }

// Application returns the rules for name, or the default when absent.
func (s *Store) Application(name string) ApplicationRules {
	if s == nil {
		return DefaultApplicationRules
	}
	if r, ok := s.applications[name]; ok {
		return r
	}
	return DefaultApplicationRules
}

// Process returns the rules for namespec (group:name), or the default
// when absent.
func (s *Store) Process(namespec string) ProcessRules {
	if s == nil {
		return DefaultProcessRules
	}
	if r, ok := s.processes[namespec]; ok {
		return r
	}
	return DefaultProcessRules
}
