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

// Package logging builds the process-wide *slog.Logger from a small
// Config, mirroring the shape of prometheus/common's promlog.Config:
// a level and a format, parsed once at startup and threaded explicitly
// through every component constructor (no global logger).
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Config is the subset of CLI flags that shape the logger (spec §2.1).
type Config struct {
	Level  string // debug, info, warn, error
	Format string // logfmt, json
}

// New builds a *slog.Logger from cfg. An unrecognized level or format is a
// configuration error (spec §7).
func New(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "logfmt", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, errors.Errorf("unrecognized log format %q", cfg.Format)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.Errorf("unrecognized log level %q", s)
	}
}
