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

// Command supvisorsctl is a small one-shot control CLI (spec §6.2): it
// connects to a single peer's external event bus/admin surface and issues
// status, conflicts, restart or shutdown commands. It carries no state of
// its own and is not a requirement of the core FSM.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"

	flags "github.com/jessevdk/go-flags"
)

type options struct {
	Addr     string `short:"a" long:"addr" default:"http://localhost:7601" description:"Base URL of the target peer's admin surface"`
	Username string `short:"u" long:"username" description:"Basic Auth username, if the peer requires one"`
	Password string `short:"p" long:"password" description:"Basic Auth password"`

	Args struct {
		Command string   `positional-arg-name:"command" description:"status | conflicts | restart | shutdown"`
		Rest    []string `positional-arg-name:"args"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run0())
}

func run0() int {
	var opt options
	parser := flags.NewParser(&opt, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	client := &apiClient{base: opt.Addr, username: opt.Username, password: opt.Password}

	var err error
	switch opt.Args.Command {
	case "status":
		err = client.printJSON(http.MethodGet, "/api/status", nil)
	case "conflicts":
		err = client.printJSON(http.MethodGet, "/api/conflicts", nil)
	case "restart":
		err = client.restartOrShutdown("/api/restart", opt.Args.Rest)
	case "shutdown":
		err = client.restartOrShutdown("/api/shutdown", opt.Args.Rest)
	case "":
		fmt.Fprintln(os.Stderr, "supvisorsctl: missing command (status | conflicts | restart | shutdown)")
		return 1
	default:
		fmt.Fprintf(os.Stderr, "supvisorsctl: unrecognized command %q\n", opt.Args.Command)
		return 1
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "supvisorsctl:", err)
		return 1
	}
	return 0
}

// apiClient is a thin wrapper over the admin HTTP surface web.Server
// exposes; it deliberately doesn't import the web package so the control
// CLI has no compile-time dependency on the daemon's internals, matching
// spec §6.2's "carries no state" non-goal.
type apiClient struct {
	base     string
	username string
	password string
}

func (c *apiClient) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)
	}
	return resp, nil
}

func (c *apiClient) printJSON(method, path string, body interface{}) error {
	resp, err := c.do(method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var pretty interface{}
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

// restartOrShutdown issues RESTART/SHUTDOWN against the peer named in
// args[0]: the target's host is substituted into --addr's URL (keeping
// its configured port), mirroring rpcrequests.Credentials.proxyURL's
// host-substitution so the same peer is reachable whether the request
// originates from a sibling peer's dispatcher or from this CLI.
func (c *apiClient) restartOrShutdown(path string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: supvisorsctl %s <address>", path[len("/api/"):])
	}
	target, err := c.targetURL(args[0])
	if err != nil {
		return err
	}
	resp, err := c.withBase(target).do(http.MethodPost, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Println("ok")
	return nil
}

func (c *apiClient) targetURL(addr string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse --addr: %w", err)
	}
	if _, port, splitErr := net.SplitHostPort(u.Host); splitErr == nil && port != "" {
		u.Host = net.JoinHostPort(addr, port)
	} else {
		u.Host = addr
	}
	return u.String(), nil
}

func (c *apiClient) withBase(base string) *apiClient {
	cp := *c
	cp.base = base
	return &cp
}
