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

// Command supvisorsd is the cluster daemon: one instance runs per peer in
// the fixed address_list, building every collaborator of the core and
// binding them into a single oklog/run.Group (spec §5.1).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/config"
	"github.com/rajesnal/supvisors/control"
	"github.com/rajesnal/supvisors/logging"
	"github.com/rajesnal/supvisors/mainloop"
	"github.com/rajesnal/supvisors/procman"
	"github.com/rajesnal/supvisors/process"
	"github.com/rajesnal/supvisors/rpcrequests"
	"github.com/rajesnal/supvisors/rules"
	"github.com/rajesnal/supvisors/stats"
	"github.com/rajesnal/supvisors/statemachine"
	"github.com/rajesnal/supvisors/strategy"
	"github.com/rajesnal/supvisors/transport"
	"github.com/rajesnal/supvisors/web"
)

func main() {
	os.Exit(run0())
}

// run0 is split out from main so a configuration error returns a plain
// exit code instead of a panic/os.Exit buried three calls deep.
func run0() int {
	var (
		self                 string
		addresses            []string
		internalPort         int
		eventPort            int
		autoFence            bool
		synchroTimeout       time.Duration
		conciliationStrategy string
		rulesFile            string
		programFlags         []string
		webUsername          string
		webPassword          string
		logLevel             string
		logFormat            string
	)

	app := kingpin.New("supvisorsd", "A distributed supervisor-of-supervisors cluster daemon.")
	app.Version(version.Print("supvisorsd"))
	app.HelpFlag.Short('h')

	app.Flag("self", "This peer's address, as it appears in --address-list. Resolved from a private IP if empty.").
		StringVar(&self)
	app.Flag("address-list", "The fixed set of cluster peer addresses. Repeatable.").
		StringsVar(&addresses)
	app.Flag("internal-port", "Port the internal gossip event bus binds on.").
		Default("7600").IntVar(&internalPort)
	app.Flag("event-port", "Port the external event bus / admin HTTP surface binds on.").
		Default("7601").IntVar(&eventPort)
	app.Flag("auto-fence", "Send unauthorized or unresponsive non-self peers to ISOLATING (then ISOLATED) instead of SILENT.").
		Default("true").BoolVar(&autoFence)
	app.Flag("synchro-timeout", "How long INITIALIZATION waits for the whole address_list to report in.").
		Default("15s").DurationVar(&synchroTimeout)
	app.Flag("conciliation-strategy", "SENICIDE, INFANTICIDE or USER.").
		Default(strategy.ConciliateUser).StringVar(&conciliationStrategy)
	app.Flag("rules-file", "Path to the YAML rules file (spec §4.3, §6).").
		StringVar(&rulesFile)
	app.Flag("program", `A managed program, as "group:name=command arg1 arg2". Repeatable.`).
		StringsVar(&programFlags)
	app.Flag("web.username", "Basic Auth username for the admin surface; empty disables auth.").
		StringVar(&webUsername)
	app.Flag("web.password", "Basic Auth password for the admin surface.").
		StringVar(&webPassword)
	app.Flag("log.level", "debug, info, warn or error.").
		Default("info").StringVar(&logLevel)
	app.Flag("log.format", "logfmt or json.").
		Default("logfmt").StringVar(&logFormat)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "supvisorsd: parsing arguments:", err)
		return 1
	}

	log, err := logging.New(logging.Config{Level: logLevel, Format: logFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, "supvisorsd: building logger:", err)
		return 1
	}
	log.Info("starting supvisorsd", "version", version.Info())

	resolvedSelf, err := address.ResolveAdvertiseAddr(self)
	if err != nil {
		log.Error("resolving self address", "err", err)
		return 1
	}

	opt := config.Options{
		Self:                 address.Address(resolvedSelf),
		Addresses:            toAddresses(addresses),
		InternalPort:         internalPort,
		EventPort:            eventPort,
		AutoFence:            autoFence,
		SynchroTimeout:       synchroTimeout,
		ConciliationStrategy: conciliationStrategy,
		RulesFile:            rulesFile,
		LogLevel:             logLevel,
		LogFormat:            logFormat,
	}
	if err := opt.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		return 1
	}

	mapper, err := address.New(opt.Self, opt.Addresses)
	if err != nil {
		log.Error("building address mapper", "err", err)
		return 1
	}

	var rulesStore *rules.Store
	if opt.RulesFile != "" {
		rulesStore, err = rules.Load(opt.RulesFile)
		if err != nil {
			log.Error("loading rules file", "err", err)
			return 1
		}
	}

	specs, err := parsePrograms(programFlags)
	if err != nil {
		log.Error("parsing --program flags", "err", err)
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(version.NewCollector("supvisorsd"))
	if rulesStore != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "supvisors_rules_file_hash",
			Help: "xxhash of the currently loaded rules file.",
		}, func() float64 { return float64(rulesStore.Hash()) }))
	}

	stopCh := make(chan struct{})
	shutdownRequested := make(chan struct{}, 1)
	restartRequested := make(chan struct{}, 1)

	manager := procman.NewExecManager(specs,
		func() error { notify(restartRequested); return nil },
		func() error { notify(shutdownRequested); return nil },
	)

	creds, err := rpcrequests.CredentialsFromEnv()
	if err != nil {
		log.Error("reading SUPERVISOR_* credentials", "err", err)
		return 1
	}
	dispatcher := rpcrequests.New(opt.Self, manager, creds)
	defer dispatcher.Close()

	webServer := web.NewServer(log, mapper, manager, webUsername, webPassword)

	model := process.NewModel(rulesStore)
	events := transport.NewEventQueue(64)
	reqs := transport.NewRequestChannel(64)
	ctx := cluster.New(mapper, opt.AutoFence, model, stats.Discard{}, webServer, reqs)

	internalBus, err := transport.JoinInternalBus(log, reg, string(opt.Self), opt.InternalBindAddress(), opt.PeerInternalAddresses(), events)
	if err != nil {
		log.Error("joining internal event bus", "err", err)
		return 1
	}

	deployer := strategy.NewDeployer(dispatcher)
	stopper := strategy.NewStopper(dispatcher)
	conciliator := strategy.NewConciliator(dispatcher)

	fsm := statemachine.New(log, ctx, statemachine.Options{
		AutoFence:            opt.AutoFence,
		SynchroTimeout:       opt.SynchroTimeout,
		ConciliationStrategy: opt.ConciliationStrategy,
	}, deployer, stopper, conciliator, reqs, webServer)

	executor := control.NewExecutor(log, ctx, dispatcher)
	loop := mainloop.New(log, ctx, fsm, events, reqs, internalBus, executor, 5*time.Second)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", resolvedSelf, opt.EventPort),
		Handler: withMetrics(webServer.Handler(), reg),
	}

	var g run.Group
	g.Add(func() error {
		return loop.Run(stopCh)
	}, func(error) {
		close(stopCh)
	})
	g.Add(func() error {
		log.Info("web server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	})
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		select {
		case <-shutdownRequested:
			return nil
		case <-stopCh:
			return nil
		}
	}, func(error) {})
	g.Add(func() error {
		select {
		case <-restartRequested:
			return errRestartRequested
		case <-stopCh:
			return nil
		}
	}, func(error) {})

	runErr := g.Run()
	internalBus.Leave(5 * time.Second)
	internalBus.Shutdown()

	if runErr == errRestartRequested {
		log.Info("restart requested, exiting for supervisor restart")
		return exitRestart
	}
	if runErr != nil {
		if _, ok := runErr.(run.SignalError); !ok {
			log.Error("exiting", "err", runErr)
			return 1
		}
	}
	return 0
}

// exitRestart is a distinct, non-error exit code a process supervisor
// (systemd, docker --restart) can key a restart policy on, since RESTART
// (spec §4.1) means "recycle this peer", not "this peer crashed".
const exitRestart = 75

var errRestartRequested = fmt.Errorf("restart requested")

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func toAddresses(in []string) []address.Address {
	out := make([]address.Address, 0, len(in))
	for _, a := range in {
		out = append(out, address.Address(a))
	}
	return out
}

// parsePrograms parses "group:name=command arg1 arg2" entries from
// --program into procman.ProgramSpec values.
func parsePrograms(flags []string) ([]procman.ProgramSpec, error) {
	specs := make([]procman.ProgramSpec, 0, len(flags))
	for _, f := range flags {
		namespec, cmdline, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --program %q: expected group:name=command", f)
		}
		group, name, ok := strings.Cut(namespec, ":")
		if !ok {
			return nil, fmt.Errorf("malformed --program %q: expected group:name=command", f)
		}
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			return nil, fmt.Errorf("malformed --program %q: empty command", f)
		}
		specs = append(specs, procman.ProgramSpec{
			Group:   group,
			Name:    name,
			Command: fields[0],
			Args:    fields[1:],
		})
	}
	return specs, nil
}

func withMetrics(h http.Handler, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", h)
	return mux
}
