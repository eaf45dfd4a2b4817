package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridkeeper/internal/bootstrap"
	"gridkeeper/internal/config"
	"gridkeeper/internal/core"
	"gridkeeper/internal/infrastructure/health"
	"gridkeeper/internal/infrastructure/metrics"
	"gridkeeper/internal/supervisor"
)

const usage = `usage: supervisor <command> [--config supervisor.yaml]

commands:
  run              run the daemon (probe, log rotation, backup, HTTP endpoints)
  start [--restart] [--no-launch]
                   mark the worker as wanted and start it; with --no-launch
                   the running daemon starts it on its next probe
  stop             mark the worker as stopped and terminate it
  status           print the worker status
  probe            reconcile once
  rotate           rotate the worker and supervisor logs now
  backup           create a backup now and prune old ones
`

var commands = map[string]bool{
	"run": true, "start": true, "stop": true, "status": true,
	"probe": true, "rotate": true, "backup": true,
}

type options struct {
	command  string
	config   string
	restart  bool
	noLaunch bool
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var o options
	if len(args) == 0 || !commands[args[0]] {
		return o, errors.New("unknown or missing command")
	}
	o.command = args[0]

	fs := flag.NewFlagSet(o.command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.config, "config", "supervisor.yaml", "Path to supervisor.yaml")
	if o.command == "start" {
		fs.BoolVar(&o.restart, "restart", false, "Stop live instances first")
		fs.BoolVar(&o.noLaunch, "no-launch", false, "Record the desired state only; the daemon launches the worker")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "supervisor:", err)
		}
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := config.LoadSupervisorConfig(opts.config)
	if err != nil {
		fmt.Fprintln(stderr, "supervisor:", err)
		return 2
	}
	env, err := config.LoadEnvironment()
	if err != nil {
		fmt.Fprintln(stderr, "supervisor:", err)
		return 2
	}

	app, err := bootstrap.NewApp(bootstrap.Options{
		ServiceName: "gridkeeper-supervisor",
		LogLevel:    cfg.LogLevel,
		LogFile:     cfg.LogFile,
		TraceFile:   env.TraceFile,
	})
	if err != nil {
		fmt.Fprintln(stderr, "supervisor:", err)
		return 1
	}
	defer app.Close()
	logger := app.Logger.WithField("command", opts.command)

	comps, err := supervisor.Build(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise supervisor", "error", err)
		fmt.Fprintln(stderr, "supervisor:", err)
		return 1
	}

	if opts.command == "run" {
		return runDaemon(app, cfg, comps, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st supervisor.Status
	switch opts.command {
	case "start":
		if opts.noLaunch {
			st, err = comps.Supervisor.Enable(ctx, opts.restart)
		} else {
			st, err = comps.Supervisor.Start(ctx, opts.restart)
		}
	case "stop":
		st, err = comps.Supervisor.Stop(ctx)
	case "status":
		st, err = comps.Supervisor.Status(ctx)
	case "probe":
		st, err = comps.Supervisor.Probe(ctx)
	case "rotate":
		n := comps.Daemon.Rotate(ctx, true)
		fmt.Fprintf(stdout, "rotated %d log(s)\n", n)
		return 0
	case "backup":
		if err := comps.Daemon.Backup(ctx); err != nil {
			fmt.Fprintln(stderr, "supervisor:", err)
			return 1
		}
		return 0
	}
	if err != nil {
		logger.Error("Command failed", "error", err)
		fmt.Fprintln(stderr, "supervisor:", err)
		return 1
	}
	printStatus(stdout, st)
	return 0
}

func runDaemon(app *bootstrap.App, cfg *config.SupervisorConfig, comps *supervisor.Components, logger core.ILogger) int {
	hm := health.NewHealthManager(logger)
	hm.Register("worker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return comps.Supervisor.Healthy(ctx)
	})

	server := metrics.NewServer(cfg.ListenAddr, logger)
	server.Handle("/health", hm)
	server.Handle("/status", statusHandler(comps.Supervisor))

	logger.Info("Supervisor daemon starting",
		"worker", cfg.Worker.Name,
		"workdir", cfg.Worker.Workdir,
		"probe_interval", cfg.Probe.Interval,
		"listen", cfg.ListenAddr)

	if err := app.Run(comps.Daemon, server); err != nil {
		return 1
	}
	return 0
}

func statusHandler(sup *supervisor.Supervisor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := sup.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
}

func printStatus(w io.Writer, st supervisor.Status) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%+v\n", st)
		return
	}
	fmt.Fprintln(w, string(data))
}
