package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridkeeper/internal/bootstrap"
	"gridkeeper/internal/config"
	"gridkeeper/internal/orchestrator"
	"gridkeeper/internal/state"
	"gridkeeper/pkg/concurrency"
	apperrors "gridkeeper/pkg/errors"
)

// Exit codes
const (
	exitOK        = 0
	exitUsage     = 2
	exitMutate    = 10
	exitPackage   = 11
	exitValidate  = 12
	exitLock      = 13
	exitTransfer  = 14
	exitBootstrap = 15
	exitActivate  = 16
	exitTimeout   = 20
)

var stageExitCodes = map[orchestrator.Stage]int{
	orchestrator.StageMutate:    exitMutate,
	orchestrator.StagePackage:   exitPackage,
	orchestrator.StageValidate:  exitValidate,
	orchestrator.StageLock:      exitLock,
	orchestrator.StageTransfer:  exitTransfer,
	orchestrator.StageBootstrap: exitBootstrap,
	orchestrator.StageActivate:  exitActivate,
}

type options struct {
	target     string
	profile    string
	config     string
	timeout    int
	dryRun     bool
	deployFile string
	fresh      bool
	history    int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.target, "target", "", "Target name from the deploy file, or [user@]host[:port]")
	fs.StringVar(&o.profile, "profile", "", "Resource profile (nano, micro, standard or one declared in the deploy file)")
	fs.StringVar(&o.config, "config", "config.yaml", "Worker configuration to deploy")
	fs.IntVar(&o.timeout, "timeout", 0, "Deployment timeout in seconds (0 uses the deploy file's timing.deploy_timeout)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Mutate, package and validate only")
	fs.StringVar(&o.deployFile, "deploy-file", "deploy.yaml", "Path to the deploy file")
	fs.BoolVar(&o.fresh, "fresh", false, "Ignore recorded bootstrap progress for the target")
	fs.IntVar(&o.history, "history", 0, "Print the last N deployment reports for --target and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.target == "" {
		return o, errors.New("--target is required")
	}
	if o.profile == "" && o.history == 0 {
		return o, errors.New("--profile is required")
	}
	if o.timeout < 0 {
		return o, errors.New("--timeout must not be negative")
	}
	return o, nil
}

// exitCode maps a deployment error to the process exit status
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, apperrors.ErrTimeout) {
		return exitTimeout
	}
	var stageErr *orchestrator.StageError
	if errors.As(err, &stageErr) {
		if code, ok := stageExitCodes[stageErr.Stage]; ok {
			return code
		}
	}
	return 1
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "deploy:", err)
		}
		return exitUsage
	}

	env, err := config.LoadEnvironment(".env")
	if err != nil {
		fmt.Fprintln(stderr, "deploy:", err)
		return exitUsage
	}

	app, err := bootstrap.NewApp(bootstrap.Options{
		ServiceName: "gridkeeper-deploy",
		LogLevel:    env.LogLevel,
		LogTo:       stderr,
		TraceFile:   env.TraceFile,
	})
	if err != nil {
		fmt.Fprintln(stderr, "deploy:", err)
		return exitUsage
	}
	defer app.Close()
	logger := app.Logger

	cfg, err := config.LoadDeployConfig(opts.deployFile)
	if err != nil {
		fmt.Fprintln(stderr, "deploy:", err)
		return exitUsage
	}
	statePath := cfg.State.Path
	if env.StatePath != "" {
		statePath = env.StatePath
	}
	store, err := state.NewSQLiteStore(statePath)
	if err != nil {
		logger.Error("Failed to open deployment state", "path", statePath, "error", err)
		return 1
	}
	defer store.Close()

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "deploy",
		MaxWorkers:  env.PoolSize,
		MaxCapacity: env.PoolSize,
	}, logger)
	defer pool.Stop()

	orch := orchestrator.New(cfg, store, pool, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.history > 0 {
		reports, err := orch.History(ctx, opts.target, opts.history)
		if err != nil {
			logger.Error("Failed to read history", "error", err)
			return 1
		}
		for _, rep := range reports {
			fmt.Fprintf(stdout, "%s  %-8s  %-8s  %s  %s\n", rep.Started.Format(time.RFC3339), rep.Status(), rep.Profile, shortDigest(rep.Digest), rep.ID)
		}
		return exitOK
	}

	rep, err := orch.Deploy(ctx, orchestrator.Request{
		Target:     opts.target,
		Profile:    opts.profile,
		ConfigPath: opts.config,
		DryRun:     opts.dryRun,
		Fresh:      opts.fresh,
		Timeout:    time.Duration(opts.timeout) * time.Second,
	})
	if rep != nil {
		if data, jerr := rep.JSON(); jerr == nil {
			fmt.Fprintln(stdout, string(data))
		}
	}
	if err != nil {
		stage := "unknown"
		if rep != nil {
			if failed, ok := rep.FailedStage(); ok {
				stage = string(failed.Stage)
			}
		}
		fmt.Fprintf(stderr, "deploy failed at stage %s: %v\n", stage, err)
		return exitCode(err)
	}
	return exitOK
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
