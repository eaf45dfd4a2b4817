package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gridkeeper/internal/core"
	"gridkeeper/pkg/logging"
	"gridkeeper/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Options selects how the process logs and traces
type Options struct {
	ServiceName string
	LogLevel    string
	LogFile     string    // takes precedence over LogTo
	LogTo       io.Writer // defaults to stdout
	TraceFile   string    // empty disables span export
}

// App holds the process-wide dependencies: logger and telemetry
type App struct {
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry

	closers []io.Closer
}

// NewApp sets up logging and telemetry and installs the global logger
func NewApp(opts Options) (*App, error) {
	a := &App{}

	var logger *logging.ZapLogger
	var err error
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		var closer io.Closer
		logger, closer, err = logging.NewFileLogger(opts.LogLevel, opts.LogFile)
		if err == nil {
			a.closers = append(a.closers, closer)
		}
	} else if opts.LogTo != nil {
		logger, err = logging.NewZapLoggerTo(opts.LogLevel, opts.LogTo)
	} else {
		logger, err = logging.NewZapLogger(opts.LogLevel)
	}
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	var traceOut io.Writer
	if opts.TraceFile != "" {
		f, err := os.OpenFile(opts.TraceFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("trace file: %w", err)
		}
		a.closers = append(a.closers, f)
		traceOut = f
	}
	tel, err := telemetry.Setup(opts.ServiceName, traceOut)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.Telemetry = tel

	if lp := tel.LoggerProvider(); lp != nil {
		logger = logger.WithOTel(opts.ServiceName, lp)
	}
	logging.SetGlobalLogger(logger)
	a.Logger = logger.WithField("service", opts.ServiceName)

	return a, nil
}

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run runs every runner until SIGINT/SIGTERM or until one of them fails
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs every runner in an error group bound to ctx. The first
// failure cancels the others.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.logger().Info("starting application", "runners", len(runners))
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger().Error("application stopped with error", "error", err)
		return err
	}

	a.logger().Info("application shut down gracefully")
	return nil
}

// Close flushes telemetry and closes log and trace files
func (a *App) Close() error {
	var errs []error
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if zl, ok := logging.GetGlobalLogger().(*logging.ZapLogger); ok {
		_ = zl.Sync()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) logger() core.ILogger {
	return core.OrNop(a.Logger)
}
