package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridkeeper/internal/backup"
	"gridkeeper/internal/core"
	"gridkeeper/internal/logrotate"
	"gridkeeper/pkg/telemetry"

	"github.com/robfig/cron/v3"
)

// Schedule holds the daemon's job timings
type Schedule struct {
	ProbeInterval     time.Duration
	RotateSchedule    string // cron spec, e.g. @daily
	SizeCheckInterval time.Duration
	BackupSchedule    string
}

// Daemon runs probe, log rotation and backup as independent cron jobs. A job
// whose previous run has not finished is skipped.
type Daemon struct {
	sup      *Supervisor
	rotator  *logrotate.Rotator
	backups  *backup.Manager
	logs     []string
	schedule Schedule
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewDaemon creates a daemon rotating the given log files
func NewDaemon(sup *Supervisor, rotator *logrotate.Rotator, backups *backup.Manager, logs []string, schedule Schedule, logger core.ILogger) *Daemon {
	return &Daemon{
		sup:      sup,
		rotator:  rotator,
		backups:  backups,
		logs:     logs,
		schedule: schedule,
		logger:   core.OrNop(logger).WithField("component", "scheduler"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Run reconciles once, then runs the jobs until ctx is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{d.logger}),
		cron.WithChain(cron.Recover(cronLogger{d.logger}), cron.SkipIfStillRunning(cronLogger{d.logger})),
	)
	if err := d.register(ctx, c); err != nil {
		return err
	}

	d.Probe(ctx)

	c.Start()
	d.logger.Info("Scheduler started", "jobs", len(c.Entries()))
	<-ctx.Done()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		d.logger.Warn("Timed out waiting for running jobs")
	}
	d.logger.Info("Scheduler stopped")
	return nil
}

func (d *Daemon) register(ctx context.Context, c *cron.Cron) error {
	if d.schedule.ProbeInterval > 0 {
		c.Schedule(cron.Every(d.schedule.ProbeInterval), cron.FuncJob(func() { d.Probe(ctx) }))
	}
	if d.schedule.SizeCheckInterval > 0 {
		c.Schedule(cron.Every(d.schedule.SizeCheckInterval), cron.FuncJob(func() { d.Rotate(ctx, false) }))
	}
	if d.schedule.RotateSchedule != "" {
		if _, err := c.AddFunc(d.schedule.RotateSchedule, func() { d.Rotate(ctx, true) }); err != nil {
			return fmt.Errorf("invalid rotate schedule %q: %w", d.schedule.RotateSchedule, err)
		}
	}
	if d.schedule.BackupSchedule != "" && d.backups != nil {
		if _, err := c.AddFunc(d.schedule.BackupSchedule, func() { _ = d.Backup(ctx) }); err != nil {
			return fmt.Errorf("invalid backup schedule %q: %w", d.schedule.BackupSchedule, err)
		}
	}
	return nil
}

// Probe runs one probe and logs the outcome
func (d *Daemon) Probe(ctx context.Context) {
	st, err := d.sup.Probe(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		d.logger.Debug("Probe skipped, supervisor busy")
	case err != nil:
		d.logger.Error("Probe failed", "error", err)
	default:
		d.logger.Debug("Probe complete", "state", st.State, "pid", st.PID, "restarts", st.Restarts)
	}
}

// Rotate rotates every log; with force unset only logs over the size limit
func (d *Daemon) Rotate(ctx context.Context, force bool) int {
	rotated := 0
	for _, path := range d.logs {
		var dst string
		var err error
		if force {
			dst, err = d.rotator.Rotate(path)
		} else {
			dst, err = d.rotator.RotateIfLarge(path)
		}
		if err != nil {
			d.logger.Error("Log rotation failed", "log", path, "error", err)
			continue
		}
		if dst != "" {
			rotated++
			d.metrics.RecordRotation(ctx, path)
		}
	}
	return rotated
}

// Backup creates a backup and prunes old ones. Failures are logged and
// returned; they never stop the daemon.
func (d *Daemon) Backup(ctx context.Context) error {
	rec, err := d.backups.Run(ctx)
	if err != nil {
		d.metrics.RecordBackup(ctx, "failed")
		d.logger.Error("Backup failed", "error", err)
		return err
	}
	d.metrics.RecordBackup(ctx, "ok")
	d.logger.Info("Backup complete", "archive", rec.Path)
	return nil
}

// cronLogger adapts core.ILogger to cron.Logger
type cronLogger struct {
	logger core.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
