package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"gridkeeper/internal/core"
	apperrors "gridkeeper/pkg/errors"
	"gridkeeper/pkg/telemetry"

	"golang.org/x/time/rate"
)

// ErrBusy is returned by Probe when another probe or start is in flight in this process
var ErrBusy = errors.New("supervisor busy")

// crashLoopThreshold is the number of consecutive failed probes after which
// the worker is reported as crash looping
const crashLoopThreshold = 3

// ProbeFailure records a probe that found no live instance of a worker that
// should have been running
type ProbeFailure struct {
	Worker  string
	At      time.Time
	LastPID int
}

func (e *ProbeFailure) Error() string {
	return fmt.Sprintf("probe failure: worker %s (last pid %d) not running at %s",
		e.Worker, e.LastPID, e.At.Format(time.RFC3339))
}

func (e *ProbeFailure) Is(target error) bool { return target == apperrors.ErrProbeFailure }

// Config configures a Supervisor
type Config struct {
	Name        string
	Identity    Identity
	LogFile     string
	EnvFile     string
	StateDir    string
	GracePeriod time.Duration
}

// Supervisor drives the worker state machine
type Supervisor struct {
	cfg      Config
	files    Files
	table    ProcessTable
	launcher Launcher
	locker   Locker
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	now      func() time.Time

	// mu admits one probe/start/stop at a time within this process
	mu        sync.Mutex
	crashWarn rate.Sometimes
}

// New creates a supervisor
func New(cfg Config, table ProcessTable, launcher Launcher, locker Locker, logger core.ILogger) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &Supervisor{
		cfg:       cfg,
		files:     Files{Dir: cfg.StateDir},
		table:     table,
		launcher:  launcher,
		locker:    locker,
		logger:    core.OrNop(logger).WithField("worker", cfg.Name),
		metrics:   telemetry.GetGlobalMetrics(),
		now:       time.Now,
		crashWarn: rate.Sometimes{Interval: 10 * time.Minute},
	}
}

// lock takes the in-process mutex (blocking unless try is set) and then the
// cross-process file lock
func (s *Supervisor) lock(ctx context.Context, try bool) (func(), error) {
	if try {
		if !s.mu.TryLock() {
			return nil, ErrBusy
		}
	} else {
		s.mu.Lock()
	}
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire supervisor lock: %w", err)
	}
	return func() {
		unlock()
		s.mu.Unlock()
	}, nil
}

// Status returns the persisted status refreshed with the live instance count.
// It takes no locks and changes nothing.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	st, err := s.files.LoadStatus(s.cfg.Name)
	if err != nil {
		return st, err
	}
	rc, err := s.files.LoadRun()
	if err != nil {
		return st, err
	}
	st.Desired = rc.TargetStatus
	instances, err := s.table.Find(ctx, s.cfg.Identity)
	if err != nil {
		return st, err
	}
	st.Instances = len(instances)
	return st, nil
}

// Healthy reports an error when the worker should be running but is not, or
// is crash looping
func (s *Supervisor) Healthy(ctx context.Context) error {
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	if st.Desired != DesiredRunning {
		return nil
	}
	if st.ConsecutiveFailures >= crashLoopThreshold {
		return fmt.Errorf("worker crash looping: %d consecutive probe failures", st.ConsecutiveFailures)
	}
	if st.Instances == 0 {
		return fmt.Errorf("worker not running (state %s)", st.State)
	}
	return nil
}

// Start records the desired state as running and launches the worker unless
// a live instance already exists. With restart set, live instances are
// stopped first.
func (s *Supervisor) Start(ctx context.Context, restart bool) (Status, error) {
	return s.start(ctx, restart, true)
}

// Enable is Start without the launch: the desired state becomes running and,
// with restart set, live instances are stopped, but starting the worker is
// left to the daemon's next probe. Deployments use it so the worker is
// always a child of the service unit and inherits its resource limits.
func (s *Supervisor) Enable(ctx context.Context, restart bool) (Status, error) {
	return s.start(ctx, restart, false)
}

func (s *Supervisor) start(ctx context.Context, restart, launch bool) (Status, error) {
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	if err := s.files.SaveRun(RunConfig{TargetStatus: DesiredRunning, UpdatedAt: s.stamp()}); err != nil {
		return Status{}, err
	}
	st, err := s.files.LoadStatus(s.cfg.Name)
	if err != nil {
		return st, err
	}
	st.Desired = DesiredRunning

	instances, err := s.table.Find(ctx, s.cfg.Identity)
	if err != nil {
		return st, err
	}

	if restart && len(instances) > 0 {
		s.logger.Info("Restarting worker", "instances", len(instances))
		if err := s.terminate(ctx, instances); err != nil {
			return st, err
		}
		instances = nil
	}

	if len(instances) > 0 {
		if st.State == StateStarting || st.State == StateRunning {
			s.logger.Info("Start suppressed, worker already live", "pid", instances[0].PID, "state", st.State)
		} else {
			s.logger.Info("Adopting live worker", "pid", instances[0].PID)
		}
		s.observeRunning(&st, instances)
		return st, s.save(st)
	}

	if !launch {
		// STOPPED with desired running: the next probe launches without
		// counting a restart.
		s.observeStopped(&st)
		s.logger.Info("Worker enabled, launch left to the daemon")
		return st, s.save(st)
	}

	// Nothing live: launch, whatever the previous state.
	if err := s.launch(ctx, &st); err != nil {
		return st, err
	}
	st.ConsecutiveFailures = 0
	return st, s.save(st)
}

// Stop records the desired state as stopped and terminates every instance:
// SIGTERM, then SIGKILL after the grace period
func (s *Supervisor) Stop(ctx context.Context) (Status, error) {
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	if err := s.files.SaveRun(RunConfig{TargetStatus: DesiredStopped, UpdatedAt: s.stamp()}); err != nil {
		return Status{}, err
	}
	st, err := s.files.LoadStatus(s.cfg.Name)
	if err != nil {
		return st, err
	}
	st.Desired = DesiredStopped

	instances, err := s.table.Find(ctx, s.cfg.Identity)
	if err != nil {
		return st, err
	}
	if err := s.terminate(ctx, instances); err != nil {
		return st, err
	}
	s.observeStopped(&st)
	s.logger.Info("Worker stopped", "terminated", len(instances))
	return st, s.save(st)
}

// Probe reconciles the observed process table with the desired state. A
// worker that should be running but is not is restarted immediately. Returns
// ErrBusy when another operation is in flight in this process.
func (s *Supervisor) Probe(ctx context.Context) (Status, error) {
	unlock, err := s.lock(ctx, true)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	rc, err := s.files.LoadRun()
	if err != nil {
		return Status{}, err
	}
	st, err := s.files.LoadStatus(s.cfg.Name)
	if err != nil {
		return st, err
	}
	st.Desired = rc.TargetStatus
	st.LastProbe = s.now().UTC()

	instances, err := s.table.Find(ctx, s.cfg.Identity)
	if err != nil {
		return st, err
	}

	if rc.TargetStatus == DesiredStopped {
		if len(instances) > 0 {
			s.logger.Warn("Worker running while desired stopped, terminating", "instances", len(instances))
			if err := s.terminate(ctx, instances); err != nil {
				return st, err
			}
		}
		s.observeStopped(&st)
		return st, s.save(st)
	}

	if len(instances) > 0 {
		if len(instances) > 1 {
			s.logger.Warn("Multiple worker instances found, terminating extras",
				"instances", len(instances), "keep_pid", instances[0].PID)
			if err := s.terminate(ctx, instances[1:]); err != nil {
				return st, err
			}
			instances = instances[:1]
		}
		s.observeRunning(&st, instances)
		return st, s.save(st)
	}

	if st.State == StateStopped {
		// Desired running but never started (e.g. status file reset).
		s.logger.Info("Worker not started yet, starting")
		if err := s.launch(ctx, &st); err != nil {
			return st, err
		}
		return st, s.save(st)
	}

	failure := &ProbeFailure{Worker: s.cfg.Name, At: st.LastProbe, LastPID: st.PID}
	if err := st.moveTo(StateFailed); err != nil {
		return st, err
	}
	st.PID = 0
	st.Instances = 0
	st.LastFailure = failure.At
	st.ConsecutiveFailures++
	st.Restarts++
	s.metrics.RecordProbeFailure(ctx, s.cfg.Name)
	s.metrics.RecordRestart(ctx, s.cfg.Name)
	s.metrics.SetWorkerUp(s.cfg.Name, false)
	s.logger.Error("ProbeFailure", "error", failure, "timestamp", failure.At.Format(time.RFC3339), "restarts", st.Restarts)
	if st.ConsecutiveFailures >= crashLoopThreshold {
		s.crashWarn.Do(func() {
			s.logger.Warn("Worker is crash looping", "consecutive_failures", st.ConsecutiveFailures, "log_file", s.cfg.LogFile)
		})
	}
	if err := s.save(st); err != nil {
		return st, err
	}

	if err := s.launch(ctx, &st); err != nil {
		_ = s.save(st)
		return st, fmt.Errorf("%w: restart failed: %v", failure, err)
	}
	return st, s.save(st)
}

func (s *Supervisor) launch(ctx context.Context, st *Status) error {
	if err := st.moveTo(StateStarting); err != nil {
		return err
	}
	pid, err := s.launcher.Launch(ctx, LaunchSpec{
		Identity: s.cfg.Identity,
		LogFile:  s.cfg.LogFile,
		EnvFile:  s.cfg.EnvFile,
	})
	if err != nil {
		st.State = StateFailed
		st.PID = 0
		return err
	}
	st.PID = pid
	st.Instances = 1
	st.StartedAt = s.now().UTC()
	s.logger.Info("Worker launched", "pid", pid, "restarts", st.Restarts)
	return nil
}

func (s *Supervisor) observeRunning(st *Status, instances []Instance) {
	if st.State != StateRunning {
		s.logger.Info("Worker running", "pid", instances[0].PID, "previous", st.State)
	}
	st.State = StateRunning
	st.PID = instances[0].PID
	st.Instances = len(instances)
	st.ConsecutiveFailures = 0
	s.metrics.SetWorkerUp(s.cfg.Name, true)
}

func (s *Supervisor) observeStopped(st *Status) {
	st.State = StateStopped
	st.PID = 0
	st.Instances = 0
	st.ConsecutiveFailures = 0
	s.metrics.SetWorkerUp(s.cfg.Name, false)
}

// terminate sends SIGTERM to every instance, waits up to the grace period for
// them to disappear from the process table and SIGKILLs the survivors
func (s *Supervisor) terminate(ctx context.Context, instances []Instance) error {
	if len(instances) == 0 {
		return nil
	}
	for _, in := range instances {
		if err := s.launcher.Signal(in.PID, syscall.SIGTERM); err != nil {
			s.logger.Warn("Failed to send SIGTERM", "pid", in.PID, "error", err)
		}
	}

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	expired := false
	for {
		alive, err := s.alive(ctx, instances)
		if err != nil {
			return err
		}
		if len(alive) == 0 {
			return nil
		}
		if expired {
			for _, in := range alive {
				s.logger.Warn("Worker ignored SIGTERM, killing", "pid", in.PID)
				if err := s.launcher.Signal(in.PID, syscall.SIGKILL); err != nil {
					return fmt.Errorf("failed to kill pid %d: %w", in.PID, err)
				}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-grace.C:
			expired = true
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *Supervisor) alive(ctx context.Context, instances []Instance) ([]Instance, error) {
	live, err := s.table.Find(ctx, s.cfg.Identity)
	if err != nil {
		return nil, err
	}
	pids := make(map[int]bool, len(live))
	for _, in := range live {
		pids[in.PID] = true
	}
	var out []Instance
	for _, in := range instances {
		if pids[in.PID] {
			out = append(out, in)
		}
	}
	return out, nil
}

func (s *Supervisor) save(st Status) error {
	if err := s.files.SaveStatus(st); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}
	return nil
}

func (s *Supervisor) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
