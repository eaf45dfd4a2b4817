// Package orchestrator runs a deployment end to end: mutate the worker
// config for a resource profile, package, validate, lock the target,
// transfer, bootstrap and activate. Each stage is reported; nothing is rolled
// back on failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"gridkeeper/internal/config"
	"gridkeeper/internal/core"
	"gridkeeper/internal/packager"
	"gridkeeper/internal/provision"
	"gridkeeper/internal/remote"
	"gridkeeper/internal/state"
	"gridkeeper/internal/transfer"
	"gridkeeper/internal/workercfg"
	"gridkeeper/pkg/concurrency"
	"gridkeeper/pkg/retry"
	"gridkeeper/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request is one deployment
type Request struct {
	Target     string // name in the deploy file or [user@]host[:port]
	Profile    string
	ConfigPath string // worker config to mutate
	DryRun     bool   // stop after validate
	Fresh      bool   // ignore recorded bootstrap progress
	Timeout    time.Duration
}

// Dialer opens the remote channel to a target
type Dialer func(name string, target config.TargetConfig) (remote.Runner, error)

// PlanFunc builds the bootstrap steps for a target
type PlanFunc func(spec provision.PlanSpec) ([]provision.Step, error)

// Orchestrator runs deployments on a worker pool
type Orchestrator struct {
	cfg     *config.DeployConfig
	store   state.Store
	pool    *concurrency.WorkerPool
	dial    Dialer
	plan    PlanFunc
	logger  core.ILogger
	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
	now     func() time.Time
	grace   time.Duration // how long a timed-out deployment may take to unwind
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithDialer replaces the SSH/local dialer
func WithDialer(d Dialer) Option { return func(o *Orchestrator) { o.dial = d } }

// WithPlan replaces the bootstrap plan
func WithPlan(p PlanFunc) Option { return func(o *Orchestrator) { o.plan = p } }

// New creates an orchestrator. pool runs the deployments; the caller owns it.
func New(cfg *config.DeployConfig, store state.Store, pool *concurrency.WorkerPool, logger core.ILogger, opts ...Option) *Orchestrator {
	logger = core.OrNop(logger).WithField("component", "orchestrator")
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		plan:    provision.Plan,
		logger:  logger,
		tracer:  telemetry.GetTracer("gridkeeper/orchestrator"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
		grace:   shutdownGrace,
	}
	o.dial = func(name string, t config.TargetConfig) (remote.Runner, error) {
		return Dial(t, cfg.Timing, logger)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Deploy runs req as one pool task bounded by req.Timeout (or the deploy
// file's default). It always returns a report; err describes the failing
// stage and is a *TimeoutError when the budget ran out.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*Report, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timing.DeployTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep := &Report{
		ID:      uuid.NewString(),
		Target:  req.Target,
		Profile: req.Profile,
		DryRun:  req.DryRun,
		Started: o.now().UTC(),
	}
	d := &deployment{rep: rep}

	type result struct {
		rep *Report
		err error
	}
	done, err := concurrency.Go(o.pool, func() result {
		err := o.run(ctx, req, d)
		return result{rep, err}
	})
	if err != nil {
		return rep, fmt.Errorf("failed to schedule deployment: %w", err)
	}
	if n := o.pool.Pending(); n > 0 {
		o.logger.Info("Deployment queued", "id", rep.ID, "ahead", n)
	}

	select {
	case res := <-done:
		return res.rep, o.classify(ctx, timeout, res.rep, res.err)
	case <-ctx.Done():
	}

	// Stages honour ctx, so the task normally finishes promptly.
	select {
	case res := <-done:
		return res.rep, o.classify(ctx, timeout, res.rep, res.err)
	case <-time.After(o.grace):
		snap, stage := d.snapshot(o.now().UTC(),
			fmt.Errorf("stage still running %s after the %s deadline", o.grace, timeout))
		o.logger.Error("Deployment did not stop after timeout", "id", rep.ID, "stage", stage)
		return snap, &TimeoutError{Timeout: timeout, Stage: stage}
	}
}

const shutdownGrace = 10 * time.Second

// deployment guards a report that the pool task fills while Deploy may have
// to hand out a copy after the deadline
type deployment struct {
	mu      sync.Mutex
	rep     *Report
	running Stage
	since   time.Time
}

func (d *deployment) update(fn func(rep *Report)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.rep)
}

func (d *deployment) begin(stage Stage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running, d.since = stage, time.Now()
}

func (d *deployment) add(sr StageReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rep.Stages = append(d.rep.Stages, sr)
	d.running = ""
}

// snapshot copies the report so far. The stage still running is reported
// as failed with cause.
func (d *deployment) snapshot(now time.Time, cause error) (*Report, Stage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *d.rep
	cp.Stages = append([]StageReport(nil), d.rep.Stages...)
	if d.running != "" {
		cp.Stages = append(cp.Stages, StageReport{
			Stage:      d.running,
			Status:     StatusFailed,
			Error:      cause.Error(),
			DurationMS: time.Since(d.since).Milliseconds(),
		})
	}
	cp.Finished = now
	return &cp, d.running
}

func (o *Orchestrator) classify(ctx context.Context, timeout time.Duration, rep *Report, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var stage Stage
		if failed, ok := rep.FailedStage(); ok {
			stage = failed.Stage
		}
		return &TimeoutError{Timeout: timeout, Stage: stage}
	}
	return err
}

// run executes the stages in order, filling the report as it goes
func (o *Orchestrator) run(ctx context.Context, req Request, d *deployment) error {
	rep := d.rep
	logger := o.logger.WithFields(map[string]interface{}{"deployment": rep.ID, "target": req.Target})
	defer func() {
		d.update(func(rep *Report) { rep.Finished = o.now().UTC() })
		o.record(rep, logger)
	}()

	name, target, err := o.cfg.ResolveTarget(req.Target)
	if err != nil {
		return o.fail(d, StageMutate, time.Now(), err)
	}
	d.update(func(rep *Report) { rep.Target = name })

	// mutate
	start := time.Now()
	sctx, span := o.startSpan(ctx, StageMutate, d)
	profile, doc, err := o.mutate(req)
	o.endSpan(sctx, span, StageMutate, start, err)
	if err != nil {
		return o.fail(d, StageMutate, start, err)
	}
	o.pass(d, StageMutate, start, fmt.Sprintf("profile %s: memory %dMB, cpu %d%%", profile.Name, profile.MemoryBudgetMB, profile.CPUBudgetPct))

	// package
	start = time.Now()
	sctx, span = o.startSpan(ctx, StagePackage, d)
	artifact, staged, err := o.pack(target, doc)
	o.endSpan(sctx, span, StagePackage, start, err)
	if err != nil {
		return o.fail(d, StagePackage, start, err)
	}
	d.update(func(rep *Report) { rep.Digest, rep.StagedDir = artifact.Digest, staged })
	o.pass(d, StagePackage, start, fmt.Sprintf("%d files, %d dependencies, digest %s",
		len(artifact.Files), len(artifact.Dependencies), artifact.ShortDigest()))
	logger.Info("Artifact staged", "digest", artifact.ShortDigest(), "dir", staged)

	// validate
	start = time.Now()
	if len(o.cfg.Worker.ValidateArgs) == 0 {
		o.skip(d, StageValidate, "no validation command configured")
	} else {
		sctx, span = o.startSpan(ctx, StageValidate, d)
		err = o.validate(sctx, staged)
		o.endSpan(sctx, span, StageValidate, start, err)
		if err != nil {
			return o.fail(d, StageValidate, start, err)
		}
		o.pass(d, StageValidate, start, "worker accepted the configuration")
	}

	if req.DryRun {
		for _, s := range []Stage{StageLock, StageTransfer, StageBootstrap, StageActivate} {
			o.skip(d, s, "dry run")
		}
		logger.Info("Dry run complete", "digest", artifact.ShortDigest())
		return nil
	}

	// lock
	start = time.Now()
	sctx, span = o.startSpan(ctx, StageLock, d)
	runner, release, err := o.lock(sctx, name, target, rep.ID)
	o.endSpan(sctx, span, StageLock, start, err)
	if err != nil {
		return o.fail(d, StageLock, start, err)
	}
	defer runner.Close()
	defer release()
	o.pass(d, StageLock, start, "owner "+rep.ID)

	// transfer
	start = time.Now()
	sctx, span = o.startSpan(ctx, StageTransfer, d)
	client := transfer.NewClient(runner, transfer.Options{
		MaxAttempts: o.cfg.Transfer.MaxAttempts,
		BaseDelay:   o.cfg.Transfer.BaseDelay,
		MaxDelay:    o.cfg.Transfer.MaxDelay,
		Factor:      o.cfg.Transfer.Factor,
	}, logger)
	receipt, err := client.Send(sctx, artifact, name, target.Workdir)
	o.endSpan(sctx, span, StageTransfer, start, err)
	if err != nil {
		return o.fail(d, StageTransfer, start, err)
	}
	d.update(func(rep *Report) { rep.Written = receipt.Written })
	o.pass(d, StageTransfer, start, fmt.Sprintf("%d written, %d unchanged, %d attempt(s)",
		len(receipt.Written), len(receipt.Unchanged), receipt.Attempts))

	// bootstrap
	start = time.Now()
	sctx, span = o.startSpan(ctx, StageBootstrap, d)
	outcome, err := o.bootstrap(sctx, name, target, runner, profile, artifact, req.Fresh)
	if outcome != nil {
		d.update(func(rep *Report) { rep.Bootstrap = summarize(outcome) })
	}
	o.endSpan(sctx, span, StageBootstrap, start, err)
	if err != nil {
		return o.fail(d, StageBootstrap, start, err)
	}
	o.pass(d, StageBootstrap, start, fmt.Sprintf("resumed from step %d, %d idempotent skip(s)",
		outcome.ResumedFrom, outcome.Skipped()))

	// activate
	start = time.Now()
	sctx, span = o.startSpan(ctx, StageActivate, d)
	err = o.activate(sctx, runner, target)
	o.endSpan(sctx, span, StageActivate, start, err)
	if err != nil {
		return o.fail(d, StageActivate, start, err)
	}
	o.pass(d, StageActivate, start, "service "+target.ServiceName+" restarted")

	logger.Info("Deployment complete", "digest", artifact.ShortDigest(), "duration", o.now().Sub(rep.Started))
	return nil
}

func (o *Orchestrator) mutate(req Request) (workercfg.ResourceProfile, workercfg.Document, error) {
	profile, err := workercfg.LookupProfile(req.Profile, o.cfg.Profiles)
	if err != nil {
		return profile, workercfg.Document{}, err
	}
	schema := workercfg.BotSchema()
	doc, err := schema.Load(req.ConfigPath)
	if err != nil {
		return profile, workercfg.Document{}, err
	}
	out, err := schema.Apply(profile, doc)
	return profile, out, err
}

func (o *Orchestrator) pack(target config.TargetConfig, doc workercfg.Document) (*packager.Artifact, string, error) {
	supCfg := o.cfg.Supervisor.ForTarget(target.Workdir, o.cfg.Worker)
	supYAML, err := supCfg.Marshal()
	if err != nil {
		return nil, "", fmt.Errorf("failed to render supervisor config: %w", err)
	}
	extras := []packager.File{{Path: packager.SupervisorConfigPath, Mode: 0o644, Content: supYAML}}
	if bin := o.cfg.Project.SupervisorBinary; bin != "" {
		content, err := os.ReadFile(bin)
		if err != nil {
			return nil, "", &packager.MissingSourceError{Path: bin, Err: err}
		}
		extras = append(extras, packager.File{Path: packager.SupervisorBinaryPath, Mode: 0o755, Content: content})
	}

	builder, err := packager.NewBuilder(packager.Options{
		Root:                o.cfg.Project.Root,
		Requirements:        o.cfg.Project.Requirements,
		ConfigPath:          o.cfg.Worker.ConfigFile,
		ExcludeDependencies: o.cfg.Project.ExcludeDependencies,
		Extras:              extras,
	}, o.logger)
	if err != nil {
		return nil, "", err
	}
	artifact, err := builder.Build(doc, o.cfg.Project.Files)
	if err != nil {
		return nil, "", err
	}
	staged, err := packager.Stage(artifact, o.cfg.Project.StagingDir)
	if err != nil {
		return nil, "", err
	}
	return artifact, staged, nil
}

// validate runs the worker's own check against the staged tree
func (o *Orchestrator) validate(ctx context.Context, staged string) error {
	w := o.cfg.Worker
	argv := append([]string{w.Runtime, "-m", w.Module, w.ConfigFile}, w.ValidateArgs...)
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = remote.Quote(a)
	}
	runner := remote.NewLocalRunner(staged, o.cfg.Timing.CommandTimeout)
	defer runner.Close()
	_, err := remote.Exec(ctx, runner, strings.Join(quoted, " "))
	return err
}

// lock takes the local state-store lock, then the remote lock directory
func (o *Orchestrator) lock(ctx context.Context, name string, target config.TargetConfig, owner string) (remote.Runner, func(), error) {
	ttl := o.cfg.Timing.LockTTL
	if err := o.store.AcquireLock(ctx, name, owner, ttl); err != nil {
		return nil, nil, err
	}
	releaseLocal := func() {
		if err := o.store.ReleaseLock(context.Background(), name, owner); err != nil {
			o.logger.Warn("Failed to release local lock", "target", name, "error", err)
		}
	}

	runner, err := o.dial(name, target)
	if err != nil {
		releaseLocal()
		return nil, nil, err
	}
	rl := provision.NewRemoteLock(runner, target.ServiceName)
	if err := rl.Acquire(ctx, owner, ttl); err != nil {
		runner.Close()
		releaseLocal()
		return nil, nil, err
	}

	return runner, func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rl.Release(releaseCtx, owner); err != nil {
			o.logger.Warn("Failed to release remote lock", "target", name, "error", err)
		}
		releaseLocal()
	}, nil
}

func (o *Orchestrator) bootstrap(ctx context.Context, name string, target config.TargetConfig, runner remote.Runner,
	profile workercfg.ResourceProfile, artifact *packager.Artifact, fresh bool) (*provision.Outcome, error) {
	b := o.cfg.Bootstrap
	steps, err := o.plan(provision.PlanSpec{
		Host:            provision.Host{Runner: runner, Sudo: b.Sudo, Workdir: target.Workdir},
		RuntimePackages: b.RuntimePackages,
		Runtime:         o.cfg.Worker.Runtime,
		Service:         target.ServiceName,
		Unit: provision.UnitSpec{
			Description: fmt.Sprintf("gridkeeper supervisor for %s (%s profile)", o.cfg.Worker.Name, profile.Name),
			Workdir:     target.Workdir,
			EnvFile:     path.Join(target.Workdir, o.cfg.Worker.EnvFile),
			RestartSec:  b.RestartSec,
			MemoryMB:    profile.MemoryBudgetMB,
			CPUPct:      profile.CPUBudgetPct,
		},
		Artifact: artifact,
	})
	if err != nil {
		return nil, err
	}
	seq := provision.NewSequencer(steps, o.store, retry.RetryPolicy{
		MaxAttempts:    b.StepAttempts,
		InitialBackoff: b.StepBackoff,
		MaxBackoff:     8 * b.StepBackoff,
	}, o.logger)
	return seq.Run(ctx, name, artifact.Digest, fresh)
}

// activate marks the worker wanted and stops the old one, then restarts the
// unit. The daemon launches the worker, so it runs inside the unit's cgroup
// and never in the deploying SSH session.
func (o *Orchestrator) activate(ctx context.Context, runner remote.Runner, target config.TargetConfig) error {
	wd := target.Workdir
	sudo := o.cfg.Bootstrap.Sudo
	start := fmt.Sprintf("cd %s && %s start --restart --no-launch --config %s",
		remote.Quote(wd),
		remote.Quote(path.Join(wd, packager.SupervisorBinaryPath)),
		remote.Quote(path.Join(wd, packager.SupervisorConfigPath)))
	if _, err := remote.Exec(ctx, runner, remote.Sudo(sudo, start)); err != nil {
		return fmt.Errorf("supervisor start: %w", err)
	}
	restart := "systemctl restart " + remote.Quote(target.ServiceName)
	if _, err := remote.Exec(ctx, runner, remote.Sudo(sudo, restart)); err != nil {
		return fmt.Errorf("service restart: %w", err)
	}
	return nil
}

// History returns recent reports for target, newest first
func (o *Orchestrator) History(ctx context.Context, target string, limit int) ([]*Report, error) {
	recs, err := o.store.History(ctx, target, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Report, 0, len(recs))
	for _, rec := range recs {
		var rep Report
		if err := json.Unmarshal(rec.Report, &rep); err != nil {
			return nil, fmt.Errorf("corrupt report %s: %w", rec.ID, err)
		}
		out = append(out, &rep)
	}
	return out, nil
}

func (o *Orchestrator) record(rep *Report, logger core.ILogger) {
	data, err := json.Marshal(rep)
	if err != nil {
		logger.Error("Failed to encode report", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = o.store.RecordDeployment(ctx, state.DeploymentRecord{
		ID:       rep.ID,
		Target:   rep.Target,
		Profile:  rep.Profile,
		Digest:   rep.Digest,
		Status:   rep.Status(),
		Started:  rep.Started,
		Finished: rep.Finished,
		Report:   data,
	})
	if err != nil {
		logger.Error("Failed to record deployment", "error", err)
	}
}

func summarize(out *provision.Outcome) *BootstrapSummary {
	s := &BootstrapSummary{ResumedFrom: out.ResumedFrom}
	for _, r := range out.Results {
		step := StepSummary{
			Index:          r.Index,
			Name:           r.Name,
			IdempotentSkip: r.IdempotentSkip,
			Resumed:        r.Resumed,
			Attempts:       r.Attempts,
		}
		if r.Err != nil {
			step.Error = r.Err.Error()
		}
		s.Steps = append(s.Steps, step)
	}
	return s
}

func (o *Orchestrator) pass(d *deployment, stage Stage, start time.Time, detail string) {
	d.add(StageReport{Stage: stage, Status: StatusOK, Detail: detail, DurationMS: time.Since(start).Milliseconds()})
}

func (o *Orchestrator) skip(d *deployment, stage Stage, detail string) {
	d.add(StageReport{Stage: stage, Status: StatusSkipped, Detail: detail})
}

func (o *Orchestrator) fail(d *deployment, stage Stage, start time.Time, err error) error {
	d.add(StageReport{
		Stage:      stage,
		Status:     StatusFailed,
		Error:      err.Error(),
		DurationMS: time.Since(start).Milliseconds(),
	})
	o.logger.Error("Deployment stage failed", "deployment", d.rep.ID, "stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}

func (o *Orchestrator) startSpan(ctx context.Context, stage Stage, d *deployment) (context.Context, trace.Span) {
	d.begin(stage)
	rep := d.rep
	return o.tracer.Start(ctx, "deploy."+string(stage), trace.WithAttributes(
		attribute.String("deployment.id", rep.ID),
		attribute.String("deployment.target", rep.Target),
		attribute.String("deployment.profile", rep.Profile),
	))
}

func (o *Orchestrator) endSpan(ctx context.Context, span trace.Span, stage Stage, start time.Time, err error) {
	status := string(StatusOK)
	if err != nil {
		status = string(StatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	o.metrics.RecordStage(ctx, string(stage), status, time.Since(start).Seconds())
}
