package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gridkeeper/internal/config"
	"gridkeeper/internal/packager"
	"gridkeeper/internal/provision"
	"gridkeeper/internal/remote"
	"gridkeeper/internal/state"
	"gridkeeper/internal/workercfg"
	"gridkeeper/pkg/concurrency"
	apperrors "gridkeeper/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerConfig = `symbol: btcusdt
mode: one_way
margin_type: isolated
leverage: 5
per_order_quote_usd: 12.5
maker_guard_ticks: 2
recenter_threshold: 0.015
max_open_orders: 100
max_resting_orders_per_side: 40
max_concurrent_positions_per_side: 10
kill_switch_ms: 30000
log_level: DEBUG
rest_base: https://fapi.asterdex.com/
ws_market: wss://fstream.asterdex.com
grid_spacing: 20
`

// activationRunner runs everything locally except supervisor and systemctl
// invocations, which are only recorded
type activationRunner struct {
	*remote.LocalRunner
	mu        sync.Mutex
	activated []string
}

func (r *activationRunner) Run(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	if strings.Contains(cmd.Line, "systemctl") || strings.Contains(cmd.Line, packager.SupervisorBinaryPath) {
		r.mu.Lock()
		r.activated = append(r.activated, cmd.Line)
		r.mu.Unlock()
		return remote.Result{}, nil
	}
	return r.LocalRunner.Run(ctx, cmd)
}

// hostStep is one piece of simulated host state shared across deployments
type hostStep struct {
	name     string
	depends  bool
	done     bool
	failures int // Apply fails this many times before succeeding
	block    bool
	hang     chan struct{} // Apply ignores ctx until closed
	applies  int
}

func (s *hostStep) Name() string                            { return s.name }
func (s *hostStep) DependsOnArtifact() bool                 { return s.depends }
func (s *hostStep) Satisfied(context.Context) (bool, error) { return s.done, nil }

func (s *hostStep) Apply(ctx context.Context) error {
	s.applies++
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.hang != nil {
		<-s.hang
		return ctx.Err()
	}
	if s.failures > 0 {
		s.failures--
		return &remote.ExitError{Line: s.name, Status: 1, Stderr: "python3 -m venv failed"}
	}
	s.done = true
	return nil
}

type fixture struct {
	cfg        *config.DeployConfig
	configPath string
	workdir    string
	store      *state.MemoryStore
	runner     *activationRunner
	steps      []*hostStep
	unit       provision.UnitSpec
	dials      int
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	project := filepath.Join(dir, "project")
	writeFile(t, filepath.Join(project, "bot", "__init__.py"), "")
	writeFile(t, filepath.Join(project, "bot", "__main__.py"), "print('grid')\n")
	writeFile(t, filepath.Join(project, "requirements.txt"), "requests==2.31.0\npytest>=7\nPyYAML>=6\n")
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, workerConfig)

	f := &fixture{
		configPath: configPath,
		workdir:    filepath.Join(dir, "remote", "gridbot"),
		store:      state.NewMemoryStore(),
		runner:     &activationRunner{LocalRunner: remote.NewLocalRunner("", time.Minute)},
		steps: []*hostStep{
			{name: "runtime"},
			{name: "environment"},
			{name: "dependencies", depends: true},
			{name: "service", depends: true},
			{name: "verify"},
		},
	}

	cfg := &config.DeployConfig{
		Project: config.ProjectConfig{
			Root:       project,
			Files:      []string{"bot"},
			StagingDir: filepath.Join(dir, "staging"),
		},
		Targets: map[string]config.TargetConfig{
			"vps": {Local: true, Workdir: f.workdir, ServiceName: "gk-" + uuid.NewString()[:8]},
		},
		Transfer: config.TransferConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Bootstrap: config.BootstrapConfig{
			StepAttempts: 1,
			StepBackoff:  time.Millisecond,
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	f.cfg = cfg

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "deploy", MaxWorkers: 1}, nil)
	t.Cleanup(pool.Stop)

	f.orch = New(cfg, f.store, pool, nil,
		WithDialer(func(string, config.TargetConfig) (remote.Runner, error) {
			f.dials++
			return f.runner, nil
		}),
		WithPlan(func(spec provision.PlanSpec) ([]provision.Step, error) {
			f.unit = spec.Unit
			out := make([]provision.Step, len(f.steps))
			for i, s := range f.steps {
				out[i] = s
			}
			return out, nil
		}),
	)
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) request(profile string) Request {
	return Request{Target: "vps", Profile: profile, ConfigPath: f.configPath, Timeout: time.Minute}
}

func stageStatuses(rep *Report) map[Stage]StageStatus {
	out := make(map[Stage]StageStatus)
	for _, s := range rep.Stages {
		out[s.Stage] = s.Status
	}
	return out
}

func TestDeploy_NanoProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.orch.Deploy(ctx, f.request("nano"))
	require.NoError(t, err)
	assert.Equal(t, "ok", rep.Status())
	assert.Equal(t, map[Stage]StageStatus{
		StageMutate: StatusOK, StagePackage: StatusOK, StageValidate: StatusSkipped, StageLock: StatusOK,
		StageTransfer: StatusOK, StageBootstrap: StatusOK, StageActivate: StatusOK,
	}, stageStatuses(rep))

	// The worker config on the target carries the profile's limits.
	doc, err := workercfg.BotSchema().Load(filepath.Join(f.workdir, "config.yaml"))
	require.NoError(t, err)
	maxOpen, _ := doc.Int("max_open_orders")
	resting, _ := doc.Int("max_resting_orders_per_side")
	level, _ := doc.String("log_level")
	assert.Equal(t, int64(30), maxOpen)
	assert.Equal(t, int64(10), resting)
	assert.Equal(t, "WARNING", level)

	reqs, err := os.ReadFile(filepath.Join(f.workdir, "requirements.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(reqs), "requests==2.31.0")
	assert.NotContains(t, string(reqs), "pytest")
	assert.FileExists(t, filepath.Join(f.workdir, "bot", "__main__.py"))
	assert.FileExists(t, filepath.Join(f.workdir, "supervisor.yaml"))

	supCfg, err := config.LoadSupervisorConfig(filepath.Join(f.workdir, "supervisor.yaml"))
	require.NoError(t, err)
	assert.Equal(t, f.workdir, supCfg.Worker.Workdir)

	assert.Equal(t, 400, f.unit.MemoryMB)
	assert.Equal(t, 50, f.unit.CPUPct)

	require.Len(t, f.runner.activated, 2)
	assert.Contains(t, f.runner.activated[0], "start --restart --no-launch")
	assert.Contains(t, f.runner.activated[1], "systemctl restart")

	history, err := f.orch.History(ctx, "vps", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rep.ID, history[0].ID)
	assert.Equal(t, rep.Digest, history[0].Digest)

	// Locks are released.
	require.NoError(t, f.store.AcquireLock(ctx, "vps", "someone-else", time.Minute))
}

func TestDeploy_ResumesAfterStepTwoFailure(t *testing.T) {
	f := newFixture(t)
	f.steps[1].failures = 1
	ctx := context.Background()

	rep, err := f.orch.Deploy(ctx, f.request("micro"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBootstrap)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageBootstrap, stageErr.Stage)

	failed, ok := rep.FailedStage()
	require.True(t, ok)
	assert.Equal(t, StageBootstrap, failed.Stage)
	_, activated := rep.Stage(StageActivate)
	assert.False(t, activated, "no stage runs after a failure")
	require.NotNil(t, rep.Bootstrap)
	assert.Len(t, rep.Bootstrap.Steps, 2)
	assert.NotEmpty(t, rep.Bootstrap.Steps[1].Error)
	assert.Empty(t, f.runner.activated)

	rep, err = f.orch.Deploy(ctx, f.request("micro"))
	require.NoError(t, err)
	require.NotNil(t, rep.Bootstrap)
	assert.Equal(t, 2, rep.Bootstrap.ResumedFrom)
	assert.True(t, rep.Bootstrap.Steps[0].Resumed)
	assert.False(t, rep.Bootstrap.Steps[1].Resumed)
	assert.Equal(t, 1, f.steps[0].applies, "step 1 is not repeated")
	assert.Equal(t, 2, f.steps[1].applies)
	assert.Len(t, f.runner.activated, 2)

	history, err := f.orch.History(ctx, "vps", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ok", history[0].Status())
	assert.Equal(t, "failed", history[1].Status())
}

func TestDeploy_SchemaViolationAbortsBeforeRemote(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.configPath, strings.Replace(workerConfig, "symbol: btcusdt\n", "", 1))

	rep, err := f.orch.Deploy(context.Background(), f.request("nano"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSchemaViolation)
	assert.True(t, apperrors.Fatal(err))
	require.Len(t, rep.Stages, 1)
	assert.Equal(t, StageMutate, rep.Stages[0].Stage)
	assert.Zero(t, f.dials)
	assert.NoDirExists(t, f.workdir)
}

func TestDeploy_UnknownProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Deploy(context.Background(), f.request("gigantic"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownProfile)
	assert.Zero(t, f.dials)
}

func TestDeploy_MissingSource(t *testing.T) {
	f := newFixture(t)
	f.cfg.Project.Files = append(f.cfg.Project.Files, "strategies")

	rep, err := f.orch.Deploy(context.Background(), f.request("nano"))
	assert.ErrorIs(t, err, apperrors.ErrMissingSource)
	failed, ok := rep.FailedStage()
	require.True(t, ok)
	assert.Equal(t, StagePackage, failed.Stage)
	assert.Zero(t, f.dials)
}

func TestDeploy_DryRun(t *testing.T) {
	f := newFixture(t)
	req := f.request("standard")
	req.DryRun = true

	rep, err := f.orch.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "dry-run", rep.Status())
	assert.Equal(t, StatusSkipped, stageStatuses(rep)[StageActivate])
	assert.DirExists(t, rep.StagedDir)
	assert.Zero(t, f.dials)
	assert.NoDirExists(t, f.workdir)
}

func TestDeploy_Validate(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Worker.Runtime = "true"
		f.cfg.Worker.ValidateArgs = []string{"--check"}
		req := f.request("nano")
		req.DryRun = true

		rep, err := f.orch.Deploy(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, StatusOK, stageStatuses(rep)[StageValidate])
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Worker.Runtime = "false"
		f.cfg.Worker.ValidateArgs = []string{"--check"}

		rep, err := f.orch.Deploy(context.Background(), f.request("nano"))
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageValidate, stageErr.Stage)
		assert.Equal(t, StatusFailed, stageStatuses(rep)[StageValidate])
		assert.Zero(t, f.dials)
	})
}

func TestDeploy_TargetLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AcquireLock(ctx, "vps", "other-operator", time.Hour))

	rep, err := f.orch.Deploy(ctx, f.request("nano"))
	assert.ErrorIs(t, err, apperrors.ErrTargetLocked)
	failed, ok := rep.FailedStage()
	require.True(t, ok)
	assert.Equal(t, StageLock, failed.Stage)
	assert.Zero(t, f.dials)
}

func TestDeploy_Timeout(t *testing.T) {
	f := newFixture(t)
	f.steps[2].block = true
	req := f.request("nano")
	req.Timeout = 2 * time.Second

	rep, err := f.orch.Deploy(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, StageBootstrap, timeoutErr.Stage)
	assert.Equal(t, "failed", rep.Status())

	// The remote lock was released despite the expired deadline.
	f.steps[2].block = false
	_, err = f.orch.Deploy(context.Background(), f.request("nano"))
	assert.NoError(t, err)
}

func TestDeploy_TimeoutKeepsPartialReportWhenStageHangs(t *testing.T) {
	f := newFixture(t)
	f.orch.grace = 50 * time.Millisecond
	hang := make(chan struct{})
	f.steps[2].hang = hang
	req := f.request("nano")
	req.Timeout = 2 * time.Second

	rep, err := f.orch.Deploy(context.Background(), req)
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, StageBootstrap, timeoutErr.Stage)

	require.NotNil(t, rep)
	assert.Equal(t, "vps", rep.Target)
	assert.NotEmpty(t, rep.Digest)
	assert.Equal(t, "failed", rep.Status())
	for _, s := range []Stage{StageMutate, StagePackage, StageLock, StageTransfer} {
		sr, ok := rep.Stage(s)
		require.True(t, ok, "stage %s reported", s)
		assert.Equal(t, StatusOK, sr.Status, "stage %s", s)
	}
	failed, ok := rep.FailedStage()
	require.True(t, ok)
	assert.Equal(t, StageBootstrap, failed.Stage)
	assert.Contains(t, failed.Error, "deadline")
	_, ok = rep.Stage(StageActivate)
	assert.False(t, ok)

	// let the stuck task finish so it records its own report
	close(hang)
	require.Eventually(t, func() bool {
		history, err := f.orch.History(context.Background(), "vps", 10)
		return err == nil && len(history) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
