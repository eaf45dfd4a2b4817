package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gridkeeper/internal/packager"
	"gridkeeper/internal/remote"
	"gridkeeper/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner answers commands by the first matching substring rule and
// records every command it receives.
type scriptedRunner struct {
	mu    sync.Mutex
	rules []rule
	cmds  []remote.Command
}

type rule struct {
	match  string
	result remote.Result
}

func (r *scriptedRunner) on(match string, status int, stdout string) *scriptedRunner {
	r.rules = append(r.rules, rule{match: match, result: remote.Result{ExitStatus: status, Stdout: stdout}})
	return r
}

func (r *scriptedRunner) Run(_ context.Context, cmd remote.Command) (remote.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	for _, rl := range r.rules {
		if strings.Contains(cmd.Line, rl.match) {
			return rl.result, nil
		}
	}
	return remote.Result{}, nil
}

func (r *scriptedRunner) Close() error { return nil }

func (r *scriptedRunner) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cmds))
	for i, c := range r.cmds {
		out[i] = c.Line
	}
	return out
}

func TestRuntimeStep(t *testing.T) {
	r := (&scriptedRunner{}).on("dpkg -s", 1, "")
	step := &RuntimeStep{Host: Host{Runner: r, Sudo: true, Workdir: "/opt/gridbot"}, Packages: []string{"python3", "python3-venv"}}
	ctx := context.Background()

	ok, err := step.Satisfied(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, step.Apply(ctx))
	lines := r.lines()
	assert.Equal(t, "dpkg -s python3 python3-venv >/dev/null 2>&1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "sudo -n sh -c "))
	assert.Contains(t, lines[1], "apt-get install -y -q python3 python3-venv")
}

func TestDependenciesStep_Stamp(t *testing.T) {
	reqs := []byte("requests>=2.31\n")
	sum := sha256.Sum256(reqs)
	r := &scriptedRunner{}
	step := &DependenciesStep{Host: Host{Runner: r, Workdir: "/opt/gridbot"}, Requirements: reqs}

	ok, err := step.Satisfied(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, r.lines()[0], hex.EncodeToString(sum[:]))
	assert.Contains(t, r.lines()[0], "/opt/gridbot/.venv/.requirements.sha256")

	require.NoError(t, step.Apply(context.Background()))
	apply := r.lines()[1]
	assert.Contains(t, apply, "/opt/gridbot/.venv/bin/pip install -q --no-cache-dir -r /opt/gridbot/requirements.txt")
	assert.Contains(t, apply, hex.EncodeToString(sum[:]))
}

func TestServiceStep_SendsUnitOnStdin(t *testing.T) {
	r := (&scriptedRunner{}).on("systemctl is-enabled", 1, "")
	unit := []byte("[Unit]\nDescription=x\n")
	step := &ServiceStep{Host: Host{Runner: r, Workdir: "/opt/gridbot"}, Service: "gridbot", Unit: unit}

	ok, err := step.Satisfied(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, step.Apply(context.Background()))
	r.mu.Lock()
	last := r.cmds[len(r.cmds)-1]
	r.mu.Unlock()
	assert.Equal(t, unit, last.Stdin)
	assert.Contains(t, last.Line, "mv -f /etc/systemd/system/gridbot.service.gk-tmp /etc/systemd/system/gridbot.service")
	assert.Contains(t, last.Line, "systemctl enable --quiet gridbot")
}

func TestVerifyStep(t *testing.T) {
	loaded := (&scriptedRunner{}).on("LoadState", 0, "loaded\n")
	ok, err := (&VerifyStep{Host: Host{Runner: loaded}, Service: "gridbot"}).Satisfied(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	missing := (&scriptedRunner{}).on("LoadState", 0, "not-found\n")
	ok, err = (&VerifyStep{Host: Host{Runner: missing}, Service: "gridbot"}).Satisfied(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenderUnit(t *testing.T) {
	unit, err := RenderUnit(UnitSpec{
		Description: "gridbot worker supervisor",
		Workdir:     "/opt/gridbot",
		EnvFile:     "/opt/gridbot/.env",
		RestartSec:  10,
		MemoryMB:    400,
		CPUPct:      50,
	})
	require.NoError(t, err)
	text := string(unit)

	for _, want := range []string{
		"Description=gridbot worker supervisor",
		"After=network-online.target",
		"WorkingDirectory=/opt/gridbot",
		"EnvironmentFile=-/opt/gridbot/.env",
		"ExecStart=/opt/gridbot/bin/supervisor run --config /opt/gridbot/supervisor.yaml",
		"Restart=always",
		"RestartSec=10",
		"KillMode=process",
		"MemoryMax=400M",
		"CPUQuota=50%",
		"StandardOutput=append:/opt/gridbot/logs/supervisor.log",
	} {
		assert.Contains(t, text, want)
	}

	unlimited, err := RenderUnit(UnitSpec{Description: "x", Workdir: "/opt/gridbot"})
	require.NoError(t, err)
	assert.NotContains(t, string(unlimited), "MemoryMax")
	assert.NotContains(t, string(unlimited), "CPUQuota")
	assert.NotContains(t, string(unlimited), "EnvironmentFile")
	assert.Contains(t, string(unlimited), "RestartSec=10")

	_, err = RenderUnit(UnitSpec{Workdir: "opt/gridbot"})
	assert.Error(t, err)
}

func TestPlan(t *testing.T) {
	artifact := &packager.Artifact{Files: []packager.File{{Path: packager.RequirementsPath, Content: []byte("requests\n")}}}
	steps, err := Plan(PlanSpec{
		Host:     Host{Runner: &scriptedRunner{}, Workdir: "/opt/gridbot"},
		Service:  "gridbot",
		Unit:     UnitSpec{Workdir: "/opt/gridbot"},
		Artifact: artifact,
	})
	require.NoError(t, err)

	var names []string
	for _, s := range steps {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"runtime", "environment", "dependencies", "service", "verify"}, names)

	_, err = Plan(PlanSpec{Unit: UnitSpec{Workdir: "/opt/gridbot"}, Artifact: &packager.Artifact{}})
	assert.Error(t, err)
}

func TestRemoteLock(t *testing.T) {
	runner := remote.NewLocalRunner("", 5*time.Second)
	now := time.Unix(1_790_000_000, 0)
	newLock := func() *RemoteLock {
		l := NewRemoteLock(runner, "gridbot")
		l.dir = filepath.Join(t.TempDir(), "deploy.lock")
		l.now = func() time.Time { return now }
		return l
	}
	l := newLock()
	other := *l
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "alice", time.Hour))
	owner, err := os.ReadFile(filepath.Join(l.dir, "owner"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(owner), "alice "))

	require.NoError(t, l.Acquire(ctx, "alice", time.Hour), "owner renews")

	err = other.Acquire(ctx, "bob", time.Hour)
	var locked *state.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "alice", locked.Owner)

	require.NoError(t, other.Release(ctx, "bob"))
	_, err = os.Stat(l.dir)
	assert.NoError(t, err, "release by a non-owner leaves the lock")

	now = now.Add(2 * time.Hour)
	require.NoError(t, other.Acquire(ctx, "bob", time.Hour), "expired lock is broken")

	require.NoError(t, other.Release(ctx, "bob"))
	_, err = os.Stat(l.dir)
	assert.True(t, os.IsNotExist(err))
}
