//go:build linux

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncher_FoundInProcTable(t *testing.T) {
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("no /proc")
	}
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GRIDBOT_TOKEN=abc123\n"), 0600))

	// The trailing no-op keeps sh from exec'ing sleep, so the cmdline stays ours.
	marker := uuid.NewString()
	id := Identity{
		Argv:    []string{"/bin/sh", "-c", "echo token=$GRIDBOT_TOKEN; sleep 30; : " + marker},
		Workdir: dir,
	}
	spec := LaunchSpec{Identity: id, LogFile: filepath.Join(dir, "logs", "worker.log"), EnvFile: envFile}

	table, err := NewProcTable("")
	require.NoError(t, err)
	launcher := NewExecLauncher(nil)
	ctx := context.Background()

	pid, err := launcher.Launch(ctx, spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = launcher.Signal(pid, syscall.SIGKILL) })

	require.Eventually(t, func() bool {
		found, err := table.Find(ctx, id)
		return err == nil && len(found) == 1 && found[0].PID == pid
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(spec.LogFile)
		return err == nil && string(data) == "token=abc123\n"
	}, 5*time.Second, 20*time.Millisecond)

	other := Identity{Argv: id.Argv, Workdir: t.TempDir()}
	found, err := table.Find(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, found, "cwd is part of the identity")

	require.NoError(t, launcher.Signal(pid, syscall.SIGTERM))
	require.Eventually(t, func() bool {
		found, err := table.Find(ctx, id)
		return err == nil && len(found) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFlockLocker_Exclusive(t *testing.T) {
	dir := t.TempDir()
	first := NewFlockLocker(dir)
	second := NewFlockLocker(dir)

	unlock, err := first.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := second.Lock(context.Background())
	require.NoError(t, err)
	unlock2()
}
