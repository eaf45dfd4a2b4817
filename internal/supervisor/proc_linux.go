//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"gridkeeper/internal/config"
	"gridkeeper/internal/core"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcTable reads the live process table from /proc
type ProcTable struct {
	fs procfs.FS
}

// NewProcTable opens the process table mounted at mountPoint ("" for /proc)
func NewProcTable(mountPoint string) (*ProcTable, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open process table: %w", err)
	}
	return &ProcTable{fs: fs}, nil
}

// Find returns every non-zombie process whose command line and cwd match id.
// Processes that vanish or cannot be inspected while scanning are skipped.
func (t *ProcTable) Find(ctx context.Context, id Identity) ([]Instance, error) {
	workdir := id.Workdir
	if resolved, err := filepath.EvalSymlinks(workdir); err == nil {
		workdir = resolved
	}
	want := Identity{Argv: id.Argv, Workdir: filepath.Clean(workdir)}

	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var found []Instance
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		argv, err := p.CmdLine()
		if err != nil || len(argv) != len(want.Argv) {
			continue
		}
		cwd, err := p.Cwd()
		if err != nil || !want.Matches(argv, filepath.Clean(cwd)) {
			continue
		}
		stat, err := p.Stat()
		if err != nil || stat.State == "Z" || stat.State == "X" {
			continue
		}
		found = append(found, Instance{PID: p.PID, StartTime: stat.Starttime})
	}
	oldestFirst(found)
	return found, nil
}

// ExecLauncher starts the worker as a detached process group so it outlives
// the supervisor that launched it
type ExecLauncher struct {
	logger core.ILogger
}

// NewExecLauncher creates a launcher
func NewExecLauncher(logger core.ILogger) *ExecLauncher {
	return &ExecLauncher{logger: core.OrNop(logger)}
}

// Launch starts the worker with stdout and stderr appended to spec.LogFile
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	if len(spec.Identity.Argv) == 0 {
		return 0, errors.New("empty command line")
	}

	env := os.Environ()
	if spec.EnvFile != "" {
		vars, err := config.ReadEnvFile(spec.EnvFile)
		if err != nil {
			return 0, err
		}
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+vars[k])
		}
	}

	if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0755); err != nil {
		return 0, fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open worker log: %w", err)
	}
	defer logFile.Close()

	argv := spec.Identity.Argv
	// Not CommandContext: the worker must survive the caller's context.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Identity.Workdir
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// No Pdeathsig: the worker keeps running across supervisor restarts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child if it exits while we are still alive.
	go func() {
		err := cmd.Wait()
		l.logger.Info("Worker exited", "pid", pid, "error", err)
	}()

	return pid, nil
}

// Signal delivers sig to the worker's process group, falling back to the
// process itself when it does not lead a group
func (l *ExecLauncher) Signal(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		if err := unix.Kill(-pid, s); err == nil {
			return nil
		}
	}
	err := unix.Kill(pid, s)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// FlockLocker takes an exclusive flock on a file in the state directory
type FlockLocker struct {
	path string
}

// NewFlockLocker creates a locker for <stateDir>/supervisor.lock
func NewFlockLocker(stateDir string) *FlockLocker {
	return &FlockLocker{path: filepath.Join(stateDir, lockFileName)}
}

// Lock blocks until the lock is held or ctx is done
func (l *FlockLocker) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
