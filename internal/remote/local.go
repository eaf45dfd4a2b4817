package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// LocalRunner runs commands through /bin/sh on this machine
type LocalRunner struct {
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
}

// NewLocalRunner creates a runner rooted at dir
func NewLocalRunner(dir string, timeout time.Duration) *LocalRunner {
	return &LocalRunner{Dir: dir, Timeout: timeout}
}

// Run executes cmd.Line with sh -c
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd.Line)
	c.Dir = r.Dir
	if len(r.Env) > 0 {
		c.Env = append(c.Environ(), r.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() != nil {
		return res, &TransportError{Op: "run", Err: runCtx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitCode()
			return res, nil
		}
		return res, &TransportError{Op: "exec", Err: err}
	}
	return res, nil
}

// Close is a no-op
func (r *LocalRunner) Close() error { return nil }
