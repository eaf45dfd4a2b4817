// Package remote is the command channel to a target host: run a shell command
// line, get back its exit status and captured output.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Command is one shell command line with optional standard input
type Command struct {
	Line  string
	Stdin []byte
}

// Result is what the host reported for a command that ran to completion
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// OK reports a zero exit status
func (r Result) OK() bool { return r.ExitStatus == 0 }

// Runner executes commands on a host. A non-nil error means the command could
// not be run or its outcome is unknown (connection, session, timeout); a
// command that ran and failed is reported through Result.ExitStatus.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Close() error
}

// TransportError marks failures of the channel itself. These are the
// retryable ones.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from the channel rather than the command
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ExitError is a command that ran and exited non-zero
type ExitError struct {
	Line   string
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if msg == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Line, e.Status)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Line, e.Status, msg)
}

// Exec runs line and turns a non-zero exit status into an *ExitError
func Exec(ctx context.Context, r Runner, line string) (Result, error) {
	return ExecInput(ctx, r, line, nil)
}

// ExecInput is Exec with standard input
func ExecInput(ctx context.Context, r Runner, line string, stdin []byte) (Result, error) {
	res, err := r.Run(ctx, Command{Line: line, Stdin: stdin})
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, &ExitError{Line: line, Status: res.ExitStatus, Stderr: res.Stderr}
	}
	return res, nil
}

// Quote single-quotes s for a POSIX shell
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Sudo prefixes line with sudo when enabled
func Sudo(enabled bool, line string) string {
	if !enabled {
		return line
	}
	return "sudo -n sh -c " + Quote(line)
}
