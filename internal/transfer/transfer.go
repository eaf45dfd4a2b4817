// Package transfer copies an artifact into a target's working directory.
package transfer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gridkeeper/internal/core"
	"gridkeeper/internal/packager"
	"gridkeeper/internal/remote"
	apperrors "gridkeeper/pkg/errors"
	"gridkeeper/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// DigestFile records the digest of the last artifact fully sent to a workdir
const DigestFile = ".gridkeeper-artifact"

// Options controls retry behaviour of a send
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float32
}

// DefaultOptions: base 2s, factor 2, 5 attempts
var DefaultOptions = Options{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    time.Minute,
	Factor:      2,
}

// Receipt describes a completed send
type Receipt struct {
	Target    string
	Digest    string
	Written   []string
	Unchanged []string
	Attempts  int
}

// TransferError is returned once every attempt has failed
type TransferError struct {
	Target   string
	Attempts int
	Cause    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer to %s failed after %d attempts: %v", e.Target, e.Attempts, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }

func (e *TransferError) Is(target error) bool {
	return target == apperrors.ErrTransfer
}

// Client sends artifacts over a remote.Runner
type Client struct {
	runner remote.Runner
	opts   Options
	logger core.ILogger
}

// NewClient creates a transfer client
func NewClient(runner remote.Runner, opts Options, logger core.ILogger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Factor < 1 {
		opts.Factor = DefaultOptions.Factor
	}
	return &Client{
		runner: runner,
		opts:   opts,
		logger: core.OrNop(logger).WithField("component", "transfer"),
	}
}

// Send copies every artifact member below workdir. Each file is written to a
// temporary name and renamed into place, so readers see either the old or
// the new content. Files whose remote checksum already matches are skipped.
// A failed attempt restarts the whole send; files completed by an earlier
// attempt are then skipped by the checksum comparison.
func (c *Client) Send(ctx context.Context, artifact *packager.Artifact, target, workdir string) (*Receipt, error) {
	attempts := 0
	written := make(map[string]bool)

	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		WithMaxAttempts(c.opts.MaxAttempts).
		WithBackoffFactor(c.opts.BaseDelay, c.opts.MaxDelay, float64(c.opts.Factor)).
		ReturnLastFailure().
		Build()

	err := failsafe.With[any](policy).WithContext(ctx).Run(func() error {
		attempts++
		telemetry.GetGlobalMetrics().RecordTransferAttempt(ctx, target)
		err := c.sendOnce(ctx, artifact, workdir, written)
		if err != nil && attempts < c.opts.MaxAttempts {
			c.logger.Warn("Transfer attempt failed, retrying",
				"target", target,
				"attempt", attempts,
				"error", err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransferError{Target: target, Attempts: attempts, Cause: err}
	}

	receipt := &Receipt{Target: target, Digest: artifact.Digest, Attempts: attempts}
	for _, p := range artifact.Paths() {
		if written[p] {
			receipt.Written = append(receipt.Written, p)
		} else {
			receipt.Unchanged = append(receipt.Unchanged, p)
		}
	}

	c.logger.Info("Artifact transferred",
		"target", target,
		"digest", artifact.ShortDigest(),
		"written", len(receipt.Written),
		"unchanged", len(receipt.Unchanged),
		"attempts", attempts)
	return receipt, nil
}

func (c *Client) sendOnce(ctx context.Context, artifact *packager.Artifact, workdir string, written map[string]bool) error {
	if _, err := remote.Exec(ctx, c.runner, "mkdir -p "+remote.Quote(workdir)); err != nil {
		return err
	}

	remoteSums, err := c.remoteChecksums(ctx, workdir, artifact.Paths())
	if err != nil {
		return err
	}

	for _, f := range artifact.Files {
		sum := sha256.Sum256(f.Content)
		if remoteSums[f.Path] == hex.EncodeToString(sum[:]) {
			continue
		}
		if err := c.writeFile(ctx, workdir, f); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		written[f.Path] = true
	}

	if err := c.applyModes(ctx, workdir, artifact.Files); err != nil {
		return err
	}
	return c.writeFile(ctx, workdir, packager.File{Path: DigestFile, Mode: 0o644, Content: []byte(artifact.Digest + "\n")})
}

// remoteChecksums lists sha256 sums of the given paths; missing files are absent from the map
func (c *Client) remoteChecksums(ctx context.Context, workdir string, paths []string) (map[string]string, error) {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = remote.Quote(p)
	}
	line := fmt.Sprintf("cd %s && { sha256sum -- %s 2>/dev/null || true; }", remote.Quote(workdir), strings.Join(quoted, " "))
	res, err := remote.Exec(ctx, c.runner, line)
	if err != nil {
		return nil, err
	}
	return parseChecksums(res.Stdout), nil
}

func parseChecksums(out string) map[string]string {
	sums := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		sum, name, ok := strings.Cut(scanner.Text(), "  ")
		if !ok || len(sum) != sha256.Size*2 {
			continue
		}
		sums[strings.TrimPrefix(name, "./")] = sum
	}
	return sums
}

func (c *Client) writeFile(ctx context.Context, workdir string, f packager.File) error {
	dst := path.Join(workdir, f.Path)
	tmp := path.Join(path.Dir(dst), "."+path.Base(dst)+".gk-tmp")
	line := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %04o %s && mv -f %s %s",
		remote.Quote(path.Dir(dst)),
		remote.Quote(tmp),
		f.Mode.Perm(), remote.Quote(tmp),
		remote.Quote(tmp), remote.Quote(dst))
	_, err := remote.ExecInput(ctx, c.runner, line, f.Content)
	return err
}

// applyModes restores modes on unchanged files in one command per mode
func (c *Client) applyModes(ctx context.Context, workdir string, files []packager.File) error {
	byMode := make(map[string][]string)
	for _, f := range files {
		mode := fmt.Sprintf("%04o", f.Mode.Perm())
		byMode[mode] = append(byMode[mode], remote.Quote(f.Path))
	}
	modes := make([]string, 0, len(byMode))
	for m := range byMode {
		modes = append(modes, m)
	}
	sort.Strings(modes)

	for _, m := range modes {
		line := fmt.Sprintf("cd %s && chmod %s %s", remote.Quote(workdir), m, strings.Join(byMode[m], " "))
		if _, err := remote.Exec(ctx, c.runner, line); err != nil {
			return err
		}
	}
	return nil
}
