package logrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gridkeeper/internal/core"

	"github.com/klauspost/compress/gzip"
)

const stampLayout = "20060102T150405Z"

// Options controls rotation
type Options struct {
	MaxSizeBytes int64 // RotateIfLarge threshold
	Retain       int   // rotated files kept per log
}

// Rotator rotates a set of log files
type Rotator struct {
	guard  *Guard
	opts   Options
	logger core.ILogger
	now    func() time.Time
}

// NewRotator creates a rotator sharing guard with other file mutators
func NewRotator(guard *Guard, opts Options, logger core.ILogger) *Rotator {
	if opts.Retain <= 0 {
		opts.Retain = 5
	}
	return &Rotator{
		guard:  guard,
		opts:   opts,
		logger: core.OrNop(logger).WithField("component", "logrotate"),
		now:    time.Now,
	}
}

// RotateIfLarge rotates path only when it has reached the size threshold
func (r *Rotator) RotateIfLarge(path string) (string, error) {
	if r.opts.MaxSizeBytes <= 0 {
		return "", nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < r.opts.MaxSizeBytes {
		return "", nil
	}
	return r.Rotate(path)
}

// Rotate compresses the current content of path into a timestamped .gz
// sibling, truncates path and prunes old rotations. Empty or absent logs are
// left alone and "" is returned.
func (r *Rotator) Rotate(path string) (string, error) {
	unlock, err := r.guard.Lock(path)
	if err != nil {
		return "", err
	}
	defer unlock()

	info, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	dst := r.rotatedName(path)
	if err := copyTruncate(path, dst); err != nil {
		return "", err
	}

	pruned, err := r.prune(path)
	if err != nil {
		r.logger.Warn("Failed to prune rotated logs", "log", path, "error", err)
	}
	r.logger.Info("Log rotated", "log", path, "rotated", dst, "size", info.Size(), "pruned", pruned)
	return dst, nil
}

func (r *Rotator) rotatedName(path string) string {
	base := path + "." + r.now().UTC().Format(stampLayout)
	name := base + ".gz"
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d.gz", base, i)
	}
}

// copyTruncate copies src into a gzip file at dst and then truncates src.
// Bytes appended while copying are picked up before the truncate.
func copyTruncate(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)

	cleanup := func(err error) error {
		zw.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}

	if _, err := io.Copy(zw, in); err != nil {
		return cleanup(fmt.Errorf("failed to copy %s: %w", src, err))
	}
	// drain anything written during the copy, then truncate right away
	if _, err := io.Copy(zw, in); err != nil {
		return cleanup(fmt.Errorf("failed to copy %s: %w", src, err))
	}
	if err := os.Truncate(src, 0); err != nil {
		return cleanup(fmt.Errorf("failed to truncate %s: %w", src, err))
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Rotated lists rotated files of path, oldest first
func Rotated(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil {
		return nil, err
	}
	var out []string
	prefix := path + "."
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(m, prefix), ".gz")
		if len(stamp) >= len(stampLayout) {
			if _, err := time.Parse(stampLayout, stamp[:len(stampLayout)]); err == nil {
				out = append(out, m)
			}
		}
	}
	// the "-N" collision suffix sorts after the plain name of the same second
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) && out[i][:len(prefix)+len(stampLayout)] == out[j][:len(prefix)+len(stampLayout)] {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (r *Rotator) prune(path string) (int, error) {
	rotated, err := Rotated(path)
	if err != nil {
		return 0, err
	}
	if len(rotated) <= r.opts.Retain {
		return 0, nil
	}
	removed := 0
	for _, old := range rotated[:len(rotated)-r.opts.Retain] {
		if err := os.Remove(old); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
