// Package backup writes immutable timestamped archives of the worker's
// configuration and logs and prunes them after a retention window.
package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gridkeeper/internal/core"
	"gridkeeper/internal/logrotate"
	apperrors "gridkeeper/pkg/errors"

	"github.com/klauspost/compress/gzip"
)

const (
	namePrefix  = "backup-"
	nameSuffix  = ".tar.gz"
	stampLayout = "20060102T150405Z"
)

// Options configures the backup manager
type Options struct {
	Dir           string
	Include       []string
	RetentionDays int
}

// Record is one archive on disk
type Record struct {
	Timestamp time.Time
	Path      string
}

// BackupError wraps any failure of a backup run
type BackupError struct {
	Op    string
	Cause error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s failed: %v", e.Op, e.Cause)
}

func (e *BackupError) Unwrap() error { return e.Cause }

func (e *BackupError) Is(target error) bool {
	return target == apperrors.ErrBackupFailure
}

// Manager creates and prunes backups
type Manager struct {
	guard  *logrotate.Guard
	opts   Options
	logger core.ILogger
	now    func() time.Time
}

// NewManager creates a manager. Files are read under guard so a concurrent
// rotation cannot truncate them mid-copy.
func NewManager(guard *logrotate.Guard, opts Options, logger core.ILogger) *Manager {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	return &Manager{
		guard:  guard,
		opts:   opts,
		logger: core.OrNop(logger).WithField("component", "backup"),
		now:    time.Now,
	}
}

// Run creates a backup and prunes expired ones
func (m *Manager) Run(ctx context.Context) (Record, error) {
	rec, err := m.Create(ctx)
	if err != nil {
		return Record{}, err
	}
	if _, err := m.Prune(); err != nil {
		return rec, err
	}
	return rec, nil
}

// Create writes a new archive. It is written under a temporary name and
// renamed into place, then made read-only.
func (m *Manager) Create(ctx context.Context) (Record, error) {
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return Record{}, &BackupError{Op: "create", Cause: err}
	}

	ts := m.now().UTC().Truncate(time.Second)
	final := m.archiveName(ts)

	tmp, err := os.CreateTemp(m.opts.Dir, ".backup-*.tmp")
	if err != nil {
		return Record{}, &BackupError{Op: "create", Cause: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) (Record, error) {
		tmp.Close()
		os.Remove(tmpName)
		return Record{}, &BackupError{Op: "create", Cause: err}
	}

	zw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(zw)
	files := 0
	for _, include := range m.opts.Include {
		n, err := m.addTree(ctx, tw, include)
		if err != nil {
			return fail(err)
		}
		files += n
	}
	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Record{}, &BackupError{Op: "create", Cause: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Record{}, &BackupError{Op: "create", Cause: err}
	}
	if err := os.Chmod(final, 0o444); err != nil {
		return Record{}, &BackupError{Op: "create", Cause: err}
	}

	m.logger.Info("Backup created", "archive", final, "files", files)
	return Record{Timestamp: ts, Path: final}, nil
}

func (m *Manager) archiveName(ts time.Time) string {
	base := filepath.Join(m.opts.Dir, namePrefix+ts.Format(stampLayout))
	name := base + nameSuffix
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", base, i, nameSuffix)
	}
}

// addTree archives root (a file or directory). Missing roots are skipped.
func (m *Manager) addTree(ctx context.Context, tw *tar.Writer, root string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		m.logger.Warn("Backup include missing, skipping", "path", root)
		return 0, nil
	}

	backupDir, _ := filepath.Abs(m.opts.Dir)
	count := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(p); abs == backupDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := m.addFile(tw, p); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func (m *Manager) addFile(tw *tar.Writer, p string) error {
	unlock, err := m.guard.Lock(p)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = strings.TrimPrefix(filepath.ToSlash(p), "/")
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	// the header size is fixed; copy exactly that many bytes
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return fmt.Errorf("failed to archive %s: %w", p, err)
	}
	return nil
}

// List returns backups in the directory, oldest first
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.opts.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
		if len(stamp) < len(stampLayout) {
			continue
		}
		ts, err := time.Parse(stampLayout, stamp[:len(stampLayout)])
		if err != nil {
			continue
		}
		out = append(out, Record{Timestamp: ts, Path: filepath.Join(m.opts.Dir, name)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Prune removes backups older than the retention window
func (m *Manager) Prune() ([]Record, error) {
	records, err := m.List()
	if err != nil {
		return nil, &BackupError{Op: "prune", Cause: err}
	}
	cutoff := m.now().Add(-time.Duration(m.opts.RetentionDays) * 24 * time.Hour)

	var removed []Record
	for _, r := range records {
		if !r.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(r.Path); err != nil {
			return removed, &BackupError{Op: "prune", Cause: err}
		}
		removed = append(removed, r)
	}
	if len(removed) > 0 {
		m.logger.Info("Expired backups pruned", "count", len(removed))
	}
	return removed, nil
}
