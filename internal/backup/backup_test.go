package backup

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gridkeeper/internal/logrotate"
	apperrors "gridkeeper/pkg/errors"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveContents(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)

	out := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[filepath.Base(hdr.Name)] = string(data)
	}
	return out
}

func setup(t *testing.T) (workdir string, m *Manager, now *time.Time) {
	workdir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "config.yaml"), []byte("symbol: BTCUSDT\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "logs", "gridbot.log"), []byte("started\n"), 0o644))

	ts := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	now = &ts
	m = NewManager(logrotate.NewGuard(filepath.Join(workdir, "state")), Options{
		Dir:           filepath.Join(workdir, "backups"),
		Include:       []string{filepath.Join(workdir, "config.yaml"), filepath.Join(workdir, "logs"), filepath.Join(workdir, "missing")},
		RetentionDays: 7,
	}, nil)
	m.now = func() time.Time { return *now }
	return workdir, m, now
}

func TestCreate(t *testing.T) {
	workdir, m, _ := setup(t)

	rec, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workdir, "backups", "backup-20261019T030000Z.tar.gz"), rec.Path)

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm(), "archives are read-only")

	contents := archiveContents(t, rec.Path)
	assert.Equal(t, "symbol: BTCUSDT\n", contents["config.yaml"])
	assert.Equal(t, "started\n", contents["gridbot.log"])

	leftovers, _ := filepath.Glob(filepath.Join(workdir, "backups", ".backup-*"))
	assert.Empty(t, leftovers)

	again, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, rec.Path, again.Path, "existing archives are never overwritten")
}

func TestCreate_SkipsBackupDirInsideInclude(t *testing.T) {
	workdir, m, _ := setup(t)
	m.opts.Include = []string{workdir}

	_, err := m.Create(context.Background())
	require.NoError(t, err)
	rec, err := m.Create(context.Background())
	require.NoError(t, err)

	contents := archiveContents(t, rec.Path)
	for name := range contents {
		assert.NotContains(t, name, "backup-")
	}
}

func TestPrune_RetentionWindow(t *testing.T) {
	_, m, now := setup(t)
	ctx := context.Background()

	for day := 0; day < 10; day++ {
		_, err := m.Run(ctx)
		require.NoError(t, err)
		*now = now.Add(24 * time.Hour)
	}
	*now = now.Add(-24 * time.Hour)

	records, err := m.List()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	cutoff := now.Add(-7 * 24 * time.Hour)
	for _, r := range records {
		assert.False(t, r.Timestamp.Before(cutoff), r.Path)
	}
	assert.Len(t, records, 8)
}

func TestCreate_FailureIsBackupFailure(t *testing.T) {
	workdir, m, _ := setup(t)
	blocker := filepath.Join(workdir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	m.opts.Dir = filepath.Join(blocker, "backups")

	_, err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBackupFailure))
}
