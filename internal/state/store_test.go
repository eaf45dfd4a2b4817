package state

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperrors "gridkeeper/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func stores(t *testing.T) map[string]func(*clock) Store {
	return map[string]func(*clock) Store{
		"memory": func(c *clock) Store {
			s := NewMemoryStore()
			s.now = c.now
			return s
		},
		"sqlite": func(c *clock) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "state.db"))
			require.NoError(t, err)
			s.now = c.now
			return s
		},
	}
}

func TestStore_Progress(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(&clock{t: time.Unix(1_790_000_000, 0)})
			defer s.Close()
			ctx := context.Background()

			p, err := s.LoadProgress(ctx, "tokyo")
			require.NoError(t, err)
			assert.Nil(t, p)

			require.NoError(t, s.SaveProgress(ctx, Progress{Target: "tokyo", LastStep: 1, Digest: "abc"}))
			require.NoError(t, s.SaveProgress(ctx, Progress{Target: "tokyo", LastStep: 2, Digest: "abc"}))

			p, err = s.LoadProgress(ctx, "tokyo")
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, 2, p.LastStep)
			assert.Equal(t, "abc", p.Digest)
			assert.Equal(t, int64(1_790_000_000), p.UpdatedAt.Unix())

			require.NoError(t, s.ClearProgress(ctx, "tokyo"))
			p, err = s.LoadProgress(ctx, "tokyo")
			require.NoError(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestStore_Locks(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1_790_000_000, 0)}
			s := open(c)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.AcquireLock(ctx, "tokyo", "alice", time.Hour))
			require.NoError(t, s.AcquireLock(ctx, "tokyo", "alice", time.Hour), "owner may renew")
			require.NoError(t, s.AcquireLock(ctx, "osaka", "bob", time.Hour), "locks are per target")

			err := s.AcquireLock(ctx, "tokyo", "bob", time.Hour)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrTargetLocked))
			var locked *LockedError
			require.ErrorAs(t, err, &locked)
			assert.Equal(t, "alice", locked.Owner)

			// releasing someone else's lock is a no-op
			require.NoError(t, s.ReleaseLock(ctx, "tokyo", "bob"))
			assert.Error(t, s.AcquireLock(ctx, "tokyo", "bob", time.Hour))

			// expired locks are taken over
			c.t = c.t.Add(2 * time.Hour)
			require.NoError(t, s.AcquireLock(ctx, "tokyo", "bob", time.Hour))

			require.NoError(t, s.ReleaseLock(ctx, "tokyo", "bob"))
			require.NoError(t, s.AcquireLock(ctx, "tokyo", "alice", time.Hour))
		})
	}
}

func TestStore_History(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(&clock{t: time.Now()})
			defer s.Close()
			ctx := context.Background()
			base := time.Unix(1_790_000_000, 0)

			for i, target := range []string{"tokyo", "osaka", "tokyo"} {
				report, _ := json.Marshal(map[string]int{"n": i})
				require.NoError(t, s.RecordDeployment(ctx, DeploymentRecord{
					ID:       string(rune('a' + i)),
					Target:   target,
					Profile:  "nano",
					Digest:   "d",
					Status:   "ok",
					Started:  base.Add(time.Duration(i) * time.Minute),
					Finished: base.Add(time.Duration(i)*time.Minute + time.Second),
					Report:   report,
				}))
			}

			all, err := s.History(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			tokyo, err := s.History(ctx, "tokyo", 1)
			require.NoError(t, err)
			require.Len(t, tokyo, 1)
			assert.Equal(t, "c", tokyo[0].ID)
			assert.JSONEq(t, `{"n":2}`, string(tokyo[0].Report))
		})
	}
}

func TestSQLiteStore_DetectsCorruptReport(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.RecordDeployment(ctx, DeploymentRecord{ID: "x", Target: "tokyo", Report: []byte(`{"ok":true}`)}))
	_, err = s.db.Exec(`UPDATE deployments SET report = '{"ok":false}' WHERE id = 'x'`)
	require.NoError(t, err)

	_, err = s.History(ctx, "tokyo", 0)
	assert.ErrorContains(t, err, "checksum")
}
