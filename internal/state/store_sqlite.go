package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS bootstrap_progress (
	target     TEXT PRIMARY KEY,
	last_step  INTEGER NOT NULL,
	digest     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS target_locks (
	target     TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS deployments (
	id          TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	profile     TEXT NOT NULL,
	digest      TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	report      TEXT NOT NULL,
	checksum    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS deployments_target_started ON deployments (target, started_at);
`

// SQLiteStore is the durable Store
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the state database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) LoadProgress(ctx context.Context, target string) (*Progress, error) {
	p := Progress{Target: target}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_step, digest, updated_at FROM bootstrap_progress WHERE target = ?`, target).
		Scan(&p.LastStep, &p.Digest, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	p.UpdatedAt = time.Unix(0, updated)
	return &p, nil
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bootstrap_progress (target, last_step, digest, updated_at) VALUES (?, ?, ?, ?)`,
		p.Target, p.LastStep, p.Digest, p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearProgress(ctx context.Context, target string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bootstrap_progress WHERE target = ?`, target); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}

// AcquireLock takes or renews the target lock. An expired lock is taken over.
func (s *SQLiteStore) AcquireLock(ctx context.Context, target, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now()
	var holder string
	var expires int64
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM target_locks WHERE target = ?`, target).Scan(&holder, &expires)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read lock: %w", err)
	case holder != owner && now.UnixNano() < expires:
		return &LockedError{Target: target, Owner: holder, Expires: time.Unix(0, expires)}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO target_locks (target, owner, expires_at) VALUES (?, ?, ?)`,
		target, owner, now.Add(ttl).UnixNano()); err != nil {
		return fmt.Errorf("failed to write lock: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, target, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM target_locks WHERE target = ? AND owner = ?`, target, owner); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// RecordDeployment appends a report with a checksum over its JSON
func (s *SQLiteStore) RecordDeployment(ctx context.Context, rec DeploymentRecord) error {
	report := []byte(rec.Report)
	if len(report) == 0 {
		report = []byte("{}")
	}
	checksum := sha256.Sum256(report)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, target, profile, digest, status, started_at, finished_at, report, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Target, rec.Profile, rec.Digest, rec.Status,
		rec.Started.UnixNano(), rec.Finished.UnixNano(), string(report), checksum[:])
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	return nil
}

// History returns the newest records first. An empty target lists all targets.
func (s *SQLiteStore) History(ctx context.Context, target string, limit int) ([]DeploymentRecord, error) {
	query := `SELECT id, target, profile, digest, status, started_at, finished_at, report, checksum FROM deployments`
	var args []interface{}
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []DeploymentRecord
	for rows.Next() {
		var rec DeploymentRecord
		var started, finished int64
		var report string
		var stored []byte
		if err := rows.Scan(&rec.ID, &rec.Target, &rec.Profile, &rec.Digest, &rec.Status, &started, &finished, &report, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		computed := sha256.Sum256([]byte(report))
		if !bytes.Equal(stored, computed[:]) {
			return nil, fmt.Errorf("checksum verification failed for deployment %s: data corruption detected", rec.ID)
		}
		rec.Started = time.Unix(0, started)
		rec.Finished = time.Unix(0, finished)
		rec.Report = []byte(report)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
