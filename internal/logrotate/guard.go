// Package logrotate rotates append-only log files in place with
// copy-then-truncate, so writers holding the file open keep working.
package logrotate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Guard hands out one lock per file path. Anything that truncates, copies
// or archives a log file takes its lock first.
//
// Within a process the lock is a mutex. With a lock directory it is also an
// flock on <dir>/<hash of path>.lock, so a one-shot "supervisor rotate" and
// the daemon's cron jobs exclude each other.
type Guard struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard creates a guard. An empty dir keeps the locks in-process.
func NewGuard(dir string) *Guard {
	return &Guard{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until path is free and returns the unlock function
func (g *Guard) Lock(path string) (func(), error) {
	path = filepath.Clean(path)
	g.mu.Lock()
	l, ok := g.locks[path]
	if !ok {
		l = &sync.Mutex{}
		g.locks[path] = l
	}
	g.mu.Unlock()

	l.Lock()
	if g.dir == "" {
		return l.Unlock, nil
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		l.Unlock()
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	f, err := lockFile(filepath.Join(g.dir, lockName(path)))
	if err != nil {
		l.Unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return func() {
		unlockFile(f)
		l.Unlock()
	}, nil
}

func lockName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return "guard-" + hex.EncodeToString(sum[:8]) + ".lock"
}
