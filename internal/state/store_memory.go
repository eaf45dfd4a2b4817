package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memLock struct {
	owner   string
	expires time.Time
}

// MemoryStore keeps state in process memory. Used for dry runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	progress map[string]Progress
	locks    map[string]memLock
	history  []DeploymentRecord
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		progress: make(map[string]Progress),
		locks:    make(map[string]memLock),
		now:      time.Now,
	}
}

func (s *MemoryStore) LoadProgress(ctx context.Context, target string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[target]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) SaveProgress(ctx context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.progress[p.Target] = p
	return nil
}

func (s *MemoryStore) ClearProgress(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, target)
	return nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, target, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.locks[target]; ok && l.owner != owner && now.Before(l.expires) {
		return &LockedError{Target: target, Owner: l.owner, Expires: l.expires}
	}
	s.locks[target] = memLock{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, target, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[target]; ok && l.owner == owner {
		delete(s.locks, target)
	}
	return nil
}

func (s *MemoryStore) RecordDeployment(ctx context.Context, rec DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, target string, limit int) ([]DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeploymentRecord
	for _, r := range s.history {
		if target == "" || r.Target == target {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
