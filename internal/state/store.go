// Package state persists operator-side deployment state: bootstrap progress
// per target, exclusive target locks and the deployment history.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "gridkeeper/pkg/errors"
)

// Progress is the last bootstrap step completed on a target, together with
// the digest of the artifact it was completed for.
type Progress struct {
	Target    string
	LastStep  int
	Digest    string
	UpdatedAt time.Time
}

// DeploymentRecord is one entry of the deployment history
type DeploymentRecord struct {
	ID       string
	Target   string
	Profile  string
	Digest   string
	Status   string
	Started  time.Time
	Finished time.Time
	Report   json.RawMessage
}

// LockedError is returned when another owner holds an unexpired lock
type LockedError struct {
	Target  string
	Owner   string
	Expires time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("target %s is locked by %s until %s", e.Target, e.Owner, e.Expires.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == apperrors.ErrTargetLocked
}

// Store is the deployment state backend
type Store interface {
	LoadProgress(ctx context.Context, target string) (*Progress, error)
	SaveProgress(ctx context.Context, p Progress) error
	ClearProgress(ctx context.Context, target string) error

	AcquireLock(ctx context.Context, target, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, target, owner string) error

	RecordDeployment(ctx context.Context, rec DeploymentRecord) error
	History(ctx context.Context, target string, limit int) ([]DeploymentRecord, error)

	Close() error
}
