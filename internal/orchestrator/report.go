package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "gridkeeper/pkg/errors"
)

// Stage is one phase of a deployment
type Stage string

const (
	StageMutate    Stage = "mutate"
	StagePackage   Stage = "package"
	StageValidate  Stage = "validate"
	StageLock      Stage = "lock"
	StageTransfer  Stage = "transfer"
	StageBootstrap Stage = "bootstrap"
	StageActivate  Stage = "activate"
)

// Stages in execution order
var Stages = []Stage{StageMutate, StagePackage, StageValidate, StageLock, StageTransfer, StageBootstrap, StageActivate}

// StageStatus is the outcome of a stage
type StageStatus string

const (
	StatusOK      StageStatus = "ok"
	StatusFailed  StageStatus = "failed"
	StatusSkipped StageStatus = "skipped"
)

// StageReport is one line of a deployment report
type StageReport struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// StepSummary mirrors one bootstrap step result
type StepSummary struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	IdempotentSkip bool   `json:"idempotent_skip"`
	Resumed        bool   `json:"resumed"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// BootstrapSummary is the bootstrap part of a report
type BootstrapSummary struct {
	ResumedFrom int           `json:"resumed_from"`
	Steps       []StepSummary `json:"steps"`
}

// Report describes one deployment, successful or not. A failed deployment
// yields a partial report: stages after the failure are absent.
type Report struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Profile   string            `json:"profile"`
	Digest    string            `json:"digest,omitempty"`
	StagedDir string            `json:"staged_dir,omitempty"`
	DryRun    bool              `json:"dry_run"`
	Stages    []StageReport     `json:"stages"`
	Bootstrap *BootstrapSummary `json:"bootstrap,omitempty"`
	Written   []string          `json:"written,omitempty"`
	Started   time.Time         `json:"started"`
	Finished  time.Time         `json:"finished"`
}

// Status returns "ok", "failed" or "dry-run"
func (r *Report) Status() string {
	if _, failed := r.FailedStage(); failed {
		return "failed"
	}
	if r.DryRun {
		return "dry-run"
	}
	return "ok"
}

// FailedStage returns the failed stage, if any
func (r *Report) FailedStage() (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return s, true
		}
	}
	return StageReport{}, false
}

// Stage returns the report line for stage
func (r *Report) Stage(stage Stage) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageReport{}, false
}

// JSON renders the report
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// StageError wraps the cause of a failed stage
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TimeoutError is returned when a deployment exceeds its time budget
type TimeoutError struct {
	Timeout time.Duration
	Stage   Stage // stage running when the budget ran out, if known
}

func (e *TimeoutError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("deployment timed out after %s during %s", e.Timeout, e.Stage)
	}
	return fmt.Sprintf("deployment timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == apperrors.ErrTimeout }
