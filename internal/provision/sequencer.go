// Package provision prepares a target host for the worker: runtime,
// isolated environment, dependencies and the service unit. Every step checks
// the host before acting, so the sequence can be re-run after any failure.
package provision

import (
	"context"
	"fmt"
	"time"

	"gridkeeper/internal/core"
	"gridkeeper/internal/remote"
	"gridkeeper/internal/state"
	apperrors "gridkeeper/pkg/errors"
	"gridkeeper/pkg/retry"
)

// Step is one idempotent unit of remote preparation
type Step interface {
	Name() string
	// Satisfied queries the host; it must not change anything
	Satisfied(ctx context.Context) (bool, error)
	Apply(ctx context.Context) error
	// DependsOnArtifact marks steps whose outcome changes with the artifact
	DependsOnArtifact() bool
}

// StepResult is the outcome of one step. Steps before the resume point are
// reported with Resumed set and were not touched.
type StepResult struct {
	Index          int
	Name           string
	IdempotentSkip bool
	Resumed        bool
	Attempts       int
	Duration       time.Duration
	Err            error
}

// Outcome summarizes a sequencer run
type Outcome struct {
	ResumedFrom int
	Results     []StepResult
}

// Skipped counts steps that found their target state already in place
func (o *Outcome) Skipped() int {
	n := 0
	for _, r := range o.Results {
		if r.IdempotentSkip {
			n++
		}
	}
	return n
}

// BootstrapError aborts the sequence at StepIndex (1-based)
type BootstrapError struct {
	StepIndex int
	Step      string
	Cause     error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap step %d (%s) failed: %v", e.StepIndex, e.Step, e.Cause)
}

func (e *BootstrapError) Unwrap() error { return e.Cause }

func (e *BootstrapError) Is(target error) bool {
	return target == apperrors.ErrBootstrap
}

// ProgressStore persists the last completed step per target
type ProgressStore interface {
	LoadProgress(ctx context.Context, target string) (*state.Progress, error)
	SaveProgress(ctx context.Context, p state.Progress) error
	ClearProgress(ctx context.Context, target string) error
}

// Sequencer runs steps in order
type Sequencer struct {
	steps  []Step
	store  ProgressStore
	policy retry.RetryPolicy
	logger core.ILogger
}

// NewSequencer creates a sequencer. Transport failures inside a step are
// retried according to policy; anything else fails the step.
func NewSequencer(steps []Step, store ProgressStore, policy retry.RetryPolicy, logger core.ILogger) *Sequencer {
	return &Sequencer{
		steps:  steps,
		store:  store,
		policy: policy.OrDefault(),
		logger: core.OrNop(logger).WithField("component", "provision"),
	}
}

// Run executes the sequence for target. It resumes after the last recorded
// step unless fresh is set. When the artifact digest differs from the one the
// progress was recorded for, the run resumes no later than the first
// artifact-dependent step.
func (s *Sequencer) Run(ctx context.Context, target, digest string, fresh bool) (*Outcome, error) {
	start, err := s.resumePoint(ctx, target, digest, fresh)
	if err != nil {
		return nil, err
	}

	out := &Outcome{ResumedFrom: start}
	if start > 1 {
		s.logger.Info("Resuming bootstrap", "target", target, "step", start)
	}

	for i, step := range s.steps {
		index := i + 1
		if index < start {
			out.Results = append(out.Results, StepResult{Index: index, Name: step.Name(), Resumed: true})
			continue
		}

		res := s.execute(ctx, index, step)
		out.Results = append(out.Results, res)
		if res.Err != nil {
			s.logger.Error("Bootstrap step failed",
				"target", target,
				"step", index,
				"name", step.Name(),
				"attempts", res.Attempts,
				"error", res.Err)
			return out, &BootstrapError{StepIndex: index, Step: step.Name(), Cause: res.Err}
		}

		s.logger.Info("Bootstrap step complete",
			"target", target,
			"step", index,
			"name", step.Name(),
			"idempotent_skip", res.IdempotentSkip,
			"duration", res.Duration)

		if err := s.store.SaveProgress(ctx, state.Progress{Target: target, LastStep: index, Digest: digest}); err != nil {
			return out, fmt.Errorf("failed to record bootstrap progress: %w", err)
		}
	}

	if err := s.store.ClearProgress(ctx, target); err != nil {
		return out, fmt.Errorf("failed to clear bootstrap progress: %w", err)
	}
	return out, nil
}

func (s *Sequencer) resumePoint(ctx context.Context, target, digest string, fresh bool) (int, error) {
	if fresh {
		if err := s.store.ClearProgress(ctx, target); err != nil {
			return 0, fmt.Errorf("failed to reset bootstrap progress: %w", err)
		}
		return 1, nil
	}

	p, err := s.store.LoadProgress(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("failed to load bootstrap progress: %w", err)
	}
	if p == nil {
		return 1, nil
	}

	start := p.LastStep + 1
	if start > len(s.steps) {
		start = len(s.steps)
	}
	if p.Digest != digest {
		for i, step := range s.steps {
			if step.DependsOnArtifact() && i+1 < start {
				s.logger.Info("Artifact changed since recorded progress",
					"target", target,
					"recorded_step", p.LastStep,
					"resume_step", i+1)
				start = i + 1
				break
			}
		}
	}
	if start < 1 {
		start = 1
	}
	return start, nil
}

func (s *Sequencer) execute(ctx context.Context, index int, step Step) StepResult {
	res := StepResult{Index: index, Name: step.Name()}
	begin := time.Now()

	res.Err = retry.Do(ctx, s.policy, remote.IsTransport, func() error {
		res.Attempts++
		ok, err := step.Satisfied(ctx)
		if err != nil {
			return err
		}
		if ok {
			res.IdempotentSkip = true
			return nil
		}
		if err := step.Apply(ctx); err != nil {
			return err
		}
		ok, err = step.Satisfied(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("target state not reached after apply")
		}
		return nil
	})

	res.Duration = time.Since(begin)
	return res
}
