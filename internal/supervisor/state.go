// Package supervisor keeps one long-running worker process alive on the host.
// All state shared between supervisor invocations lives in two files under the
// state directory: run.yml (desired state) and status.json (observed state).
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// State of the supervised worker
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateFailed   State = "FAILED"
)

// Desired is the operator's intent, persisted in run.yml
type Desired string

const (
	DesiredRunning Desired = "running"
	DesiredStopped Desired = "stopped"
)

const (
	runFileName    = "run.yml"
	statusFileName = "status.json"
	lockFileName   = "supervisor.lock"
)

// RunConfig is the content of run.yml
type RunConfig struct {
	TargetStatus Desired `yaml:"target_status"`
	UpdatedAt    string  `yaml:"updated_at,omitempty"`
}

// Status is the observed state of the worker, persisted in status.json
type Status struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Desired             Desired   `json:"desired"`
	PID                 int       `json:"pid,omitempty"`
	Instances           int       `json:"instances"`
	Restarts            int       `json:"restarts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	LastProbe           time.Time `json:"last_probe,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// transitions lists the allowed state changes. STOPPED is left only by an
// explicit start.
var transitions = map[State][]State{
	StateStopped:  {StateStarting, StateRunning},
	StateStarting: {StateRunning, StateFailed, StateStopped},
	StateRunning:  {StateFailed, StateStopped, StateStarting},
	StateFailed:   {StateStarting, StateRunning, StateStopped},
}

// CanTransition reports whether from → to is a legal move
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *Status) moveTo(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("illegal state transition %s -> %s", s.State, to)
	}
	s.State = to
	return nil
}

// Files reads and writes the state directory
type Files struct {
	Dir string
}

func (f Files) path(name string) string { return filepath.Join(f.Dir, name) }

// LoadRun returns the desired state. A missing run.yml means stopped.
func (f Files) LoadRun() (RunConfig, error) {
	var rc RunConfig
	data, err := os.ReadFile(f.path(runFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return RunConfig{TargetStatus: DesiredStopped}, nil
	}
	if err != nil {
		return rc, fmt.Errorf("failed to read run file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return rc, fmt.Errorf("failed to parse run file: %w", err)
	}
	switch rc.TargetStatus {
	case DesiredRunning, DesiredStopped:
	case "":
		rc.TargetStatus = DesiredStopped
	default:
		return rc, fmt.Errorf("invalid target_status %q in run file", rc.TargetStatus)
	}
	return rc, nil
}

// SaveRun persists the desired state
func (f Files) SaveRun(rc RunConfig) error {
	data, err := yaml.Marshal(rc)
	if err != nil {
		return err
	}
	return f.writeAtomic(runFileName, data)
}

// LoadStatus returns the last persisted status, or a STOPPED status when none exists
func (f Files) LoadStatus(name string) (Status, error) {
	st := Status{Name: name, State: StateStopped, Desired: DesiredStopped}
	data, err := os.ReadFile(f.path(statusFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read status file: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse status file: %w", err)
	}
	if _, ok := transitions[st.State]; !ok {
		return st, fmt.Errorf("invalid state %q in status file", st.State)
	}
	if st.Name == "" {
		st.Name = name
	}
	return st, nil
}

// SaveStatus persists st
func (f Files) SaveStatus(st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic(statusFileName, append(data, '\n'))
}

func (f Files) writeAtomic(name string, data []byte) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.Dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path(name))
}
