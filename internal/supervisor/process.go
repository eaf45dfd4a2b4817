package supervisor

import (
	"context"
	"os"
	"sort"
	"time"
)

// Identity is what makes a process "the worker": its exact command line and
// working directory
type Identity struct {
	Argv    []string
	Workdir string
}

// Matches reports whether argv/cwd belong to the identity
func (id Identity) Matches(argv []string, cwd string) bool {
	if len(argv) != len(id.Argv) || cwd != id.Workdir {
		return false
	}
	for i := range argv {
		if argv[i] != id.Argv[i] {
			return false
		}
	}
	return true
}

// Instance is one live process matching the identity
type Instance struct {
	PID       int
	StartTime uint64 // clock ticks since boot
}

// ProcessTable finds live, non-zombie instances of the worker
type ProcessTable interface {
	Find(ctx context.Context, id Identity) ([]Instance, error)
}

// LaunchSpec describes how to start the worker
type LaunchSpec struct {
	Identity Identity
	LogFile  string
	EnvFile  string
}

// Launcher starts and signals worker processes
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
	Signal(pid int, sig os.Signal) error
}

// Locker serializes supervisor invocations across processes
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// oldestFirst orders instances by start time, PID breaking ties
func oldestFirst(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].StartTime != instances[j].StartTime {
			return instances[i].StartTime < instances[j].StartTime
		}
		return instances[i].PID < instances[j].PID
	})
}

const lockPollInterval = 100 * time.Millisecond
