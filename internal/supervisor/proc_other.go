//go:build !linux

package supervisor

import (
	"context"
	"errors"
	"os"

	"gridkeeper/internal/core"
)

var errUnsupported = errors.New("process supervision is only supported on linux")

// ProcTable is unavailable off linux
type ProcTable struct{}

// NewProcTable always fails off linux
func NewProcTable(string) (*ProcTable, error) { return nil, errUnsupported }

// Find always fails off linux
func (*ProcTable) Find(context.Context, Identity) ([]Instance, error) { return nil, errUnsupported }

// ExecLauncher is unavailable off linux
type ExecLauncher struct{}

// NewExecLauncher returns a launcher that always fails
func NewExecLauncher(core.ILogger) *ExecLauncher { return &ExecLauncher{} }

// Launch always fails off linux
func (*ExecLauncher) Launch(context.Context, LaunchSpec) (int, error) { return 0, errUnsupported }

// Signal always fails off linux
func (*ExecLauncher) Signal(int, os.Signal) error { return errUnsupported }

// FlockLocker is unavailable off linux
type FlockLocker struct{}

// NewFlockLocker returns a locker that always fails
func NewFlockLocker(string) *FlockLocker { return &FlockLocker{} }

// Lock always fails off linux
func (*FlockLocker) Lock(context.Context) (func(), error) { return nil, errUnsupported }
