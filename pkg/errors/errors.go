package apperrors

import "errors"

// Deployment and supervision error taxonomy.
// Typed errors in the component packages match these with errors.Is.
var (
	ErrSchemaViolation = errors.New("schema violation")
	ErrMissingSource   = errors.New("missing source")
	ErrTransfer        = errors.New("transfer error")
	ErrBootstrap       = errors.New("bootstrap error")
	ErrTimeout         = errors.New("deployment timed out")
	ErrProbeFailure    = errors.New("probe failure")
	ErrBackupFailure   = errors.New("backup failure")
	ErrTargetLocked    = errors.New("target locked")
	ErrUnknownProfile  = errors.New("unknown profile")
)

// Fatal reports whether err must abort a deployment before any remote effect.
func Fatal(err error) bool {
	return errors.Is(err, ErrSchemaViolation) || errors.Is(err, ErrMissingSource)
}
