// Package core defines the interfaces shared by the deployment and supervision components
package core

// ILogger is the structured logger used across gridkeeper.
// Fields are passed as alternating key/value pairs.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// NopLogger discards everything. Useful in tests and as a nil-safe default.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{})                {}
func (NopLogger) Info(string, ...interface{})                 {}
func (NopLogger) Warn(string, ...interface{})                 {}
func (NopLogger) Error(string, ...interface{})                {}
func (NopLogger) Fatal(string, ...interface{})                {}
func (n NopLogger) WithField(string, interface{}) ILogger     { return n }
func (n NopLogger) WithFields(map[string]interface{}) ILogger { return n }

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l ILogger) ILogger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
