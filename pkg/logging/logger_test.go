package logging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"WARNING", WarnLevel, false},
		{"warn", WarnLevel, false},
		{"ERROR", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZapLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLoggerTo("WARN", &buf)
	require.NoError(t, err)

	logger.Info("hidden message")
	logger.Warn("visible message", "target", "prod", "error", errors.New("boom"))
	_ = logger.Sync()

	out := buf.String()
	assert.NotContains(t, out, "hidden message")
	assert.Contains(t, out, "visible message")
	assert.Contains(t, out, "prod")
	assert.Contains(t, out, "boom")
}

func TestZapLogger_WithField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLoggerTo("DEBUG", &buf)
	require.NoError(t, err)

	logger.WithField("component", "supervisor").Debug("probe")
	assert.Contains(t, buf.String(), "supervisor")
}

func TestNewFileLogger_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0o644))

	logger, closer, err := NewFileLogger("INFO", path)
	require.NoError(t, err)
	logger.Info("appended")
	_ = logger.Sync()
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "existing")
	assert.Contains(t, string(data), "appended")
}

// recordingExporter keeps the bodies of exported log records
type recordingExporter struct {
	mu     sync.Mutex
	bodies []string
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.bodies = append(e.bodies, r.Body().AsString())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func TestZapLogger_WithOTel(t *testing.T) {
	exp := &recordingExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	defer provider.Shutdown(context.Background())

	var buf bytes.Buffer
	base, err := NewZapLoggerTo("INFO", &buf)
	require.NoError(t, err)
	logger := base.WithOTel("gridkeeper-deploy", provider)

	logger.Debug("below level")
	logger.WithField("target", "vps").Info("Artifact staged", "digest", "3f2a")

	assert.Contains(t, buf.String(), "Artifact staged")
	assert.NotContains(t, buf.String(), "below level")

	exp.mu.Lock()
	defer exp.mu.Unlock()
	assert.Equal(t, []string{"Artifact staged"}, exp.bodies)
}

func TestGlobalLogger_SetAndGet(t *testing.T) {
	prev := GetGlobalLogger()
	defer SetGlobalLogger(prev)

	var buf bytes.Buffer
	logger, err := NewZapLoggerTo("DEBUG", &buf)
	require.NoError(t, err)
	SetGlobalLogger(logger)

	GetGlobalLogger().Debug("Rotation scheduled")
	assert.Contains(t, buf.String(), "Rotation scheduled")
}
