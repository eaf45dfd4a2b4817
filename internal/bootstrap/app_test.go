package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunContext_FirstFailureCancelsOthers(t *testing.T) {
	app := &App{}
	boom := errors.New("listener failed")

	var cancelled bool
	err := app.RunContext(context.Background(),
		RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			cancelled = true
			return nil
		}),
		RunnerFunc(func(context.Context) error { return boom }),
	)
	assert.ErrorIs(t, err, boom)
	assert.True(t, cancelled)
}

func TestRunContext_DeadlineErrorPropagates(t *testing.T) {
	app := &App{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := app.RunContext(ctx, RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunContext_CancelledRunnerReturnsNil(t *testing.T) {
	app := &App{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := app.RunContext(ctx, RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	}))
	assert.NoError(t, err)
}

func TestNewApp_TraceFileReceivesLogs(t *testing.T) {
	traceFile := filepath.Join(t.TempDir(), "trace.jsonl")
	var out bytes.Buffer

	app, err := NewApp(Options{ServiceName: "gridkeeper-test", LogLevel: "INFO", LogTo: &out, TraceFile: traceFile})
	require.NoError(t, err)
	app.Logger.Info("Deployment complete", "digest", "3f2a")
	require.NoError(t, app.Close())

	assert.Contains(t, out.String(), "Deployment complete")
	data, err := os.ReadFile(traceFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Deployment complete")
}
