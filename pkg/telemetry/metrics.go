package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricWorkerRestartsTotal   = "gridkeeper_worker_restarts_total"
	MetricProbeFailuresTotal    = "gridkeeper_probe_failures_total"
	MetricWorkerUp              = "gridkeeper_worker_up"
	MetricLogRotationsTotal     = "gridkeeper_log_rotations_total"
	MetricBackupsTotal          = "gridkeeper_backups_total"
	MetricDeployStageDuration   = "gridkeeper_deploy_stage_duration_seconds"
	MetricTransferAttemptsTotal = "gridkeeper_transfer_attempts_total"
)

// MetricsHolder holds initialized instruments.
// Every recording method is a no-op until InitMetrics has run.
type MetricsHolder struct {
	WorkerRestartsTotal   metric.Int64Counter
	ProbeFailuresTotal    metric.Int64Counter
	WorkerUp              metric.Int64ObservableGauge
	LogRotationsTotal     metric.Int64Counter
	BackupsTotal          metric.Int64Counter
	DeployStageDuration   metric.Float64Histogram
	TransferAttemptsTotal metric.Int64Counter

	mu          sync.RWMutex
	initialized bool
	workerUpMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			workerUpMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.mu.Lock()
	defer m.mu.Unlock()

	m.WorkerRestartsTotal, err = meter.Int64Counter(MetricWorkerRestartsTotal, metric.WithDescription("Worker restarts issued by the supervisor"))
	if err != nil {
		return err
	}

	m.ProbeFailuresTotal, err = meter.Int64Counter(MetricProbeFailuresTotal, metric.WithDescription("Liveness probes that found no worker instance"))
	if err != nil {
		return err
	}

	m.LogRotationsTotal, err = meter.Int64Counter(MetricLogRotationsTotal, metric.WithDescription("Completed log rotations"))
	if err != nil {
		return err
	}

	m.BackupsTotal, err = meter.Int64Counter(MetricBackupsTotal, metric.WithDescription("Backup runs by result"))
	if err != nil {
		return err
	}

	m.DeployStageDuration, err = meter.Float64Histogram(MetricDeployStageDuration, metric.WithDescription("Duration of deployment stages"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.TransferAttemptsTotal, err = meter.Int64Counter(MetricTransferAttemptsTotal, metric.WithDescription("Artifact transfer attempts"))
	if err != nil {
		return err
	}

	m.WorkerUp, err = meter.Int64ObservableGauge(MetricWorkerUp, metric.WithDescription("Worker liveness (1=running, 0=not running)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for worker, val := range m.workerUpMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("worker", worker)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.initialized = true
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// RecordRestart counts a restart issued for worker
func (m *MetricsHolder) RecordRestart(ctx context.Context, worker string) {
	if !m.ready() {
		return
	}
	m.WorkerRestartsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

// RecordProbeFailure counts a failed liveness probe
func (m *MetricsHolder) RecordProbeFailure(ctx context.Context, worker string) {
	if !m.ready() {
		return
	}
	m.ProbeFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

// SetWorkerUp records the last observed liveness of worker
func (m *MetricsHolder) SetWorkerUp(worker string, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if up {
		m.workerUpMap[worker] = 1
	} else {
		m.workerUpMap[worker] = 0
	}
}

// RecordRotation counts a completed log rotation
func (m *MetricsHolder) RecordRotation(ctx context.Context, file string) {
	if !m.ready() {
		return
	}
	m.LogRotationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("file", file)))
}

// RecordBackup counts a backup run with its result ("ok" or "failed")
func (m *MetricsHolder) RecordBackup(ctx context.Context, result string) {
	if !m.ready() {
		return
	}
	m.BackupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStage records how long a deployment stage took
func (m *MetricsHolder) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	if !m.ready() {
		return
	}
	m.DeployStageDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// RecordTransferAttempt counts one artifact transfer attempt to target
func (m *MetricsHolder) RecordTransferAttempt(ctx context.Context, target string) {
	if !m.ready() {
		return
	}
	m.TransferAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}
