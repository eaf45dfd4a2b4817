package concurrency

import (
	"errors"
	"fmt"
	"time"

	"gridkeeper/internal/core"

	"github.com/alitto/pond"
)

// ErrPoolFull is returned by a non-blocking pool with no free slot
var ErrPoolFull = errors.New("worker pool is full")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit() returns error instead of blocking when full
}

// WorkerPool runs deployments on a bounded set of goroutines
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	logger = core.OrNop(logger)
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 16
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(0),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("Worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit adds a task to the pool
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("%w: %s (capacity %d)", ErrPoolFull, wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued deployments to finish and shuts the pool down
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Pending returns the number of tasks queued but not yet started
func (wp *WorkerPool) Pending() uint64 {
	return wp.pool.WaitingTasks()
}

// Go runs task on the pool and delivers its result on the returned channel.
// The channel is buffered so an abandoned result never blocks the worker.
func Go[T any](wp *WorkerPool, task func() T) (<-chan T, error) {
	out := make(chan T, 1)
	err := wp.Submit(func() {
		out <- task()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
