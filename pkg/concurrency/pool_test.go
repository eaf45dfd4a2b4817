package concurrency

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_Go(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2}, nil)
	defer wp.Stop()

	ch, err := Go(wp, func() int { return 42 })
	require.NoError(t, err)

	select {
	case v := <-ch:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
	}
}

func TestWorkerPool_NonBlockingFull(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true}, nil)
	defer wp.Stop()

	release := make(chan struct{})
	var started atomic.Int32
	block := func() {
		started.Add(1)
		<-release
	}

	var rejected bool
	for i := 0; i < 5; i++ {
		if err := wp.Submit(block); err != nil {
			assert.ErrorIs(t, err, ErrPoolFull)
			rejected = true
			break
		}
	}
	close(release)
	assert.True(t, rejected, "a full non-blocking pool should reject tasks")
}
