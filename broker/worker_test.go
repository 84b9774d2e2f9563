package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"batchd/errors"
	qt "batchd/internal/testing"
)

func newTestPool(t *testing.T) *WorkerPool {
	t.Helper()
	cfg := WorkerPoolConfig{
		Workers:      2,
		Queue:        "default",
		PollInterval: 10 * time.Millisecond,
	}
	return NewWorkerPool(context.Background(), qt.CreateTestDB(t), cfg, zaptest.NewLogger(t).Sugar())
}

func waitForState(t *testing.T, pool *WorkerPool, id string, want TaskState) *Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		task, err := pool.Queue().Store().GetTask(id)
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %s (currently %s)", id, want, task.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolExecutesTask(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Stop()

	var ran atomic.Int32
	pool.Registry().Register("job.run", func(ctx context.Context, task *Task) error {
		ran.Add(1)
		return nil
	})

	id, err := pool.Queue().Enqueue(&Task{Queue: "default", TaskTarget: "job.run"})
	require.NoError(t, err)

	pool.Start()

	task := waitForState(t, pool, id, StateSucceeded)
	assert.Equal(t, int32(1), ran.Load())
	assert.NotNil(t, task.CompletedAt)
}

func TestPoolRecordsHandlerFailure(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Stop()

	pool.Registry().Register("job.run", func(ctx context.Context, task *Task) error {
		return errors.New("handler exploded")
	})

	id, err := pool.Queue().Enqueue(&Task{Queue: "default", TaskTarget: "job.run"})
	require.NoError(t, err)

	pool.Start()

	task := waitForState(t, pool, id, StateFailed)
	assert.Equal(t, "handler exploded", task.Error)
}

func TestPoolFailsUnknownTarget(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Stop()

	id, err := pool.Queue().Enqueue(&Task{Queue: "default", TaskTarget: "no.such.target"})
	require.NoError(t, err)

	pool.Start()

	task := waitForState(t, pool, id, StateFailed)
	assert.Contains(t, task.Error, "no handler registered")
}

func TestPoolReconfigureKeepsProcessing(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Stop()

	var ran atomic.Int32
	pool.Registry().Register("job.run", func(ctx context.Context, task *Task) error {
		ran.Add(1)
		return nil
	})

	first, err := pool.Queue().Enqueue(&Task{Queue: "default", TaskTarget: "job.run"})
	require.NoError(t, err)

	pool.Start()
	waitForState(t, pool, first, StateSucceeded)

	pool.Reconfigure(WorkerPoolConfig{
		Workers:      4,
		Queue:        "default",
		PollInterval: 10 * time.Millisecond,
	})

	second, err := pool.Queue().Enqueue(&Task{Queue: "default", TaskTarget: "job.run"})
	require.NoError(t, err)

	waitForState(t, pool, second, StateSucceeded)
	assert.Equal(t, int32(2), ran.Load())
}

func TestPoolRunsGroupCallback(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Stop()

	var callbacks atomic.Int32
	pool.Registry().Register("member", func(ctx context.Context, task *Task) error { return nil })
	pool.Registry().Register("join", func(ctx context.Context, task *Task) error {
		callbacks.Add(1)
		return nil
	})

	members := []*Task{
		{TaskTarget: "member"},
		{TaskTarget: "member"},
		{TaskTarget: "member"},
	}
	groupID, err := pool.Queue().EnqueueGroup("default", members, "join", nil)
	require.NoError(t, err)

	pool.Start()

	deadline := time.After(5 * time.Second)
	for {
		group, err := pool.Queue().Store().GetGroup(groupID)
		require.NoError(t, err)
		if group.Fired && callbacks.Load() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("group never fired exactly once (fired=%v callbacks=%d)", group.Fired, callbacks.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Give racing workers a moment; the callback must not run twice.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), callbacks.Load())
}
