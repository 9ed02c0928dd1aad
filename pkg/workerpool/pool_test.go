package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesEveryTask(t *testing.T) {
	var calls int64
	pool, err := New(Config{Workers: 4, QueueSize: 2}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{TaskID: task.ID, Success: true, Data: task.Payload}
	}, nil)
	require.NoError(t, err)
	pool.Start()

	const n = 50
	done := make(chan map[string]bool)
	go func() {
		seen := map[string]bool{}
		for r := range pool.Results() {
			seen[r.TaskID] = r.Success
		}
		done <- seen
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, pool.SubmitContext(context.Background(), &Task{ID: fmt.Sprintf("t-%d", i), Payload: i}))
	}
	require.NoError(t, pool.Stop())

	seen := <-done
	assert.Len(t, seen, n)
	assert.EqualValues(t, n, atomic.LoadInt64(&calls))
	assert.EqualValues(t, n, pool.Stats().TasksCompleted)
}

func TestPool_RetriesFailedTasks(t *testing.T) {
	var attempts int64
	boom := errors.New("boom")
	pool, err := New(Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&attempts, 1)
		return &Result{TaskID: task.ID, Error: boom}
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&Task{ID: "only"}))
	r := <-pool.Results()
	require.NoError(t, pool.Stop())

	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, boom)
	assert.EqualValues(t, 3, atomic.LoadInt64(&attempts))
	assert.EqualValues(t, 2, pool.Stats().TasksRetried)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(&Task{ID: "late"}), ErrPoolClosed)
	assert.ErrorIs(t, pool.SubmitContext(context.Background(), &Task{ID: "late"}), ErrPoolClosed)
}

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
