package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

func sampleTasks(n int) []asyncjobs.TaskPayload {
	tasks := make([]asyncjobs.TaskPayload, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, asyncjobs.NewTaskPayload("job-1", "task", i, asyncjobs.Snippet{ID: "s", Code: "1+1"}, 30, false, false, nil))
	}
	return tasks
}

// runConformance exercises the common Queue contract against any implementation.
func runConformance(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.EnqueueMany(ctx, sampleTasks(3)))

	n, err = q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, i, task.Index)
	}

	task, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, task, "dequeue on an empty queue should time out, not error")
}

func TestMemoryQueueConformance(t *testing.T) {
	runConformance(t, NewMemoryQueue())
}

func TestMemoryQueueEnqueueManyWakesBlockedDequeue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	done := make(chan *asyncjobs.TaskPayload, 1)
	go func() {
		task, err := q.Dequeue(ctx, 5)
		assert.NoError(t, err)
		done <- task
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.EnqueueMany(ctx, sampleTasks(1)))

	select {
	case task := <-done:
		require.NotNil(t, task)
		assert.Equal(t, 0, task.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Dequeue was not woken by EnqueueMany")
	}
}

func TestMemoryQueueDequeueRespectsContextCancel(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Dequeue(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://"+srv.Addr(), "asyncjobs_check")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueueConformance(t *testing.T) {
	runConformance(t, newTestRedisQueue(t))
}

func TestRedisQueueEnqueueManyPreservesOrder(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueMany(ctx, sampleTasks(5)))
	for i := 0; i < 5; i++ {
		task, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, i, task.Index)
	}
}
