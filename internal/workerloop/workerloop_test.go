package workerloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimina-labs/asyncjobs/internal/checker"
	"github.com/kimina-labs/asyncjobs/internal/jobsbackend"
	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// scriptedChecker returns queued errors/responses in order, one per Check call.
type scriptedChecker struct {
	calls   int
	results []error
}

func (c *scriptedChecker) Check(_ context.Context, snippet asyncjobs.Snippet, _ float64, _, _ bool, _ *asyncjobs.Infotree) (asyncjobs.ReplResponse, error) {
	i := c.calls
	c.calls++
	if i >= len(c.results) {
		return asyncjobs.ReplResponse{ID: snippet.ID}, nil
	}
	if err := c.results[i]; err != nil {
		return asyncjobs.ReplResponse{}, err
	}
	return asyncjobs.ReplResponse{ID: snippet.ID, Time: 0.01}, nil
}

func submitOneTask(t *testing.T, backend jobsbackend.Backend) asyncjobs.TaskPayload {
	t.Helper()
	sub, err := backend.Submit(context.Background(), asyncjobs.CheckRequest{
		Snippets: []asyncjobs.Snippet{{ID: "s1", Code: "1+1"}},
		Timeout:  30,
	})
	require.NoError(t, err)
	task, err := backend.DequeueTask(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, sub.JobID, task.JobID)
	return *task
}

func TestRunWithRetriesSucceedsOnFirstAttempt(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := submitOneTask(t, backend)

	pool := NewPool(backend, &scriptedChecker{}, 1, 3, 1, nil)
	pool.runWithRetries(context.Background(), task, log)

	poll, err := backend.Poll(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, asyncjobs.StatusCompleted, poll.Status)
	assert.Equal(t, 1, poll.Progress.Done)
}

func TestRunWithRetriesRetriesTransientThenSucceeds(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := submitOneTask(t, backend)

	c := &scriptedChecker{results: []error{
		&checker.CheckerError{StatusCode: 503, Detail: "overloaded"},
	}}
	pool := NewPool(backend, c, 1, 3, 1, nil)
	pool.runWithRetries(context.Background(), task, log)

	assert.Equal(t, 2, c.calls, "should retry once after the transient failure then succeed")
	poll, err := backend.Poll(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, asyncjobs.StatusCompleted, poll.Status)
	assert.Equal(t, 1, poll.Progress.Done)
	assert.Equal(t, 0, poll.Progress.Failed)
}

func TestRunWithRetriesExhaustsTransientRetries(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := submitOneTask(t, backend)

	c := &scriptedChecker{results: []error{
		&checker.CheckerError{StatusCode: 500, Detail: "boom1"},
		&checker.CheckerError{StatusCode: 500, Detail: "boom2"},
		&checker.CheckerError{StatusCode: 500, Detail: "boom3"},
	}}
	pool := NewPool(backend, c, 1, 3, 1, nil)
	pool.runWithRetries(context.Background(), task, log)

	assert.Equal(t, 3, c.calls, "must stop retrying once retries are exhausted")
	poll, err := backend.Poll(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, asyncjobs.StatusCompleted, poll.Status)
	assert.Equal(t, 1, poll.Progress.Failed)
	require.Len(t, poll.Results, 1)
	require.NotNil(t, poll.Results[0].Error)
	assert.Equal(t, "boom3", *poll.Results[0].Error)
}

func TestRunWithRetriesDoesNotRetryPermanentCheckerError(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := submitOneTask(t, backend)

	c := &scriptedChecker{results: []error{
		&checker.CheckerError{StatusCode: 422, Detail: "bad snippet"},
	}}
	pool := NewPool(backend, c, 1, 3, 1, nil)
	pool.runWithRetries(context.Background(), task, log)

	assert.Equal(t, 1, c.calls, "non-transient status codes fail immediately")
	poll, err := backend.Poll(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, poll.Progress.Failed)
	assert.Equal(t, "bad snippet", *poll.Results[0].Error)
}

func TestRunWithRetriesDoesNotRetryUnexpectedError(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := submitOneTask(t, backend)

	c := &scriptedChecker{results: []error{errors.New("network exploded")}}
	pool := NewPool(backend, c, 1, 3, 1, nil)
	pool.runWithRetries(context.Background(), task, log)

	assert.Equal(t, 1, c.calls, "unexpected errors are never retried")
	poll, err := backend.Poll(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, poll.Progress.Failed)
	assert.Equal(t, "worker_error: network exploded", *poll.Results[0].Error)
}

type panickingChecker struct{}

func (panickingChecker) Check(context.Context, asyncjobs.Snippet, float64, bool, bool, *asyncjobs.Infotree) (asyncjobs.ReplResponse, error) {
	panic("checker blew up")
}

func TestRunWithRetriesRecoversPanic(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := submitOneTask(t, backend)

	pool := NewPool(backend, panickingChecker{}, 1, 3, 1, nil)
	require.NotPanics(t, func() {
		pool.runWithRetries(context.Background(), task, log)
	})

	poll, err := backend.Poll(context.Background(), task.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, poll.Progress.Failed)
	assert.Contains(t, *poll.Results[0].Error, "worker_error: checker blew up")
}

func TestPoolStartStopProcessesQueuedTask(t *testing.T) {
	backend := jobsbackend.NewInProcessBackend(time.Hour, 100, time.Minute)
	defer backend.Close()
	task := func() string {
		sub, err := backend.Submit(context.Background(), asyncjobs.CheckRequest{
			Snippets: []asyncjobs.Snippet{{ID: "s1", Code: "1+1"}},
			Timeout:  30,
		})
		require.NoError(t, err)
		return sub.JobID
	}()

	pool := NewPool(backend, &scriptedChecker{}, 2, 3, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		poll, err := backend.Poll(context.Background(), task)
		return err == nil && poll != nil && poll.Status == asyncjobs.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	pool.Stop()
}
