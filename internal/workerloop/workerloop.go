// Package workerloop runs the pool of goroutines that pull tasks off the
// jobs backend's queue, run them through a checker.Checker, and write the
// result back. See SPEC_FULL.md §4.3 for the retry/classification rules.
package workerloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kimina-labs/asyncjobs/internal/checker"
	"github.com/kimina-labs/asyncjobs/internal/jobsbackend"
	"github.com/kimina-labs/asyncjobs/internal/metrics"
	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

var log = slog.Default()

// transientStatusCodes are the checker status codes worth retrying. Anything
// else is treated as a permanent task failure on first sight.
var transientStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

func isTransient(err *checker.CheckerError) bool {
	return transientStatusCodes[err.StatusCode]
}

// Pool runs Concurrency goroutines, each repeatedly dequeuing one task,
// running it through Checker with up to Retries attempts, and marking the
// result on Backend. Dequeue uses a short poll timeout so Stop is responsive.
type Pool struct {
	Backend        jobsbackend.Backend
	Checker        checker.Checker
	Concurrency    int
	Retries        int
	DequeueTimeout int
	Metrics        *metrics.Collector

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewPool builds a Pool; call Start to launch its goroutines. metrics may be
// nil, in which case no metrics are recorded.
func NewPool(backend jobsbackend.Backend, c checker.Checker, concurrency, retries, dequeueTimeoutSec int, collector *metrics.Collector) *Pool {
	if retries <= 0 {
		retries = 3
	}
	if dequeueTimeoutSec <= 0 {
		dequeueTimeoutSec = 1
	}
	return &Pool{
		Backend:        backend,
		Checker:        c,
		Concurrency:    concurrency,
		Retries:        retries,
		DequeueTimeout: dequeueTimeoutSec,
		Metrics:        collector,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the pool's goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop signals every worker goroutine to exit after its current dequeue
// attempt and blocks until they have.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		processed, err := p.processOne(ctx)
		if err != nil {
			log.Error("worker loop iteration failed", "worker", workerID, "error", err)
		}
		_ = processed
	}
}

// processOne dequeues at most one task and drives it to completion. It
// returns (false, nil) when the dequeue timed out with nothing available.
func (p *Pool) processOne(ctx context.Context) (bool, error) {
	task, err := p.Backend.DequeueTask(ctx, p.DequeueTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, fmt.Errorf("dequeue task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	taskLog := log.With("job_id", task.JobID, "task_id", task.TaskID, "index", task.Index, "snippet_id", task.Snippet.ID)
	taskLog.Info("worker dequeued async task", "timeout", task.Timeout, "debug", task.Debug, "reuse", task.Reuse)

	if err := p.Backend.MarkTaskStarted(ctx, *task); err != nil {
		taskLog.Error("failed to mark task started", "error", err)
	}

	p.runWithRetries(ctx, *task, taskLog)
	return true, nil
}

func (p *Pool) runWithRetries(ctx context.Context, task asyncjobs.TaskPayload, taskLog *slog.Logger) {
	startedAt := time.Now()
	defer func() {
		if r := recover(); r != nil {
			taskLog.Error("worker panic recovered", "panic", r)
			if err := p.Backend.MarkTaskFailure(ctx, task, fmt.Sprintf("worker_error: %v", r), task.Snippet.ID); err != nil {
				taskLog.Error("failed to mark panic as task failure", "error", err)
			}
			if p.Metrics != nil {
				p.Metrics.RecordTaskFailed(time.Since(startedAt).Seconds())
			}
		}
	}()

	for attempt := 1; attempt <= p.Retries; attempt++ {
		response, err := p.Checker.Check(ctx, task.Snippet, task.Timeout, task.Debug, task.Reuse, task.Infotree)
		if err == nil {
			if markErr := p.Backend.MarkTaskSuccess(ctx, task, response); markErr != nil {
				taskLog.Error("failed to mark task success", "error", markErr)
			}
			taskLog.Info("worker completed async task", "attempt", attempt)
			if p.Metrics != nil {
				p.Metrics.RecordTaskCompleted(time.Since(startedAt).Seconds())
			}
			return
		}

		var checkerErr *checker.CheckerError
		if errors.As(err, &checkerErr) {
			if isTransient(checkerErr) && attempt < p.Retries {
				taskLog.Warn("worker transient checker error, retrying",
					"attempt", attempt, "retries", p.Retries, "status_code", checkerErr.StatusCode, "detail", checkerErr.Detail)
				if p.Metrics != nil {
					p.Metrics.RecordTaskRetried()
				}
				continue
			}
			if markErr := p.Backend.MarkTaskFailure(ctx, task, checkerErr.Detail, task.Snippet.ID); markErr != nil {
				taskLog.Error("failed to mark task failure", "error", markErr)
			}
			taskLog.Warn("worker task failed with checker error",
				"attempt", attempt, "retries", p.Retries, "detail", checkerErr.Detail)
			if p.Metrics != nil {
				p.Metrics.RecordTaskFailed(time.Since(startedAt).Seconds())
			}
			return
		}

		// Unexpected (non-checker) errors are never retried.
		taskLog.Error("worker failed processing async task", "error", err)
		if markErr := p.Backend.MarkTaskFailure(ctx, task, fmt.Sprintf("worker_error: %v", err), task.Snippet.ID); markErr != nil {
			taskLog.Error("failed to mark task failure", "error", markErr)
		}
		if p.Metrics != nil {
			p.Metrics.RecordTaskFailed(time.Since(startedAt).Seconds())
		}
		return
	}
}
