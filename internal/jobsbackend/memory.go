package jobsbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimina-labs/asyncjobs/internal/queue"
	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

var log = slog.Default()

type jobRecord struct {
	status    asyncjobs.JobStatus
	total     int
	done      int
	failed    int
	running   int
	createdAt string
	updatedAt string
	expiresAt string
	expiresAbs time.Time
	error     *string
	results   []*asyncjobs.ReplResponse
}

// InProcessBackend is the non-durable backend described in SPEC_FULL.md §4.1:
// mutex-guarded maps, test/dev use only, nothing survives a restart. Because
// there is no Redis TTL to lean on, a background sweeper goroutine evicts
// expired jobs on an interval.
type InProcessBackend struct {
	ttl          time.Duration
	backlogLimit int
	queue        *queue.MemoryQueue

	mu   sync.Mutex
	jobs map[string]*jobRecord

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewInProcessBackend constructs a backend with its own in-memory queue and
// starts the expiry sweeper. Call Close to stop the sweeper goroutine.
func NewInProcessBackend(ttl time.Duration, backlogLimit int, sweepInterval time.Duration) *InProcessBackend {
	b := &InProcessBackend{
		ttl:          ttl,
		backlogLimit: backlogLimit,
		queue:        queue.NewMemoryQueue(),
		jobs:         make(map[string]*jobRecord),
		sweepStop:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	go b.sweepLoop(sweepInterval)
	return b
}

func (b *InProcessBackend) sweepLoop(interval time.Duration) {
	defer close(b.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.sweepStop:
			return
		case now := <-ticker.C:
			b.sweepExpired(now)
		}
	}
}

func (b *InProcessBackend) sweepExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, rec := range b.jobs {
		if now.After(rec.expiresAbs) {
			delete(b.jobs, id)
			log.Debug("async job expired (in-memory)", "job_id", id)
		}
	}
}

func (b *InProcessBackend) Submit(ctx context.Context, req asyncjobs.CheckRequest) (asyncjobs.AsyncSubmitResponse, error) {
	n := len(req.Snippets)
	depth, err := b.queue.Length(ctx)
	if err != nil {
		return asyncjobs.AsyncSubmitResponse{}, fmt.Errorf("submit: queue length: %w", err)
	}
	log.Info("async submit preflight (in-memory)", "queue_depth", depth, "incoming", n, "backlog_limit", b.backlogLimit)
	if depth+n > b.backlogLimit {
		log.Warn("async submit rejected (in-memory)", "queue_depth", depth, "incoming", n, "backlog_limit", b.backlogLimit)
		return asyncjobs.AsyncSubmitResponse{}, &BacklogFullError{QueueDepth: depth, Incoming: n, Limit: b.backlogLimit}
	}

	jobID := uuid.New().String()
	jobID = stripDashes(jobID)
	queuedAt := asyncjobs.NowISO()
	expiresAt := asyncjobs.ExpiresISO(b.ttl)
	expiresAbs := time.Now().UTC().Add(b.ttl)

	tasks := make([]asyncjobs.TaskPayload, 0, n)
	for i, snippet := range req.Snippets {
		taskID := stripDashes(uuid.New().String())
		tasks = append(tasks, asyncjobs.NewTaskPayload(jobID, taskID, i, snippet, float64(req.Timeout), req.Debug, req.Reuse, req.Infotree))
	}

	status := asyncjobs.StatusQueued
	if n == 0 {
		// No tasks means done+failed==total==0 right away: the job is
		// terminal on its first poll with an empty results array.
		status = asyncjobs.StatusCompleted
	}

	b.mu.Lock()
	b.jobs[jobID] = &jobRecord{
		status:     status,
		total:      n,
		createdAt:  queuedAt,
		updatedAt:  queuedAt,
		expiresAt:  expiresAt,
		expiresAbs: expiresAbs,
		results:    make([]*asyncjobs.ReplResponse, n),
	}
	b.mu.Unlock()

	if err := b.queue.EnqueueMany(ctx, tasks); err != nil {
		failMsg := "enqueue_failed"
		b.mu.Lock()
		if rec, ok := b.jobs[jobID]; ok {
			rec.status = asyncjobs.StatusFailed
			rec.error = &failMsg
		}
		b.mu.Unlock()
		return asyncjobs.AsyncSubmitResponse{}, fmt.Errorf("submit: enqueue tasks: %w", err)
	}
	log.Info("async job enqueued (in-memory)", "job_id", jobID, "tasks", len(tasks), "ttl_sec", int(b.ttl.Seconds()))

	return asyncjobs.AsyncSubmitResponse{
		JobID:         jobID,
		Status:        asyncjobs.StatusQueued,
		TotalSnippets: n,
		QueuedAt:      queuedAt,
		ExpiresAt:     expiresAt,
	}, nil
}

func (b *InProcessBackend) Poll(_ context.Context, jobID string) (*asyncjobs.AsyncPollResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[jobID]
	if !ok {
		log.Warn("async poll miss (in-memory)", "job_id", jobID)
		return nil, nil
	}

	var results []*asyncjobs.ReplResponse
	if rec.status == asyncjobs.StatusCompleted || rec.status == asyncjobs.StatusFailed {
		allFilled := true
		for _, r := range rec.results {
			if r == nil {
				allFilled = false
				break
			}
		}
		if allFilled {
			results = rec.results
		}
	}

	return &asyncjobs.AsyncPollResponse{
		JobID:  jobID,
		Status: rec.status,
		Progress: asyncjobs.AsyncProgress{
			Total:   rec.total,
			Done:    rec.done,
			Failed:  rec.failed,
			Running: rec.running,
		},
		Results:   results,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
		ExpiresAt: rec.expiresAt,
		Error:     rec.error,
	}, nil
}

func (b *InProcessBackend) DequeueTask(ctx context.Context, timeoutSec int) (*asyncjobs.TaskPayload, error) {
	return b.queue.Dequeue(ctx, timeoutSec)
}

func (b *InProcessBackend) MarkTaskStarted(_ context.Context, task asyncjobs.TaskPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[task.JobID]
	if !ok {
		log.Warn("async task start ignored (in-memory, missing job)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index)
		return nil
	}
	rec.status = asyncjobs.StatusRunning
	rec.running++
	rec.updatedAt = asyncjobs.NowISO()
	log.Info("async task started (in-memory)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index, "snippet_id", task.Snippet.ID)
	return nil
}

func (b *InProcessBackend) markResult(task asyncjobs.TaskPayload, result asyncjobs.ReplResponse, isFailure bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[task.JobID]
	if !ok {
		log.Warn("async result write ignored (in-memory, missing job)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index, "failure", isFailure)
		return nil
	}

	r := result
	rec.results[task.Index] = &r
	if rec.running > 0 {
		rec.running--
	}
	if isFailure {
		rec.failed++
	} else {
		rec.done++
	}
	rec.updatedAt = asyncjobs.NowISO()
	log.Info("async result stored (in-memory)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index,
		"snippet_id", task.Snippet.ID, "failure", isFailure, "done", rec.done, "failed", rec.failed, "total", rec.total)

	if rec.done+rec.failed >= rec.total {
		rec.status = asyncjobs.StatusCompleted
		log.Info("async job completed (in-memory)", "job_id", task.JobID, "done", rec.done, "failed", rec.failed, "total", rec.total)
	}
	return nil
}

func (b *InProcessBackend) MarkTaskSuccess(_ context.Context, task asyncjobs.TaskPayload, response asyncjobs.ReplResponse) error {
	return b.markResult(task, response, false)
}

func (b *InProcessBackend) MarkTaskFailure(_ context.Context, task asyncjobs.TaskPayload, errMsg, snippetID string) error {
	response := asyncjobs.ReplResponse{ID: snippetID, Error: &errMsg, Time: 0}
	return b.markResult(task, response, true)
}

func (b *InProcessBackend) Close() error {
	close(b.sweepStop)
	<-b.sweepDone
	return b.queue.Close()
}

func stripDashes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

var _ Backend = (*InProcessBackend)(nil)
