package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// MemoryQueue is an unbounded in-process FIFO, intended only for tests and dev
// per SPEC_FULL.md §4.2 — it is lost on process restart. Unlike a fixed-capacity
// Go channel, EnqueueMany never blocks the submitter: the backlog_limit check in
// the jobs backend is the only admission control.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []asyncjobs.TaskPayload
	notify chan struct{}
}

// NewMemoryQueue creates an empty queue ready for use.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{})}
}

func (q *MemoryQueue) Length(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) EnqueueMany(_ context.Context, tasks []asyncjobs.TaskPayload) error {
	if len(tasks) == 0 {
		return nil
	}
	q.mu.Lock()
	q.items = append(q.items, tasks...)
	notify := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(notify)
	return nil
}

// Dequeue blocks until a task is available, the timeout elapses (returning
// (nil, nil)), or ctx is cancelled.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeoutSec int) (*asyncjobs.TaskPayload, error) {
	deadline := time.NewTimer(time.Duration(timeoutSec) * time.Second)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return &item, nil
		}
		wake := q.notify
		q.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Close() error {
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
