// Package jobsbackend owns job durability: it stores per-submit-batch
// metadata and preallocated result slots, and exposes the dequeue/mark-result
// calls the worker loop drives. SPEC_FULL.md §4.1 describes the two
// implementations — InProcessBackend (mutex-guarded maps, test/dev only) and
// RedisBackend (hash + list, transactional pipeline, TTL refreshed on every
// write).
package jobsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// ErrBacklogFull is returned by Submit when the queue depth plus the
// incoming batch would exceed the configured backlog limit.
var ErrBacklogFull = errors.New("backlog limit exceeded")

// BacklogFullError carries the depth numbers that tripped ErrBacklogFull, so
// callers can log or render them without re-deriving the arithmetic.
type BacklogFullError struct {
	QueueDepth int
	Incoming   int
	Limit      int
}

func (e *BacklogFullError) Error() string {
	return fmt.Sprintf("backlog limit exceeded (%d > %d)", e.QueueDepth+e.Incoming, e.Limit)
}

func (e *BacklogFullError) Unwrap() error { return ErrBacklogFull }

// Backend is the contract the HTTP surface and the worker loop depend on.
// Every method must be safe for concurrent use.
type Backend interface {
	Submit(ctx context.Context, req asyncjobs.CheckRequest) (asyncjobs.AsyncSubmitResponse, error)
	Poll(ctx context.Context, jobID string) (*asyncjobs.AsyncPollResponse, error)
	DequeueTask(ctx context.Context, timeoutSec int) (*asyncjobs.TaskPayload, error)
	MarkTaskStarted(ctx context.Context, task asyncjobs.TaskPayload) error
	MarkTaskSuccess(ctx context.Context, task asyncjobs.TaskPayload, response asyncjobs.ReplResponse) error
	MarkTaskFailure(ctx context.Context, task asyncjobs.TaskPayload, errMsg, snippetID string) error
	Close() error
}
