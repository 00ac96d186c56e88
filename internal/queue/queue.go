// Package queue implements the FIFO task queue described in SPEC_FULL.md §4.2:
// a blocking-dequeue, bulk-enqueue queue of asyncjobs.TaskPayload, with an
// in-process implementation for tests/dev and a Redis-backed implementation for
// production durability.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// Queue is the contract every task queue implementation satisfies. Ordering is
// FIFO; Dequeue blocks up to timeout and returns (nil, nil) on timeout.
type Queue interface {
	Length(ctx context.Context) (int, error)
	EnqueueMany(ctx context.Context, tasks []asyncjobs.TaskPayload) error
	Dequeue(ctx context.Context, timeoutSec int) (*asyncjobs.TaskPayload, error)
	Close() error
}

func encodeTask(t asyncjobs.TaskPayload) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	return string(b), nil
}

// decodeTask accepts both []byte and string payload representations, since the
// durable backend's client library may hand back either depending on how the
// connection was configured.
func decodeTask(payload any) (*asyncjobs.TaskPayload, error) {
	var raw []byte
	switch v := payload.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil, fmt.Errorf("decode task payload: unsupported type %T", payload)
	}
	var t asyncjobs.TaskPayload
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	return &t, nil
}
