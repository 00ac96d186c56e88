// Package asyncjobs defines the domain models shared by the jobs backend, the
// task queue, the worker loop and the HTTP surface: snippets submitted by callers,
// the task payloads workers dequeue, and the job metadata/results returned on poll.
package asyncjobs

import (
	"encoding/json"
	"time"
)

// Snippet is a single caller-named unit of work. The ID is caller-assigned and is
// not unique across jobs; it only has to be unique within one submit's snippet list
// if the caller wants correlatable results.
type Snippet struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// Infotree selects the optional info-tree reporting mode for a check. The zero
// value (empty string) means "absent" on the wire.
type Infotree string

// CheckRequest is the submit payload: an ordered snippet list plus execution
// options shared by every task it expands into.
type CheckRequest struct {
	Snippets []Snippet `json:"snippets"`
	Timeout  int       `json:"timeout"`
	Debug    bool      `json:"debug"`
	Reuse    bool      `json:"reuse"`
	Infotree *Infotree `json:"infotree,omitempty"`
}

// Normalize fills in the submit-time defaults spec.md §3 assigns to an absent
// timeout (30s). It must run before a CheckRequest is turned into TaskPayloads.
func (r *CheckRequest) Normalize() {
	if r.Timeout <= 0 {
		r.Timeout = 30
	}
}

// ReplResponse is the per-task result. Response and Error are mutually exclusive
// on the wire (omitempty gives the "exclude_none" serialization spec.md requires).
type ReplResponse struct {
	ID       string         `json:"id"`
	Time     float64        `json:"time"`
	Response map[string]any `json:"response,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

// TaskPayload is one queue element: a single snippet bound to the job it belongs
// to, its stable result-slot address (Index), and the execution options carried
// from the originating CheckRequest.
type TaskPayload struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	Index      int       `json:"index"`
	Snippet    Snippet   `json:"snippet"`
	Timeout    float64   `json:"timeout"`
	Debug      bool      `json:"debug"`
	Reuse      bool      `json:"reuse"`
	Infotree   *Infotree `json:"infotree,omitempty"`
	EnqueuedAt string    `json:"enqueued_at"`
}

// NewTaskPayload builds a TaskPayload with EnqueuedAt stamped at construction
// time, matching AsyncTaskPayload.create in the source implementation.
func NewTaskPayload(jobID, taskID string, index int, snippet Snippet, timeout float64, debug, reuse bool, infotree *Infotree) TaskPayload {
	return TaskPayload{
		JobID:      jobID,
		TaskID:     taskID,
		Index:      index,
		Snippet:    snippet,
		Timeout:    timeout,
		Debug:      debug,
		Reuse:      reuse,
		Infotree:   infotree,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// JobStatus is the job-level lifecycle state.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusExpired   JobStatus = "expired"
)

// JobMeta is the per-job counters and timestamps. Done+Failed+Running never
// exceeds Total; Status flips to completed in the same atomic step that makes
// Done+Failed reach Total (see SPEC_FULL.md §9).
type JobMeta struct {
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Running   int       `json:"running"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
	ExpiresAt string    `json:"expires_at"`
	Error     *string   `json:"error,omitempty"`
}

// AsyncProgress is the poll response's progress sub-object.
type AsyncProgress struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Running int `json:"running"`
}

// AsyncSubmitResponse is returned from a successful submit.
type AsyncSubmitResponse struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	TotalSnippets int       `json:"total_snippets"`
	QueuedAt      string    `json:"queued_at"`
	ExpiresAt     string    `json:"expires_at"`
}

// AsyncPollResponse is returned from poll. Results is nil (omitted on the wire)
// until the job is terminal and every slot has been filled; once populated it is
// serialized even when empty (an n==0 job has Results == []*ReplResponse{}, not nil),
// matching the original's response_model_exclude_none semantics, which excludes
// only None fields, not empty lists.
type AsyncPollResponse struct {
	JobID     string          `json:"job_id"`
	Status    JobStatus       `json:"status"`
	Progress  AsyncProgress   `json:"progress"`
	Results   []*ReplResponse `json:"results,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	ExpiresAt string          `json:"expires_at"`
	Error     *string         `json:"error,omitempty"`
}

// MarshalJSON overrides the struct tag's omitempty for Results: a non-nil
// Results (even a zero-length one, the n==0 terminal case) must still appear
// on the wire as "results": [], while a nil Results stays omitted.
func (p AsyncPollResponse) MarshalJSON() ([]byte, error) {
	type alias AsyncPollResponse
	if p.Results == nil {
		return json.Marshal(alias(p))
	}
	return json.Marshal(struct {
		alias
		Results []*ReplResponse `json:"results"`
	}{alias: alias(p), Results: p.Results})
}

// NowISO returns the current UTC time as an ISO-8601/RFC3339 string, the
// timestamp format used throughout meta and task payloads.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ExpiresISO returns an ISO-8601 timestamp ttl in the future.
func ExpiresISO(ttl time.Duration) string {
	return time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
}
