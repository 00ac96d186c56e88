package jobsbackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kimina-labs/asyncjobs/internal/queue"
	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// markStartedScript flips a job to running and bumps its running counter in
// one round trip; it no-ops (returns 0) if the job's meta hash has already
// expired or was never written.
var markStartedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'running', 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

// markResultScript writes a result slot, updates the running/done/failed
// counters, refreshes both keys' TTL, and folds the done+failed>=total ->
// status=completed transition into the SAME round trip — there is no window
// in which an observer can poll and see done+failed==total with a non-terminal
// status.
var markResultScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0}
end
redis.call('LSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HINCRBY', KEYS[1], 'running', -1)
if ARGV[3] == '1' then
  redis.call('HINCRBY', KEYS[1], 'failed', 1)
else
  redis.call('HINCRBY', KEYS[1], 'done', 1)
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[5])
local done = tonumber(redis.call('HGET', KEYS[1], 'done') or '0')
local failed = tonumber(redis.call('HGET', KEYS[1], 'failed') or '0')
local total = tonumber(redis.call('HGET', KEYS[1], 'total') or '0')
local completed = 0
if done + failed >= total then
  redis.call('HSET', KEYS[1], 'status', 'completed', 'updated_at', ARGV[4])
  completed = 1
end
return {1, done, failed, total, completed}
`)

// RedisBackend is the durable, production backend from SPEC_FULL.md §4.1: a
// hash for job metadata, a list of preallocated result slots, both under a
// shared key prefix, both TTL-refreshed on every write via a transactional
// pipeline or Lua script.
type RedisBackend struct {
	client       *redis.Client
	queue        queue.Queue
	queueName    string
	keyPrefix    string
	ttl          time.Duration
	backlogLimit int
}

// NewRedisBackend wires a Redis client (used for job meta and result slots), a
// queue.Queue (which holds its own connection), and the configured key
// prefix/TTL/backlog limit together.
func NewRedisBackend(client *redis.Client, q queue.Queue, queueName, keyPrefix string, ttl time.Duration, backlogLimit int) *RedisBackend {
	return &RedisBackend{
		client:       client,
		queue:        q,
		queueName:    queueName,
		keyPrefix:    keyPrefix,
		ttl:          ttl,
		backlogLimit: backlogLimit,
	}
}

func (b *RedisBackend) metaKey(jobID string) string    { return fmt.Sprintf("%s:job:%s:meta", b.keyPrefix, jobID) }
func (b *RedisBackend) resultsKey(jobID string) string { return fmt.Sprintf("%s:job:%s:results", b.keyPrefix, jobID) }

func (b *RedisBackend) Submit(ctx context.Context, req asyncjobs.CheckRequest) (asyncjobs.AsyncSubmitResponse, error) {
	n := len(req.Snippets)
	depth, err := b.queue.Length(ctx)
	if err != nil {
		return asyncjobs.AsyncSubmitResponse{}, fmt.Errorf("submit: queue length: %w", err)
	}
	log.Info("async submit preflight (redis)", "queue", b.queueName, "depth", depth, "incoming", n, "backlog_limit", b.backlogLimit)
	if depth+n > b.backlogLimit {
		log.Warn("async submit rejected (redis)", "queue", b.queueName, "depth", depth, "incoming", n, "backlog_limit", b.backlogLimit)
		return asyncjobs.AsyncSubmitResponse{}, &BacklogFullError{QueueDepth: depth, Incoming: n, Limit: b.backlogLimit}
	}

	jobID := stripDashes(uuid.New().String())
	queuedAt := asyncjobs.NowISO()
	expiresAt := asyncjobs.ExpiresISO(b.ttl)
	metaKey := b.metaKey(jobID)
	resultsKey := b.resultsKey(jobID)

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

	ttlSec := int(b.ttl.Seconds())
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey, map[string]any{
			"status":     string(status),
			"total":      strconv.Itoa(n),
			"done":       "0",
			"failed":     "0",
			"running":    "0",
			"created_at": queuedAt,
			"updated_at": queuedAt,
			"expires_at": expiresAt,
		})
		if n > 0 {
			slots := make([]any, n)
			for i := range slots {
				slots[i] = ""
			}
			pipe.RPush(ctx, resultsKey, slots...)
		}
		pipe.Expire(ctx, metaKey, b.ttl)
		pipe.Expire(ctx, resultsKey, b.ttl)
		return nil
	})
	if err != nil {
		return asyncjobs.AsyncSubmitResponse{}, fmt.Errorf("submit: write job metadata: %w", err)
	}
	log.Info("async job metadata stored (redis)", "job_id", jobID, "total", n, "meta_key", metaKey, "results_key", resultsKey, "ttl_sec", ttlSec)

	if err := b.queue.EnqueueMany(ctx, tasks); err != nil {
		failMsg := "enqueue_failed"
		b.client.HSet(ctx, metaKey, map[string]any{"status": string(asyncjobs.StatusFailed), "error": failMsg})
		log.Error("async job enqueue failed (redis)", "job_id", jobID, "queue", b.queueName, "error", err)
		return asyncjobs.AsyncSubmitResponse{}, fmt.Errorf("submit: enqueue tasks: %w", err)
	}
	log.Info("async job enqueued (redis)", "job_id", jobID, "tasks", len(tasks), "queue", b.queueName)

	return asyncjobs.AsyncSubmitResponse{
		JobID:         jobID,
		Status:        asyncjobs.StatusQueued,
		TotalSnippets: n,
		QueuedAt:      queuedAt,
		ExpiresAt:     expiresAt,
	}, nil
}

func (b *RedisBackend) readMeta(ctx context.Context, jobID string) (map[string]string, error) {
	raw, err := b.client.HGetAll(ctx, b.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job meta: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func (b *RedisBackend) Poll(ctx context.Context, jobID string) (*asyncjobs.AsyncPollResponse, error) {
	meta, err := b.readMeta(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		log.Warn("async poll miss (redis)", "job_id", jobID)
		return nil, nil
	}

	status := asyncjobs.JobStatus(meta["status"])
	if status == "" {
		status = asyncjobs.StatusQueued
	}
	total, _ := strconv.Atoi(meta["total"])
	done, _ := strconv.Atoi(meta["done"])
	failed, _ := strconv.Atoi(meta["failed"])
	running, _ := strconv.Atoi(meta["running"])

	var results []*asyncjobs.ReplResponse
	if status == asyncjobs.StatusCompleted || status == asyncjobs.StatusFailed {
		raw, err := b.client.LRange(ctx, b.resultsKey(jobID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("poll: read results: %w", err)
		}
		parsed := make([]*asyncjobs.ReplResponse, 0, len(raw))
		for _, item := range raw {
			if item == "" {
				continue
			}
			r, err := asyncjobs.DeserializeResult(item)
			if err != nil {
				return nil, fmt.Errorf("poll: deserialize result: %w", err)
			}
			parsed = append(parsed, r)
		}
		if len(parsed) == total {
			results = parsed
		}
	}

	var jobErr *string
	if e, ok := meta["error"]; ok && e != "" {
		jobErr = &e
	}

	log.Debug("async poll hit (redis)", "job_id", jobID, "status", status, "done", done, "failed", failed, "running", running, "total", total, "has_results", results != nil)

	return &asyncjobs.AsyncPollResponse{
		JobID:     jobID,
		Status:    status,
		Progress:  asyncjobs.AsyncProgress{Total: total, Done: done, Failed: failed, Running: running},
		Results:   results,
		CreatedAt: meta["created_at"],
		UpdatedAt: meta["updated_at"],
		ExpiresAt: meta["expires_at"],
		Error:     jobErr,
	}, nil
}

func (b *RedisBackend) DequeueTask(ctx context.Context, timeoutSec int) (*asyncjobs.TaskPayload, error) {
	return b.queue.Dequeue(ctx, timeoutSec)
}

func (b *RedisBackend) MarkTaskStarted(ctx context.Context, task asyncjobs.TaskPayload) error {
	metaKey := b.metaKey(task.JobID)
	resultsKey := b.resultsKey(task.JobID)
	ttlSec := strconv.Itoa(int(b.ttl.Seconds()))

	ok, err := markStartedScript.Run(ctx, b.client, []string{metaKey, resultsKey},
		string(asyncjobs.StatusRunning), asyncjobs.NowISO(), ttlSec).Int()
	if err != nil {
		return fmt.Errorf("mark task started: %w", err)
	}
	if ok == 0 {
		log.Warn("async task start ignored (redis, missing job)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index, "snippet_id", task.Snippet.ID)
		return nil
	}
	log.Info("async task started (redis)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index, "snippet_id", task.Snippet.ID)
	return nil
}

func (b *RedisBackend) markResult(ctx context.Context, task asyncjobs.TaskPayload, result asyncjobs.ReplResponse, isFailure bool) error {
	encoded, err := asyncjobs.SerializeResult(&result)
	if err != nil {
		return err
	}

	metaKey := b.metaKey(task.JobID)
	resultsKey := b.resultsKey(task.JobID)
	failureFlag := "0"
	if isFailure {
		failureFlag = "1"
	}

	res, err := markResultScript.Run(ctx, b.client, []string{metaKey, resultsKey},
		task.Index, encoded, failureFlag, asyncjobs.NowISO(), strconv.Itoa(int(b.ttl.Seconds()))).Result()
	if err != nil {
		return fmt.Errorf("mark task result: %w", err)
	}

	fields, ok := res.([]any)
	if !ok || len(fields) == 0 {
		return errors.New("mark task result: unexpected script reply shape")
	}
	if toInt64(fields[0]) == 0 {
		log.Warn("async result write ignored (redis, missing job)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index, "failure", isFailure)
		return nil
	}

	done, failed, total, completed := toInt64(fields[1]), toInt64(fields[2]), toInt64(fields[3]), toInt64(fields[4])
	log.Info("async result stored (redis)", "job_id", task.JobID, "task_id", task.TaskID, "index", task.Index,
		"snippet_id", task.Snippet.ID, "failure", isFailure, "done", done, "failed", failed, "total", total)
	if completed == 1 {
		log.Info("async job completed (redis)", "job_id", task.JobID, "done", done, "failed", failed, "total", total)
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (b *RedisBackend) MarkTaskSuccess(ctx context.Context, task asyncjobs.TaskPayload, response asyncjobs.ReplResponse) error {
	return b.markResult(ctx, task, response, false)
}

func (b *RedisBackend) MarkTaskFailure(ctx context.Context, task asyncjobs.TaskPayload, errMsg, snippetID string) error {
	response := asyncjobs.ReplResponse{ID: snippetID, Error: &errMsg, Time: 0}
	return b.markResult(ctx, task, response, true)
}

func (b *RedisBackend) Close() error {
	if err := b.queue.Close(); err != nil {
		return err
	}
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
