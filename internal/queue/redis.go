package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// RedisQueue is the durable FIFO used in production: RPUSH on enqueue, BLPOP
// on dequeue, both against a single shared list key. Connection pool tuning
// mirrors the defaults a production Redis client should carry rather than
// leaving them at the library zero values.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue dials redisURL and binds to the named list key. The caller
// owns the key's naming (SPEC_FULL.md §4.6 ASYNC_QUEUE_NAME).
func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.PoolTimeout = 4 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	return &RedisQueue{client: client, key: key}, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) EnqueueMany(ctx context.Context, tasks []asyncjobs.TaskPayload) error {
	if len(tasks) == 0 {
		return nil
	}
	values := make([]any, 0, len(tasks))
	for _, t := range tasks {
		encoded, err := encodeTask(t)
		if err != nil {
			return err
		}
		values = append(values, encoded)
	}
	if err := q.client.RPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("enqueue tasks: %w", err)
	}
	return nil
}

// Dequeue issues a BLPOP with the given timeout. redis.Nil (go-redis's signal
// for "timed out with nothing popped") is translated to (nil, nil) to match
// the Queue contract.
func (q *RedisQueue) Dequeue(ctx context.Context, timeoutSec int) (*asyncjobs.TaskPayload, error) {
	res, err := q.client.BLPop(ctx, time.Duration(timeoutSec)*time.Second, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BLPop returns [key, value]; we only ever block on one key.
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue task: unexpected BLPOP reply shape %v", res)
	}
	return decodeTask(res[1])
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
