// Package jobqueue is the redis-backed handoff between the enqueue API and
// the settlement workers. The enqueue side pushes job references; each
// worker pops one at a time.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "settlement-jobs"

// ErrQueueEmpty is returned by Pop when no job arrived within the wait
// window.
var ErrQueueEmpty = errors.New("job queue is empty")

// JobMessage is the queued reference to a persisted job. The payload stays
// in the store; only the kind and identifier travel through redis.
type JobMessage struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
}

type Queue struct {
	red *redis.Client
	key string
}

func NewQueue(red *redis.Client) *Queue {
	return &Queue{red: red, key: defaultQueueKey}
}

func NewQueueWithKey(red *redis.Client, key string) *Queue {
	return &Queue{red: red, key: key}
}

// Push enqueues a job reference at the tail.
func (q *Queue) Push(ctx context.Context, message JobMessage) error {
	if message.Kind == "" || message.Identifier == "" {
		return fmt.Errorf("job message must carry kind and identifier: %+v", message)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return q.red.RPush(ctx, q.key, payload).Err()
}

// Pop blocks up to wait for the next job reference. ErrQueueEmpty means the
// window elapsed without work, which is the steady-state answer.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (JobMessage, error) {
	result, err := q.red.BLPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return JobMessage{}, ErrQueueEmpty
	} else if err != nil {
		return JobMessage{}, err
	}
	// BLPop returns the key and the value.
	if len(result) != 2 {
		return JobMessage{}, fmt.Errorf("unexpected blpop result of length %d", len(result))
	}

	var message JobMessage
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		return JobMessage{}, fmt.Errorf("malformed job message: %w", err)
	}
	return message, nil
}

// Len reports the queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.red.LLen(ctx, q.key).Result()
}
