// Package dispatch hands execution jobs to the external review pipeline
// through a Redis list.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultQueueKey = "executions:queue"

var ErrEmpty = errors.New("no execution job available")

// Files are the storage keys of an item's split files. Empty keys are
// missing files.
type Files struct {
	Question    string `json:"question"`
	AnswerKey   string `json:"answerKey,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

type Job struct {
	BookID     string    `json:"bookId"`
	ItemID     string    `json:"itemId"`
	Model      string    `json:"model"`
	Grade      string    `json:"grade"`
	Board      string    `json:"board"`
	Subject    string    `json:"subject"`
	Files      Files     `json:"files"`
	ReportKey  string    `json:"reportKey"`
	EnqueuedBy string    `json:"enqueuedBy"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Queue struct {
	client *redis.Client
	key    string
}

func NewQueue(client *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &Queue{client: client, key: key}
}

// Enqueue pushes job to the head of the list; consumers pop from the tail.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal execution job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue execution job: %w", err)
	}
	return nil
}

// Dequeue waits up to timeout for the oldest job. It returns ErrEmpty when
// none arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Job, error) {
	values, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("dequeue execution job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
		return Job{}, fmt.Errorf("decode execution job: %w", err)
	}
	return job, nil
}

// Len reports how many jobs are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
