package interfaces

import (
	"context"
	"time"
)

// SyncJobMessage is the queue payload for one sync job attempt.
type SyncJobMessage struct {
	JobID     string `json:"jobId"`
	AccountID string `json:"accountId"`
	Attempt   int    `json:"attempt"`
}

type EnqueueOptions struct {
	Priority uint8
	// Delay holds the message in a wait queue before delivery; used for
	// retry backoff and lease contention re-queues.
	Delay time.Duration
}

// JobHandler processes one delivered job. A returned error dead-letters the
// delivery; retries are explicit re-enqueues by the handler, not queue-level
// redelivery loops.
type JobHandler func(ctx context.Context, msg SyncJobMessage) error

// JobQueue is the durable queue contract consumed by the orchestrator.
type JobQueue interface {
	Enqueue(ctx context.Context, msg SyncJobMessage, opts EnqueueOptions) error
	Process(handler JobHandler, concurrency int) error
	Close() error
}
