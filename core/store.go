package core

import (
	"context"
	"time"
)

// TaskStore is the persistent task store consumed by the orchestrator.
// Every call is atomic.
type TaskStore interface {
	InsertTask(ctx context.Context, task *Task) error
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, update TaskUpdate) error
	FetchTask(ctx context.Context, id string) (*Task, error)
}

// RecordSink is the append-only execution-record sink.
type RecordSink interface {
	AppendExecutionRecord(ctx context.Context, rec ExecutionRecord) error
}

// RecordSource serves historical execution records for retraining, newest
// first.
type RecordSource interface {
	RecentExecutionRecords(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// RecordStore combines both sides of the execution-record log.
type RecordStore interface {
	RecordSink
	RecordSource
}

// Cache is an optional snapshot cache; the core works without one.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NotificationSink receives events on a best-effort basis.
type NotificationSink interface {
	Publish(ctx context.Context, ev Event) error
}
