package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// InMemoryTaskStore is a volatile core.TaskStore. Returned tasks are clones.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

var _ core.TaskStore = (*InMemoryTaskStore)(nil)

// NewInMemoryTaskStore constructs an empty task store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{tasks: make(map[string]*core.Task)}
}

// InsertTask stores a new task.
func (s *InMemoryTaskStore) InsertTask(ctx context.Context, task *core.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	s.tasks[task.ID] = task.Clone()

	return nil
}

// UpdateTaskStatus applies a status transition atomically.
func (s *InMemoryTaskStore) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, update core.TaskUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
	}

	next := task.Clone()
	if err := next.Apply(status, update); err != nil {
		return err
	}

	s.tasks[id] = next

	return nil
}

// FetchTask returns a clone of the stored task.
func (s *InMemoryTaskStore) FetchTask(ctx context.Context, id string) (*core.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
	}

	return task.Clone(), nil
}

// InMemoryRecordStore is a volatile append-only core.RecordStore.
type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records []core.ExecutionRecord
}

var _ core.RecordStore = (*InMemoryRecordStore)(nil)

// NewInMemoryRecordStore constructs an empty record log.
func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{}
}

// AppendExecutionRecord appends rec.
func (s *InMemoryRecordStore) AppendExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)

	return nil
}

// RecentExecutionRecords returns up to limit records, newest first. A limit
// of zero or less returns all records.
func (s *InMemoryRecordStore) RecentExecutionRecords(ctx context.Context, limit int) ([]core.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]core.ExecutionRecord, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i])
	}

	return out, nil
}

// Len returns the number of stored records.
func (s *InMemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// InMemoryCache is a TTL cache implementing core.Cache.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	clock   func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

var _ core.Cache = (*InMemoryCache)(nil)

// NewInMemoryCache constructs an empty cache. A nil clock uses time.Now.
func NewInMemoryCache(clock func() time.Time) *InMemoryCache {
	if clock == nil {
		clock = time.Now
	}

	return &InMemoryCache{entries: map[string]cacheEntry{}, clock: clock}
}

// Get returns a copy of the cached value.
func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}

	if !e.expiresAt.IsZero() && !c.clock().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}

	return slices.Clone(e.value), true, nil
}

// Set stores a copy of value. A ttl of zero or less never expires.
func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := cacheEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = c.clock().Add(ttl)
	}

	c.entries[key] = e

	return nil
}

// Delete removes key.
func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)

	return nil
}
