package core

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"
)

// ContextEntry is one versioned value in a task's shared context.
type ContextEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	Writer    string    `json:"writer"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the entry has an expiry at or before now.
func (e ContextEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Snapshot is an immutable point-in-time copy of one namespace.
type Snapshot struct {
	Namespace string                  `json:"namespace"`
	Version   uint64                  `json:"version"`
	Entries   map[string]ContextEntry `json:"entries"`
	TakenAt   time.Time               `json:"taken_at"`
}

// Get returns the entry stored under key.
func (s Snapshot) Get(key string) (ContextEntry, bool) {
	e, ok := s.Entries[key]
	return e, ok
}

// Sorted returns the entries ordered by key.
func (s Snapshot) Sorted() []ContextEntry {
	out := make([]ContextEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out
}

// Values flattens the snapshot into key -> value.
func (s Snapshot) Values() map[string]any {
	out := make(map[string]any, len(s.Entries))
	for k, e := range s.Entries {
		out[k] = e.Value
	}

	return out
}

// Clone returns a snapshot with its own entry map.
func (s Snapshot) Clone() Snapshot {
	s.Entries = maps.Clone(s.Entries)
	return s
}

// TaskNamespace returns the shared context namespace for a task.
func TaskNamespace(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// ContextStore is the versioned, last-write-wins key/value space agents use
// to exchange intermediate findings.
type ContextStore interface {
	Get(ctx context.Context, namespace, key string) (ContextEntry, bool, error)
	Put(ctx context.Context, namespace, key string, value any, writer string, ttl time.Duration) (ContextEntry, error)
	Snapshot(ctx context.Context, namespace string) (Snapshot, error)
	Clear(ctx context.Context, namespace string) error
}
