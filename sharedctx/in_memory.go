package sharedctx

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Options configures an InMemoryStore.
type Options struct {
	// Publisher receives a context_updated event after every write.
	Publisher core.NotificationSink
	Clock     func() time.Time
	Logger    logging.Logger
}

// InMemoryStore is a process-local core.ContextStore. It is safe for
// concurrent use; namespaces are independent of each other.
type InMemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace

	publisher core.NotificationSink
	clock     func() time.Time
	logger    logging.Logger
}

type namespace struct {
	mu      sync.Mutex
	version uint64
	entries map[string]core.ContextEntry
}

var _ core.ContextStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{
		Clock:  time.Now,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &InMemoryStore{
		namespaces: map[string]*namespace{},
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		logger:     logging.Component(opts.Logger, "sharedctx"),
	}
}

// Get returns the live entry under key.
func (s *InMemoryStore) Get(ctx context.Context, ns, key string) (core.ContextEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.ContextEntry{}, false, err
	}

	n := s.lookup(ns)
	if n == nil {
		return core.ContextEntry{}, false, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[key]
	if !ok {
		return core.ContextEntry{}, false, nil
	}

	if e.Expired(s.clock()) {
		delete(n.entries, key)
		return core.ContextEntry{}, false, nil
	}

	return e, true, nil
}

// Put writes value under key, replacing any previous value regardless of its
// version. A positive ttl sets an expiry.
func (s *InMemoryStore) Put(ctx context.Context, ns, key string, value any, writer string, ttl time.Duration) (core.ContextEntry, error) {
	if err := ctx.Err(); err != nil {
		return core.ContextEntry{}, err
	}

	if ns == "" || key == "" {
		return core.ContextEntry{}, errors.New("namespace and key are required")
	}

	now := s.clock()
	n := s.lookupOrCreate(ns)

	n.mu.Lock()
	n.version++

	e := core.ContextEntry{
		Key:       key,
		Value:     value,
		Version:   n.version,
		Writer:    writer,
		UpdatedAt: now,
	}

	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	n.entries[key] = e
	n.mu.Unlock()

	s.notify(ctx, ns, e)

	return e, nil
}

// Snapshot returns a consistent copy of every live entry in the namespace.
// An unknown namespace yields an empty snapshot.
func (s *InMemoryStore) Snapshot(ctx context.Context, ns string) (core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.Snapshot{}, err
	}

	now := s.clock()
	snap := core.Snapshot{Namespace: ns, Entries: map[string]core.ContextEntry{}, TakenAt: now}

	n := s.lookup(ns)
	if n == nil {
		return snap, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for k, e := range n.entries {
		if e.Expired(now) {
			delete(n.entries, k)
			continue
		}

		snap.Entries[k] = e
	}

	snap.Version = n.version

	return snap, nil
}

// Clear drops a namespace.
func (s *InMemoryStore) Clear(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces, ns)

	return nil
}

// Namespaces returns the known namespaces in sorted order.
func (s *InMemoryStore) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}

	sort.Strings(out)

	return out
}

// Sweep purges expired entries in every namespace and returns how many were
// removed.
func (s *InMemoryStore) Sweep() int {
	now := s.clock()

	s.mu.RLock()
	all := make([]*namespace, 0, len(s.namespaces))
	for _, n := range s.namespaces {
		all = append(all, n)
	}
	s.mu.RUnlock()

	removed := 0

	for _, n := range all {
		n.mu.Lock()
		maps.DeleteFunc(n.entries, func(_ string, e core.ContextEntry) bool {
			if e.Expired(now) {
				removed++
				return true
			}

			return false
		})
		n.mu.Unlock()
	}

	return removed
}

func (s *InMemoryStore) lookup(ns string) *namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.namespaces[ns]
}

func (s *InMemoryStore) lookupOrCreate(ns string) *namespace {
	if n := s.lookup(ns); n != nil {
		return n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.namespaces[ns]; ok {
		return n
	}

	n := &namespace{entries: map[string]core.ContextEntry{}}
	s.namespaces[ns] = n

	return n
}

func (s *InMemoryStore) notify(ctx context.Context, ns string, e core.ContextEntry) {
	if s.publisher == nil {
		return
	}

	ev := core.NewAgentEvent(strings.TrimPrefix(ns, "task:"), core.EventContextUpdated, e.Writer, "")
	ev.Data = map[string]any{"namespace": ns, "key": e.Key, "version": e.Version}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Debug("Context update notification not delivered", "namespace", ns, "key", e.Key, "error", err)
	}
}
