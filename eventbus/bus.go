package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/observability"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// Options configures a Bus.
type Options struct {
	// Buffer is the mailbox size of every subscription.
	Buffer int
	// SinkBuffer bounds the queue feeding notification sinks.
	SinkBuffer int
	// SinkTimeout bounds a single sink delivery.
	SinkTimeout time.Duration
	Sinks       []core.NotificationSink
	Logger      logging.Logger
	Metrics     *observability.Metrics
}

// Bus is a non-blocking fan-out event bus. It satisfies
// core.NotificationSink so components can publish through the same contract
// they use for external sinks.
type Bus struct {
	opts   Options
	logger logging.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription // task ID ("" = all tasks)
	sinks  []core.NotificationSink
	nextID uint64
	closed bool

	dropped     atomic.Int64
	sinkDropped atomic.Int64
	sinkQueue   chan core.Event
	forwarder   sync.WaitGroup
}

var _ core.NotificationSink = (*Bus)(nil)

// New creates a bus and starts its sink forwarder.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		Buffer:      256,
		SinkBuffer:  1024,
		SinkTimeout: 5 * time.Second,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Buffer < 1 {
		opts.Buffer = 1
	}

	if opts.SinkBuffer < 1 {
		opts.SinkBuffer = 1
	}

	b := &Bus{
		opts:      opts,
		logger:    logging.Component(opts.Logger, "eventbus"),
		subs:      map[string]map[uint64]*Subscription{},
		sinks:     append([]core.NotificationSink(nil), opts.Sinks...),
		sinkQueue: make(chan core.Event, opts.SinkBuffer),
	}

	b.forwarder.Add(1)

	go b.forward()

	return b
}

// AddSink registers a notification sink.
func (b *Bus) AddSink(sink core.NotificationSink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks = append(b.sinks, sink)
}

// Publish delivers ev to every matching subscriber without blocking. It only
// fails once the bus is closed.
func (b *Bus) Publish(ctx context.Context, ev core.Event) error {
	if ev.ID == "" {
		ev.ID = core.NewID()
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	var dropped int64

	for _, key := range []string{ev.TaskID, ""} {
		for _, sub := range b.subs[key] {
			select {
			case sub.ch <- ev:
			default:
				dropped++

				sub.dropped.Add(1)
			}
		}

		if ev.TaskID == "" {
			break
		}
	}

	if dropped > 0 {
		b.dropped.Add(dropped)
		b.opts.Metrics.RecordDroppedEvents(ctx, dropped)
		b.logger.Warn("Subscriber mailbox full, event dropped", "task_id", ev.TaskID, "type", ev.Type, "subscribers", dropped)
	}

	if len(b.sinks) > 0 {
		select {
		case b.sinkQueue <- ev:
		default:
			b.sinkDropped.Add(1)
			b.opts.Metrics.RecordDroppedEvents(ctx, 1)
			b.logger.Warn("Notification queue full, event dropped", "task_id", ev.TaskID, "type", ev.Type)
		}
	}

	return nil
}

// Subscribe opens a subscription for one task, or for every task when taskID
// is empty.
func (b *Bus) Subscribe(taskID string) *Subscription {
	sub := &Subscription{
		bus:    b,
		taskID: taskID,
		ch:     make(chan core.Event, b.opts.Buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		sub.closed = true

		return sub
	}

	b.nextID++
	sub.id = b.nextID

	if b.subs[taskID] == nil {
		b.subs[taskID] = map[uint64]*Subscription{}
	}

	b.subs[taskID][sub.id] = sub

	return sub
}

// OnEvent invokes fn for every event of taskID (every task when empty) on a
// dedicated goroutine, in publication order. For a single task the callback
// stops after the terminal event. The returned function unsubscribes and
// waits for an in-flight callback to return.
func (b *Bus) OnEvent(ctx context.Context, taskID string, fn func(core.Event)) (cancel func()) {
	sub := b.Subscribe(taskID)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}

				fn(ev)

				if taskID != "" && ev.Type.IsTerminal() {
					return
				}
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

// Dropped returns the number of subscriber deliveries dropped because a
// mailbox was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SinkDropped returns the number of events not forwarded to sinks because the
// queue was full.
func (b *Bus) SinkDropped() int64 {
	return b.sinkDropped.Load()
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, m := range b.subs {
		n += len(m)
	}

	return n
}

// Close closes every subscription, flushes queued sink events and stops the
// forwarder. It is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true

	for _, m := range b.subs {
		for _, sub := range m {
			sub.closeLocked()
		}
	}

	b.subs = map[string]map[uint64]*Subscription{}

	close(b.sinkQueue)
	b.mu.Unlock()

	b.forwarder.Wait()

	return nil
}

func (b *Bus) forward() {
	defer b.forwarder.Done()

	for ev := range b.sinkQueue {
		b.mu.RLock()
		sinks := append([]core.NotificationSink(nil), b.sinks...)
		b.mu.RUnlock()

		for _, sink := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.SinkTimeout)
			if err := sink.Publish(ctx, ev); err != nil {
				b.logger.Warn("Notification delivery failed", "task_id", ev.TaskID, "type", ev.Type, "error", err)
			}
			cancel()
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.subs[sub.taskID]; ok {
		if _, ok := m[sub.id]; ok {
			delete(m, sub.id)

			if len(m) == 0 {
				delete(b.subs, sub.taskID)
			}
		}
	}

	sub.closeLocked()
}

// Subscription is a bounded mailbox of events.
type Subscription struct {
	bus     *Bus
	id      uint64
	taskID  string
	ch      chan core.Event
	closed  bool
	dropped atomic.Int64
}

// Events returns the mailbox. It is closed when the subscription or the bus
// is closed.
func (s *Subscription) Events() <-chan core.Event {
	return s.ch
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// closeLocked requires the bus lock.
func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
