package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Publish(ctx context.Context, ev core.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func receive(t *testing.T, sub *Subscription) core.Event {
	t.Helper()

	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	return core.Event{}
}

func TestPublish_RoutesByTask(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close() }()

	t1 := bus.Subscribe("t1")
	all := bus.Subscribe("")

	ev := testutil.NewEventBuilder().Task("t1").Type(core.EventAgentStarted).Agent("a").Build()
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Publish(context.Background(), testutil.NewEventBuilder().Task("t2").Type(core.EventTaskStarted).Build()))

	got := receive(t, t1)
	assert.Equal(t, "a", got.AgentID)
	assert.NotEmpty(t, got.ID)

	assert.Equal(t, "t1", receive(t, all).TaskID)
	assert.Equal(t, "t2", receive(t, all).TaskID)

	select {
	case ev := <-t1.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestPublish_NeverBlocksAndCountsDrops(t *testing.T) {
	bus := New(func(o *Options) { o.Buffer = 2 })
	defer func() { _ = bus.Close() }()

	sub := bus.Subscribe("t1")

	for range 5 {
		require.NoError(t, bus.Publish(context.Background(), core.NewEvent("t1", core.EventAgentCompleted)))
	}

	assert.Equal(t, int64(3), bus.Dropped())
	assert.Equal(t, int64(3), sub.Dropped())
	assert.Len(t, sub.Events(), 2)
}

func TestSubscription_Close(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close() }()

	sub := bus.Subscribe("t1")
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, bus.Subscribers())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	require.NoError(t, bus.Publish(context.Background(), core.NewEvent("t1", core.EventTaskStarted)))
}

func TestOnEvent_StopsAfterTerminalEvent(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close() }()

	var (
		mu  sync.Mutex
		got []core.EventType
	)

	cancel := bus.OnEvent(context.Background(), "t1", func(ev core.Event) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, ev.Type)
	})
	defer cancel()

	for _, typ := range []core.EventType{core.EventTaskStarted, core.EventAgentCompleted, core.EventTaskCompleted, core.EventAgentStarted} {
		require.NoError(t, bus.Publish(context.Background(), core.NewEvent("t1", typ)))
	}

	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []core.EventType{core.EventTaskStarted, core.EventAgentCompleted, core.EventTaskCompleted}, got)
}

func TestOnEvent_Cancel(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close() }()

	calls := 0
	cancel := bus.OnEvent(context.Background(), "", func(core.Event) { calls++ })

	cancel()
	cancel()

	require.NoError(t, bus.Publish(context.Background(), core.NewEvent("t1", core.EventTaskStarted)))
	assert.Zero(t, calls)
	assert.Zero(t, bus.Subscribers())
}

func TestSinks_BestEffort(t *testing.T) {
	failing := &mockSink{}
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("webhook down"))

	ok := &mockSink{}
	ok.On("Publish", mock.Anything, mock.MatchedBy(func(ev core.Event) bool { return ev.TaskID == "t1" })).Return(nil)

	bus := New(func(o *Options) { o.Sinks = []core.NotificationSink{failing} })
	bus.AddSink(ok)

	require.NoError(t, bus.Publish(context.Background(), core.NewEvent("t1", core.EventTaskStarted)))
	require.NoError(t, bus.Publish(context.Background(), core.NewEvent("t1", core.EventTaskCompleted)))

	// Close flushes the queue.
	require.NoError(t, bus.Close())

	failing.AssertNumberOfCalls(t, "Publish", 2)
	ok.AssertNumberOfCalls(t, "Publish", 2)
}

func TestClose(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("t1")

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	assert.ErrorIs(t, bus.Publish(context.Background(), core.NewEvent("t1", core.EventTaskStarted)), ErrClosed)

	late := bus.Subscribe("t1")
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()
}
