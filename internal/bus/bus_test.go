package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/events"
)

func TestBus_PriorityOrderAcrossClasses(t *testing.T) {
	b := New(WithPollInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var mu sync.Mutex
	var order []events.EventType
	done := make(chan struct{})

	b.SubscribeWildcard(func(_ context.Context, evt events.Event) error {
		mu.Lock()
		order = append(order, evt.Type)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	require.NoError(t, b.Emit(events.New(events.TypeToolCallRequested, "t", nil)))
	require.NoError(t, b.Emit(events.New(events.TypeTaskCreated, "t", nil)))
	require.NoError(t, b.Emit(events.New(events.TypeMessageReceived, "t", nil)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []events.EventType{
		events.TypeMessageReceived,
		events.TypeTaskCreated,
		events.TypeToolCallRequested,
	}, order)
}

func TestBus_FIFOWithinSamePriority(t *testing.T) {
	b := New(WithPollInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	b.Subscribe(events.TypeTaskCreated, func(_ context.Context, evt events.Event) error {
		mu.Lock()
		order = append(order, evt.Source)
		n := len(order)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		evt := events.New(events.TypeTaskCreated, string(rune('a'+i)), nil)
		require.NoError(t, b.Emit(evt))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestBus_HandlerErrorIsIsolated(t *testing.T) {
	b := New(WithPollInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var secondCalled bool
	var mu sync.Mutex
	done := make(chan struct{})

	b.Subscribe(events.TypeTaskFailed, func(_ context.Context, _ events.Event) error {
		panic("boom")
	})
	b.Subscribe(events.TypeTaskFailed, func(_ context.Context, _ events.Event) error {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
		close(done)
		return nil
	})

	require.NoError(t, b.Emit(events.New(events.TypeTaskFailed, "t", nil)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, secondCalled, "a panicking handler must not prevent peer handlers from running")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(WithPollInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var calls int
	var mu sync.Mutex
	sub := b.Subscribe(events.TypeMessageReceived, func(_ context.Context, _ events.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	sub.Unsubscribe()

	require.NoError(t, b.Emit(events.New(events.TypeMessageReceived, "t", nil)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestBus_EmitAfterStopIsNoop(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Start(ctx)
	b.Stop()

	require.NoError(t, b.Emit(events.New(events.TypeMessageReceived, "t", nil)))
}
