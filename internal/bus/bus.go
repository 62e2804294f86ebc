// Package bus implements the Event Bus: a priority queue dispatcher feeding
// a single consumption loop. Handlers for the same event run concurrently;
// across events, dispatch is strict priority order with FIFO within a class.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/logging"
)

// Handler is invoked for each dispatched event. A returned error is logged
// and swallowed — it never propagates to peer handlers or the consumer loop.
type Handler func(ctx context.Context, evt events.Event) error

// Subscription identifies a registered handler so it can later be removed.
type Subscription struct {
	ID          string
	eventType   events.EventType
	wildcard    bool
	unsubscribe func()
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

type subscription struct {
	id      string
	handler Handler
}

type typedSubs = map[events.EventType]map[string]subscription

// Option configures a Bus.
type Option func(*Bus)

// WithHistory enables bounded retention of dispatched events for debugging
// and test assertions. cap <= 0 disables retention (the default).
func WithHistory(cap int) Option {
	return func(b *Bus) {
		b.historyCap = cap
		if cap > 0 {
			b.history = make([]events.Event, 0, cap)
		}
	}
}

// WithPollInterval overrides the bounded poll timeout the consumer loop uses
// to recheck shutdown state while idle. Default is 200ms.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.pollInterval = d }
}

// Bus is a single-consumer priority queue dispatcher with no backpressure on
// Emit. Construct with New, then Start before emitting, and Stop to shut
// down gracefully.
type Bus struct {
	mu    sync.Mutex
	items priorityHeap
	seq   int64

	subs      atomic.Pointer[typedSubs]
	wildcards atomic.Pointer[map[string]subscription]

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	pollInterval time.Duration

	historyMu  sync.Mutex
	history    []events.Event
	historyCap int
}

// New constructs a Bus. Call Start to begin dispatching.
func New(opts ...Option) *Bus {
	b := &Bus{
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		pollInterval: 200 * time.Millisecond,
	}
	emptyTyped := make(typedSubs)
	b.subs.Store(&emptyTyped)
	emptyWild := make(map[string]subscription)
	b.wildcards.Store(&emptyWild)

	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType. Returns a Subscription usable
// to unsubscribe.
func (b *Bus) Subscribe(eventType events.EventType, handler Handler) Subscription {
	id := uuid.New().String()
	for {
		old := b.subs.Load()
		next := make(typedSubs, len(*old))
		for t, m := range *old {
			next[t] = m
		}
		existing := next[eventType]
		cp := make(map[string]subscription, len(existing)+1)
		for k, v := range existing {
			cp[k] = v
		}
		cp[id] = subscription{id: id, handler: handler}
		next[eventType] = cp
		if b.subs.CompareAndSwap(old, &next) {
			break
		}
	}
	return Subscription{ID: id, eventType: eventType, unsubscribe: func() { b.unsubscribeTyped(eventType, id) }}
}

// SubscribeWildcard registers a handler invoked for every dispatched event,
// in addition to any type-specific handlers.
func (b *Bus) SubscribeWildcard(handler Handler) Subscription {
	id := uuid.New().String()
	for {
		old := b.wildcards.Load()
		next := make(map[string]subscription, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[id] = subscription{id: id, handler: handler}
		if b.wildcards.CompareAndSwap(old, &next) {
			break
		}
	}
	return Subscription{ID: id, wildcard: true, unsubscribe: func() { b.unsubscribeWildcard(id) }}
}

// Unsubscribe removes a subscription. Equivalent to calling sub.Unsubscribe().
func (b *Bus) Unsubscribe(sub Subscription) {
	sub.Unsubscribe()
}

func (b *Bus) unsubscribeTyped(eventType events.EventType, id string) {
	for {
		old := b.subs.Load()
		m, ok := (*old)[eventType]
		if !ok {
			return
		}
		if _, ok := m[id]; !ok {
			return
		}
		next := make(typedSubs, len(*old))
		for t, v := range *old {
			next[t] = v
		}
		cp := make(map[string]subscription, len(m))
		for k, v := range m {
			if k != id {
				cp[k] = v
			}
		}
		if len(cp) == 0 {
			delete(next, eventType)
		} else {
			next[eventType] = cp
		}
		if b.subs.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (b *Bus) unsubscribeWildcard(id string) {
	for {
		old := b.wildcards.Load()
		if _, ok := (*old)[id]; !ok {
			return
		}
		next := make(map[string]subscription, len(*old))
		for k, v := range *old {
			if k != id {
				next[k] = v
			}
		}
		if b.wildcards.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Emit enqueues evt for dispatch and returns immediately; there is no
// backpressure. Emit after Stop is a silent no-op.
func (b *Bus) Emit(evt events.Event) error {
	if b.stopped.Load() {
		return nil
	}
	b.mu.Lock()
	b.seq++
	heap.Push(&b.items, &item{evt: evt, seq: b.seq})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the single consumption loop. It returns immediately; the
// loop runs until Stop is called or ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.run(ctx)
}

// Stop signals shutdown and blocks until the consumption loop exits.
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		<-b.doneCh
		return
	}
	close(b.stopCh)
	<-b.doneCh
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		if b.items.Len() > 0 {
			it := heap.Pop(&b.items).(*item)
			b.mu.Unlock()
			b.dispatch(ctx, it.evt)
			continue
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

// dispatch invokes the specific and wildcard handlers for evt concurrently,
// awaiting all of them before returning (the loop advances to the next event
// only once the current one's handlers have all completed).
func (b *Bus) dispatch(ctx context.Context, evt events.Event) {
	b.recordHistory(evt)

	typed := b.subs.Load()
	specific := (*typed)[evt.Type]
	wild := *b.wildcards.Load()

	var wg sync.WaitGroup
	run := func(h Handler) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("bus: handler panic for event %s: %v", evt.Type, r)
			}
		}()
		if err := h(ctx, evt); err != nil {
			logging.Errorf("bus: handler error for event %s: %v", evt.Type, err)
		}
	}

	for _, s := range specific {
		wg.Add(1)
		go run(s.handler)
	}
	for _, s := range wild {
		wg.Add(1)
		go run(s.handler)
	}
	wg.Wait()
}

func (b *Bus) recordHistory(evt events.Event) {
	if b.historyCap <= 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	if len(b.history) == b.historyCap {
		b.history = b.history[1:]
	}
	b.history = append(b.history, evt)
}

// History returns a snapshot of the most recently dispatched events, oldest
// first. Empty unless WithHistory was configured.
func (b *Bus) History() []events.Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]events.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WaitForTaskCreated polls History (intended for callers like Agent.submit
// that need to observe the taskId assigned to an event they just emitted)
// until a TASK_CREATED event whose ParentEventID matches causeEventID shows
// up, or the timeout elapses.
func (b *Bus) WaitForTaskCreated(ctx context.Context, causeEventID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, evt := range b.History() {
			if evt.Type == events.TypeTaskCreated && evt.ParentEventID == causeEventID {
				return evt.TaskID, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("bus: timed out waiting for TASK_CREATED caused by %s", causeEventID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
