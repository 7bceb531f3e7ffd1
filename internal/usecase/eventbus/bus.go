// Package eventbus fans bridge events out to in-process subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"slack-ircd/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutine so a slow subscriber never stalls the IRC or webhook paths.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	closed  bool

	nextID  atomic.Uint64
	dropped atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish hands event to every matching subscriber. The handlers get a
// context detached from ctx's cancellation: publishers are usually request
// scoped and return before subscribers run.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sub := range b.typed[event.Type] {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.dispatch(ctx, event, sub)
	}
}

// dispatch must be called with b.mu held for reading so Close cannot start
// waiting between the closed check and wg.Add.
func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = slices.DeleteFunc(b.typed[eventType], func(s subscription) bool { return s.id == id })
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = slices.DeleteFunc(b.allSubs, func(s subscription) bool { return s.id == id })
	}
}

// Dropped counts events published after Close.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close rejects further publishes and waits for in-flight handlers.
// It is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()

	if already {
		return
	}
	b.wg.Wait()
}
