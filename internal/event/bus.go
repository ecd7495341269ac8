// Package event provides the in-process implementation of plugin.EventBus
// used to fan vault change notifications out to subscribers.
package event

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/pkg/plugin"
)

var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus. Publish runs handlers in the caller's
// goroutine; PublishAsync runs each handler in its own goroutine and Wait
// blocks until those have returned. A panicking handler is logged and does
// not affect other handlers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	all    []subscription
	nextID uint64
	wg     sync.WaitGroup
	logger *zap.Logger
}

type subscription struct {
	id      uint64
	handler plugin.EventHandler
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger,
	}
}

// Publish delivers event synchronously to topic and wildcard subscribers.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	for _, s := range b.matching(event.Topic) {
		b.deliver(ctx, s.handler, event)
	}
	return nil
}

// PublishAsync delivers event to each subscriber on its own goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	for _, s := range b.matching(event.Topic) {
		b.wg.Add(1)
		go func(h plugin.EventHandler) {
			defer b.wg.Done()
			b.deliver(ctx, h, event)
		}(s.handler)
	}
}

// Wait blocks until all handlers started by PublishAsync have returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Subscribe registers handler for topic and returns its unsubscribe func.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = remove(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// matching snapshots the subscribers for topic so handlers may
// subscribe or unsubscribe while being called.
func (b *Bus) matching(topic string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]subscription, 0, len(b.topics[topic])+len(b.all))
	out = append(out, b.topics[topic]...)
	return append(out, b.all...)
}

func (b *Bus) deliver(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}

func remove(subs []subscription, id uint64) []subscription {
	return slices.DeleteFunc(subs, func(s subscription) bool { return s.id == id })
}
