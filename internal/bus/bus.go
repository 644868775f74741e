package bus

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives events delivered by the bus.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is synchronous: Publish returns after every matching handler ran,
// in the order the handlers were registered.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	id        int
	namespace string
	handler   Handler
	active    atomic.Bool
}

// New creates a new event bus. A nil logger discards handler panics silently.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Publish delivers an event to all subscribers whose namespace is a prefix of event.Kind.
// A panicking handler is logged and skipped; the remaining handlers still run.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() || !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("kind", evt.Kind),
				zap.String("namespace", sub.namespace),
				zap.Int("subscription", sub.id),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.handler(evt)
}

// Subscribe registers handler for events whose kind starts with namespace.
// An empty namespace matches every event. The returned function unsubscribes;
// it is idempotent and safe to call from inside a handler.
func (b *Bus) Subscribe(namespace string, handler Handler) func() {
	sub := &subscription{namespace: namespace, handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		if !sub.active.Swap(false) {
			return
		}
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
		b.mu.Unlock()
	}
}

// Stream returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer; events are dropped when the buffer is full.
// Returns the channel and an unsubscribe function.
func (b *Bus) Stream(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsub := b.Subscribe(namespace, func(evt Event) {
		select {
		case ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	})
	return ch, unsub
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
