package event

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/framestack/internal/logging"
)

// Wildcard is the event type used by SubscribeAll.
const Wildcard = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	// scope restricts delivery to Scoped events of one frame tree. Empty
	// matches everything.
	scope string
}

func (s subscription) matches(e Event) bool {
	if s.scope == "" {
		return true
	}
	sc, ok := e.(Scoped)
	return ok && sc.EventScope() == s.scope
}

// Bus is a synchronous pub-sub event bus.
// The index publishes to it after every committed mutation so observers
// never touch storage directly.
type Bus struct {
	mu     sync.RWMutex
	byType map[string][]subscription
	nextID atomic.Uint64
	logger *logging.Logger

	published atomic.Uint64
	panics    atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		byType: make(map[string][]subscription),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type and returns an ID for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	return b.add(eventType, "", handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.add(Wildcard, "", handler)
}

// SubscribeScope registers a handler for every event of one scope. Events
// that do not implement Scoped are not delivered to it.
func (b *Bus) SubscribeScope(scope string, handler Handler) string {
	return b.add(Wildcard, scope, handler)
}

func (b *Bus) add(eventType, scope string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: b.nextID.Add(1), handler: handler, scope: scope}
	b.byType[eventType] = append(b.byType[eventType], sub)
	return formatID(sub.id)
}

func formatID(id uint64) string {
	return fmt.Sprintf("sub-%d", id)
}

// Unsubscribe removes a subscription by ID and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.byType {
		i := slices.IndexFunc(subs, func(s subscription) bool { return formatID(s.id) == id })
		if i < 0 {
			continue
		}
		subs = slices.Delete(slices.Clone(subs), i, i+1)
		if len(subs) == 0 {
			delete(b.byType, eventType)
		} else {
			b.byType[eventType] = subs
		}
		return true
	}
	return false
}

// Publish dispatches an event to its handlers on the calling goroutine.
// Handlers for the event's type run first, then wildcard and scope
// handlers, each group in registration order. A panicking handler is
// logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	// Slices are replaced, never mutated in place, so sharing them after
	// unlocking is safe.
	specific := b.byType[e.EventType()]
	wildcard := b.byType[Wildcard]
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range specific {
		b.deliver(sub, e)
	}
	for _, sub := range wildcard {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub subscription, e Event) {
	if !sub.matches(e) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"subscription", formatID(sub.id),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.byType {
		n += len(subs)
	}
	return n
}

// Stats counts published events and recovered handler panics.
type Stats struct {
	Published uint64
	Panics    uint64
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Panics: b.panics.Load()}
}
