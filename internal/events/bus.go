// Package events fans session and cache notifications out to the view layer
// and to optional out-of-process sinks.
package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"tally/internal/cache"
	"tally/internal/log"
)

// Type names an event.
type Type string

const (
	// SessionUnauthorized is emitted once per request rejected with 401.
	SessionUnauthorized Type = "session.unauthorized"
	// SessionChanged is emitted after every session state transition.
	SessionChanged Type = "session.changed"
	// CacheInvalidated is emitted after tagged cache reads were marked stale.
	CacheInvalidated Type = "cache.invalidated"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	At        time.Time `json:"at"`
	State     string    `json:"state,omitempty"`
	Username  string    `json:"username,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Keys      []string  `json:"keys,omitempty"`
}

// Handler receives events in-process.
type Handler func(Event)

// Sink receives every event for delivery elsewhere, e.g. a message broker.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type subscription struct {
	types []Type
	fn    Handler
}

// Bus delivers events synchronously, in emission order per goroutine.
// Handlers must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	sinks  []Sink
	logger *log.Logger
	now    func() time.Time
}

// NewBus creates a bus with no subscribers.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Discard()
	}
	return &Bus{
		subs:   make(map[int]subscription),
		logger: logger.WithComponent(log.ComponentEvents),
		now:    time.Now,
	}
}

// Subscribe registers fn for the given types, or for every event when no
// type is given.
func (b *Bus) Subscribe(fn Handler, types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{types: types, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// AddSink attaches a sink that receives all subsequent events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit stamps e and delivers it to handlers, then sinks. Sink failures are
// logged and never reach the emitter.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.types) == 0 || slices.Contains(s.types, e.Type) {
			handlers = append(handlers, s.fn)
		}
	}
	sinks := slices.Clone(b.sinks)
	b.mu.RUnlock()

	b.logger.DebugContext(ctx, "Emitting event", log.FieldEvent, string(e.Type), "handlers", len(handlers))

	for _, fn := range handlers {
		fn(e)
	}
	for _, s := range sinks {
		if err := s.Publish(context.WithoutCancel(ctx), e); err != nil {
			b.logger.WarnContext(ctx, "Failed to publish event",
				log.FieldEvent, string(e.Type),
				log.FieldError, err.Error(),
				log.FieldOperation, log.OpPublish)
		}
	}
}

// WatchCache re-emits invalidations of store as CacheInvalidated events.
func (b *Bus) WatchCache(store *cache.Store) (stop func()) {
	return store.Subscribe(func(inv cache.Invalidation) {
		tags := make([]string, len(inv.Tags))
		for i, t := range inv.Tags {
			tags[i] = string(t)
		}
		b.Emit(context.Background(), Event{
			Type: CacheInvalidated,
			Tags: tags,
			Keys: inv.Keys,
		})
	})
}
