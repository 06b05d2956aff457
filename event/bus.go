package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/logging"
)

// Category partitions the event stream so observers can subscribe to one
// entity class without filtering the rest.
type Category string

const (
	// CategoryAgent carries agent lifecycle state transitions.
	CategoryAgent Category = "agent_status"
	// CategoryTask carries task status transitions.
	CategoryTask Category = "task_status"
	// CategorySession carries collaboration session aggregate transitions.
	CategorySession Category = "session_status"
	// CategoryA2A carries inter-agent message envelopes for inspection.
	CategoryA2A Category = "a2a"
)

// Event is a single status-change notification. EntityID names the agent,
// task or session; Status is the new state; Reason and ErrorKind are set on
// failure transitions.
type Event struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	EntityID  string         `json:"entity_id"`
	Status    string         `json:"status"`
	AgentID   string         `json:"agent_id,omitempty"`
	ErrorKind core.ErrorKind `json:"error_kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// New constructs a timestamped event.
func New(cat Category, entityID, status string) Event {
	return Event{
		ID:        core.NewID(),
		Category:  cat,
		EntityID:  entityID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// Handler consumes one event. Handlers run on dedicated goroutines and must
// not assume ordering across entities.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process, goroutine-safe event bus with per-category and
// catch-all subscriptions. Panicking handlers are recovered so one misbehaving
// observer cannot take down the engine.
type Bus struct {
	mu      sync.RWMutex
	typed   map[Category][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  logging.Logger
	wg      sync.WaitGroup
	closed  bool
}

// NewBus creates an event bus. A nil logger is replaced with a no-op.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		typed:  make(map[Category][]subscription),
		logger: logging.OrNoOp(logger),
	}
}

// Publish fans an event out to matching typed subscribers and catch-all
// subscribers. Each handler is invoked in its own goroutine; Publish never
// blocks on slow observers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	typed := make([]subscription, len(b.typed[ev.Category]))
	copy(typed, b.typed[ev.Category])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	// Reserve the handler slots while still holding the lock so Close
	// cannot observe a zero counter between the closed check and the Add.
	b.wg.Add(len(typed) + len(allSubs))
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(ev, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(ev, sub)
	}
}

func (b *Bus) dispatch(ev Event, sub subscription) {
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"category", string(ev.Category),
					"entity_id", ev.EntityID,
					"panic", r,
				)
			}
		}()
		sub.handler(ev)
	}()
}

// Subscribe registers a handler for a single category. It returns an
// unsubscribe function; calling it more than once is harmless.
func (b *Bus) Subscribe(cat Category, h Handler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: h}

	b.mu.Lock()
	b.typed[cat] = append(b.typed[cat], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[cat]
		for i, s := range subs {
			if s.id == id {
				b.typed[cat] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every category.
func (b *Bus) SubscribeAll(h Handler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: h}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Close stops accepting new events and waits for in-flight handlers to
// return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
