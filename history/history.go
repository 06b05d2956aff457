// Package history records terminal task and session transitions for later
// inspection. The recorder feeds off the event bus, so it observes exactly
// what external subscribers observe.
package history

import (
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/event"
)

// Entry is one recorded terminal transition.
type Entry struct {
	EntityID  string         `json:"entity_id"`
	Category  event.Category `json:"category"`
	Status    string         `json:"status"`
	AgentID   string         `json:"agent_id,omitempty"`
	ErrorKind core.ErrorKind `json:"error_kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store is a volatile append-only record of terminal task and session
// statuses, stored in a process local slice plus a per-entity index. It is
// safe for concurrent access and best suited for tests, demos and
// inspection endpoints.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	byEntity map[string][]int
	limit    int
}

// NewStore constructs an empty history store. limit bounds retained entries;
// 0 means unbounded.
func NewStore(limit int) *Store {
	return &Store{byEntity: make(map[string][]int), limit: limit}
}

// Attach subscribes the store to bus, recording terminal task statuses and
// terminal session statuses. It returns the unsubscribe function.
func (s *Store) Attach(bus *event.Bus) func() {
	unsubTask := bus.Subscribe(event.CategoryTask, func(ev event.Event) {
		if core.TaskStatus(ev.Status).Terminal() {
			s.append(ev)
		}
	})
	unsubSession := bus.Subscribe(event.CategorySession, func(ev event.Event) {
		switch ev.Status {
		case "completed", "partial", "failed":
			s.append(ev)
		}
	})
	return func() {
		unsubTask()
		unsubSession()
	}
}

func (s *Store) append(ev event.Event) {
	e := Entry{
		EntityID:  ev.EntityID,
		Category:  ev.Category,
		Status:    ev.Status,
		AgentID:   ev.AgentID,
		ErrorKind: ev.ErrorKind,
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit > 0 && len(s.entries) >= s.limit {
		// Drop the oldest entry and rebuild the index offsets lazily by
		// recording absolute positions relative to dropped count.
		s.entries = append(s.entries[1:], e)
		s.reindexLocked()
		return
	}
	s.entries = append(s.entries, e)
	s.byEntity[e.EntityID] = append(s.byEntity[e.EntityID], len(s.entries)-1)
}

func (s *Store) reindexLocked() {
	s.byEntity = make(map[string][]int, len(s.byEntity))
	for i, e := range s.entries {
		s.byEntity[e.EntityID] = append(s.byEntity[e.EntityID], i)
	}
}

// All returns a copy of every retained entry in record order.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByEntity returns the retained entries for one task or session ID.
func (s *Store) ByEntity(entityID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byEntity[entityID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.entries[i])
	}
	return out
}

// Len reports the number of retained entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
