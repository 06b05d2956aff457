package collab

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/logging"
)

// session is the run-state of one collaboration. The partial-result map and
// message log are shared across sub-task goroutines behind one mutex; peer
// dependencies block on per-sub-task completion channels.
type session struct {
	id      string
	pattern Pattern
	bus     *event.Bus
	logger  logging.Logger

	mu      sync.Mutex
	results map[string]*core.Result
	errs    map[string]error
	msgs    []core.Message
	doneCh  map[string]chan struct{}
	started time.Time
}

func newSession(id string, pattern Pattern, subtasks []SubTask, bus *event.Bus, logger logging.Logger) *session {
	s := &session{
		id:      id,
		pattern: pattern,
		bus:     bus,
		logger:  logger,
		results: make(map[string]*core.Result, len(subtasks)),
		errs:    make(map[string]error, len(subtasks)),
		doneCh:  make(map[string]chan struct{}, len(subtasks)),
		started: time.Now().UTC(),
	}
	for _, st := range subtasks {
		s.doneCh[st.ID] = make(chan struct{})
	}
	return s
}

// send appends an A2A envelope to the session log and mirrors it on the bus
// for observers. SenderID "session" marks engine-originated messages.
func (s *session) send(senderID, receiverID string, mt core.MessageType, payload map[string]any) {
	msg := core.NewMessage(s.id, senderID, receiverID, mt, payload)

	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	if s.bus != nil {
		ev := event.New(event.CategoryA2A, s.id, string(mt))
		ev.AgentID = senderID
		ev.Meta = map[string]any{
			"message_id":  msg.ID,
			"receiver_id": receiverID,
			"payload":     payload,
		}
		s.bus.Publish(ev)
	}
}

// record stores a sub-task's terminal outcome exactly once and unblocks its
// waiters. Successful outputs are also broadcast as partial results.
func (s *session) record(subTaskID string, res *core.Result, err error) {
	s.mu.Lock()
	if _, seen := s.errs[subTaskID]; seen {
		s.mu.Unlock()
		return
	}
	if _, seen := s.results[subTaskID]; seen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.errs[subTaskID] = err
	} else {
		s.results[subTaskID] = res
	}
	ch, ok := s.doneCh[subTaskID]
	s.mu.Unlock()

	if err != nil {
		s.send(subTaskID, "", core.MessageFault, map[string]any{
			"error_kind": string(core.KindOf(err)),
			"reason":     core.ReasonOf(err),
		})
	} else if res != nil {
		s.send(subTaskID, "", core.MessagePartialResult, map[string]any{
			"output": res.Output,
		})
	}
	if ok {
		close(ch)
	}
}

// waitFor blocks until the named sub-task is terminal. A context expiry
// while still waiting reports DeadlockDetected, which covers stalled
// peer-to-peer chains.
func (s *session) waitFor(ctx context.Context, subTaskID string) (*core.Result, error) {
	s.mu.Lock()
	ch, ok := s.doneCh[subTaskID]
	s.mu.Unlock()
	if !ok {
		return nil, core.Errorf(core.KindCollaboration, "unknown subtask %q", subTaskID)
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, core.Errorf(core.KindDeadlockDetected,
			"timed out waiting for subtask %q", subTaskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, failed := s.errs[subTaskID]; failed {
		return nil, err
	}
	return s.results[subTaskID], nil
}

// outcome freezes the session into its terminal report. allOf is the number
// of primary sub-tasks expected to succeed for a Completed verdict.
func (s *session) outcome(allOf int) *SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	succeeded := len(s.results)
	status := SessionFailed
	switch {
	case succeeded >= allOf && len(s.errs) == 0:
		status = SessionCompleted
	case succeeded > 0:
		status = SessionPartial
	}

	results := make(map[string]*core.Result, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	errs := make(map[string]error, len(s.errs))
	for k, v := range s.errs {
		errs[k] = v
	}
	msgs := make([]core.Message, len(s.msgs))
	copy(msgs, s.msgs)

	return &SessionResult{
		SessionID:   s.id,
		Pattern:     s.pattern,
		Status:      status,
		Results:     results,
		Errors:      errs,
		Messages:    msgs,
		StartedAt:   s.started,
		CompletedAt: time.Now().UTC(),
	}
}
