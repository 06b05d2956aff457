package core

import "time"

// MessageType categorizes A2A envelopes exchanged within a collaboration
// session.
type MessageType string

const (
	// MessageSubtaskAssign notifies a participant that a sub-task was
	// dispatched on its behalf.
	MessageSubtaskAssign MessageType = "subtask_assign"
	// MessagePartialResult publishes a sub-task's output to the session's
	// partial-result map.
	MessagePartialResult MessageType = "partial_result"
	// MessageCancel propagates cancellation from the session root to an
	// unfinished sub-task.
	MessageCancel MessageType = "cancel"
	// MessageFault reports a sub-task failure to the session.
	MessageFault MessageType = "fault"
)

// Message is the inter-agent envelope used by the collaboration engine to
// coordinate sub-tasks. ReceiverID may be empty for session-wide broadcast.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	SenderID   string         `json:"sender_id"`
	ReceiverID string         `json:"receiver_id,omitempty"`
	Type       MessageType    `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewMessage constructs a timestamped envelope with a fresh ID.
func NewMessage(sessionID, senderID, receiverID string, mt MessageType, payload map[string]any) Message {
	return Message{
		ID:         NewID(),
		SessionID:  sessionID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       mt,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}
