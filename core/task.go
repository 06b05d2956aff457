package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders tasks at admission. Higher values dispatch first;
// within a tier tasks dispatch in submission order.
type TaskPriority int

const (
	// PriorityLow is background work that may wait behind everything else.
	PriorityLow TaskPriority = 1
	// PriorityNormal is the default priority for submitted tasks.
	PriorityNormal TaskPriority = 2
	// PriorityHigh jumps ahead of normal and low traffic.
	PriorityHigh TaskPriority = 3
	// PriorityUrgent preempts all other tiers and is additionally gated to
	// agents with a proven success rate.
	PriorityUrgent TaskPriority = 4
)

// Valid reports whether the priority is one of the four defined tiers.
func (p TaskPriority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

// String returns the lowercase tier name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// TaskStatus tracks a task through its lifecycle. Terminal statuses are
// immutable: once a task is Completed, Failed or Cancelled no further
// transition is permitted.
type TaskStatus string

const (
	// StatusPending means the task is queued awaiting dispatch.
	StatusPending TaskStatus = "pending"
	// StatusAssigned means an agent has been selected but execution has not begun.
	StatusAssigned TaskStatus = "assigned"
	// StatusRunning means the task is executing against its agent's model.
	StatusRunning TaskStatus = "running"
	// StatusCompleted is the successful terminal status.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed is the unsuccessful terminal status; the task carries the
	// originating error kind and reason.
	StatusFailed TaskStatus = "failed"
	// StatusCancelled is the terminal status of user or system cancellation.
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload is the capability-typed request content handed to a model backend.
// Params carries capability-specific parameters; collaboration executors also
// use it to inject upstream sub-task results.
type Payload struct {
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`
}

// Clone returns a deep-enough copy: the params map is copied so executors can
// inject context without mutating the caller's payload.
func (p Payload) Clone() Payload {
	cp := Payload{Prompt: p.Prompt}
	if p.Params != nil {
		cp.Params = make(map[string]any, len(p.Params))
		for k, v := range p.Params {
			cp.Params[k] = v
		}
	}
	return cp
}

// Task is a unit of routable work. Capability names the required capability
// type; the router only considers agents declaring it. SessionID links a
// sub-task back to its collaboration session and is empty for standalone
// tasks.
type Task struct {
	ID          string         `json:"id"`
	Capability  string         `json:"capability"`
	Payload     Payload        `json:"payload"`
	Priority    TaskPriority   `json:"priority"`
	SessionID   string         `json:"session_id,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Usage captures token accounting reported by a model backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the terminal outcome of a successfully executed task. AgentID and
// ModelID identify who produced the output; Latency is the end-to-end model
// call duration used for score updates.
type Result struct {
	TaskID      string        `json:"task_id"`
	AgentID     string        `json:"agent_id"`
	ModelID     string        `json:"model_id"`
	Output      string        `json:"output"`
	Usage       Usage         `json:"usage"`
	Latency     time.Duration `json:"latency"`
	CompletedAt time.Time     `json:"completed_at"`
}

// NewID generates a unique identifier for tasks, sessions, events and
// messages.
func NewID() string { return uuid.NewString() }
