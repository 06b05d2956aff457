package capability

import "time"

// Type tags a capability with its functional class, e.g. "text-generation"
// or "code-generation". Tasks request capabilities by type.
type Type string

// Common capability types. The registry accepts arbitrary types; these cover
// the built-in agent templates.
const (
	TypeTextGeneration    Type = "text-generation"
	TypeCodeGeneration    Type = "code-generation"
	TypeSummarization     Type = "text-summarization"
	TypeTranslation       Type = "translation"
	TypeQuestionAnswering Type = "question-answering"
)

// Capability is a named unit of AI functionality. Parameters declare the
// capability's accepted inputs for documentation and validation by callers;
// the registry treats them as opaque.
type Capability struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Binding is a snapshot of a (capability, model) association and its current
// performance summary. Score drives ranking; Latency and SuccessRate are the
// smoothed components behind it. Snapshots are value copies, safe to retain.
type Binding struct {
	CapabilityID string        `json:"capability_id"`
	ModelID      string        `json:"model_id"`
	Score        float64       `json:"score"`
	Latency      time.Duration `json:"latency"`
	SuccessRate  float64       `json:"success_rate"`
	Invocations  uint64        `json:"invocations"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
