package lifecycle

import (
	"time"

	"github.com/taskmesh/taskmesh/capability"
)

// State enumerates the agent lifecycle states.
type State string

const (
	// StateCreated is the initial state after a successful Create.
	StateCreated State = "created"
	// StateInitializing is transient between Start and Ready.
	StateInitializing State = "initializing"
	// StateReady means the agent is healthy with no in-flight tasks.
	StateReady State = "ready"
	// StateRunning means the agent has at least one in-flight task.
	StateRunning State = "running"
	// StateStopping is transient while in-flight tasks drain.
	StateStopping State = "stopping"
	// StateStopped is terminal until an explicit restart.
	StateStopped State = "stopped"
	// StateRecovering is transient while a fault recovery attempt runs.
	StateRecovering State = "recovering"
	// StateError holds faulted agents; it is terminal once recovery attempts
	// are exhausted.
	StateError State = "error"
)

// Schedulable reports whether the router may hand tasks to an agent in this
// state.
func (s State) Schedulable() bool { return s == StateReady || s == StateRunning }

// Agent declares an agent instance: its identity, capability set and
// scheduling knobs. Weight biases the router's priority term; MaxConcurrent
// caps in-flight tasks (0 selects the configured default).
type Agent struct {
	ID            string            `json:"id"`
	Capabilities  []capability.Type `json:"capabilities"`
	Weight        float64           `json:"weight"`
	MaxConcurrent int               `json:"max_concurrent"`
}

// Performance is the smoothed per-agent execution summary maintained from
// task outcomes. SuccessRate starts optimistic so new agents receive traffic.
type Performance struct {
	AvgLatency  time.Duration `json:"avg_latency"`
	SuccessRate float64       `json:"success_rate"`
	TotalTasks  uint64        `json:"total_tasks"`
	FailedTasks uint64        `json:"failed_tasks"`
}

// Status is a point-in-time snapshot of one agent handed to the router and
// to observers. It is a value copy, safe to retain.
type Status struct {
	Agent       Agent       `json:"agent"`
	State       State       `json:"state"`
	Load        int         `json:"load"`
	Performance Performance `json:"performance"`
	Faults      int         `json:"faults"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// HasCapability reports whether the agent declares the capability type.
func (s Status) HasCapability(t capability.Type) bool {
	for _, c := range s.Agent.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}
