package collab

import (
	"time"

	"github.com/taskmesh/taskmesh/core"
)

// Pattern names a collaboration pattern.
type Pattern string

const (
	// Sequential runs sub-tasks as a pipeline; each receives its
	// predecessor's output and the first failure aborts the rest.
	Sequential Pattern = "sequential"
	// Parallel fans sub-tasks out concurrently and tolerates partial
	// failure.
	Parallel Pattern = "parallel"
	// Hierarchical runs worker sub-tasks in parallel, then feeds their
	// outputs to a coordinator sub-task whose verdict is final.
	Hierarchical Pattern = "hierarchical"
	// PeerToPeer runs sub-tasks with explicit dependencies; dependency
	// cycles and stalled waits surface as DeadlockDetected.
	PeerToPeer Pattern = "peer_to_peer"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case Sequential, Parallel, Hierarchical, PeerToPeer:
		return true
	}
	return false
}

// SubTask describes one unit of a collaboration request. DependsOn is only
// meaningful for PeerToPeer sessions.
type SubTask struct {
	ID         string            `json:"id"`
	Capability string            `json:"capability"`
	Payload    core.Payload      `json:"payload"`
	Priority   core.TaskPriority `json:"priority,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
}

// Request describes a collaboration session. Coordinator is required for
// Hierarchical sessions and rejected elsewhere.
type Request struct {
	Pattern     Pattern       `json:"pattern"`
	SubTasks    []SubTask     `json:"subtasks"`
	Coordinator *SubTask      `json:"coordinator,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// SessionStatus is the aggregate outcome of a session.
type SessionStatus string

const (
	// SessionRunning means sub-tasks are still in flight.
	SessionRunning SessionStatus = "running"
	// SessionCompleted means every sub-task succeeded.
	SessionCompleted SessionStatus = "completed"
	// SessionPartial means some sub-tasks succeeded and the pattern
	// tolerates the failures.
	SessionPartial SessionStatus = "partial"
	// SessionFailed means the session did not reach its goal. Results of
	// sub-tasks that did complete are still reported.
	SessionFailed SessionStatus = "failed"
)

// SessionResult is the terminal report of a collaboration session. Results
// and Errors are keyed by sub-task ID; the coordinator's entries use the
// coordinator sub-task's ID.
type SessionResult struct {
	SessionID   string                  `json:"session_id"`
	Pattern     Pattern                 `json:"pattern"`
	Status      SessionStatus           `json:"status"`
	Results     map[string]*core.Result `json:"results"`
	Errors      map[string]error        `json:"-"`
	Messages    []core.Message          `json:"messages,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// Output returns the result output for a sub-task, or "".
func (r *SessionResult) Output(subTaskID string) string {
	if res, ok := r.Results[subTaskID]; ok && res != nil {
		return res.Output
	}
	return ""
}

func (r Request) validate() error {
	if !r.Pattern.Valid() {
		return core.Errorf(core.KindConfigurationInvalid, "unknown collaboration pattern %q", string(r.Pattern))
	}
	if len(r.SubTasks) == 0 {
		return core.NewError(core.KindConfigurationInvalid, "collaboration requires at least one subtask")
	}

	ids := make(map[string]struct{}, len(r.SubTasks))
	for _, st := range r.SubTasks {
		if st.ID == "" {
			return core.NewError(core.KindConfigurationInvalid, "subtask requires an id")
		}
		if st.Capability == "" {
			return core.Errorf(core.KindConfigurationInvalid, "subtask %q requires a capability", st.ID)
		}
		if _, dup := ids[st.ID]; dup {
			return core.Errorf(core.KindConfigurationInvalid, "duplicate subtask id %q", st.ID)
		}
		ids[st.ID] = struct{}{}
	}

	switch r.Pattern {
	case Hierarchical:
		if r.Coordinator == nil {
			return core.NewError(core.KindConfigurationInvalid, "hierarchical collaboration requires a coordinator")
		}
		if r.Coordinator.Capability == "" {
			return core.NewError(core.KindConfigurationInvalid, "coordinator requires a capability")
		}
		if _, clash := ids[r.Coordinator.ID]; clash {
			return core.Errorf(core.KindConfigurationInvalid, "coordinator id %q clashes with a subtask", r.Coordinator.ID)
		}
	default:
		if r.Coordinator != nil {
			return core.Errorf(core.KindConfigurationInvalid, "pattern %q does not take a coordinator", string(r.Pattern))
		}
	}

	if r.Pattern == PeerToPeer {
		for _, st := range r.SubTasks {
			for _, dep := range st.DependsOn {
				if dep == st.ID {
					return core.Errorf(core.KindDeadlockDetected, "subtask %q depends on itself", st.ID)
				}
				if _, ok := ids[dep]; !ok {
					return core.Errorf(core.KindConfigurationInvalid,
						"subtask %q depends on unknown subtask %q", st.ID, dep)
				}
			}
		}
		if cycle := findCycle(r.SubTasks); cycle != "" {
			return core.Errorf(core.KindDeadlockDetected, "dependency cycle through subtask %q", cycle)
		}
	} else {
		for _, st := range r.SubTasks {
			if len(st.DependsOn) > 0 {
				return core.Errorf(core.KindConfigurationInvalid,
					"pattern %q does not support dependencies (subtask %q)", string(r.Pattern), st.ID)
			}
		}
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns a
// sub-task ID on a cycle, or "".
func findCycle(subtasks []SubTask) string {
	deps := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		deps[st.ID] = st.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, st := range subtasks {
		if color[st.ID] == white {
			if hit := visit(st.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
