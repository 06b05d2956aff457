package dispatch

import (
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/lifecycle"
	"github.com/taskmesh/taskmesh/logging"
)

// Strategy names a routing strategy.
type Strategy string

const (
	// StrategyBestMatch picks the highest composite score.
	StrategyBestMatch Strategy = "best_match"
	// StrategyLeastLoaded picks the lowest current load, composite score as
	// tie-break.
	StrategyLeastLoaded Strategy = "least_loaded"
	// StrategyRoundRobin rotates across eligible agents.
	StrategyRoundRobin Strategy = "round_robin"
)

// Router selects an agent for a task from a point-in-time set of agent
// snapshots. Eligibility is strict (schedulable state, declared capability,
// free capacity, the urgent-task success gate); preference among eligible
// agents is the strategy's business.
type Router struct {
	cfg      config.ScoringConfig
	registry *capability.Registry
	strategy Strategy
	logger   logging.Logger

	mu      sync.Mutex
	rrIndex uint64
}

// NewRouter builds a router from scoring configuration. The registry feeds
// the capability-binding term of the composite score; a nil registry leaves
// that term at the agent weight alone. An unknown strategy falls back to
// best match.
func NewRouter(cfg config.ScoringConfig, registry *capability.Registry, logger logging.Logger) *Router {
	s := Strategy(cfg.Strategy)
	switch s {
	case StrategyBestMatch, StrategyLeastLoaded, StrategyRoundRobin:
	default:
		s = StrategyBestMatch
	}
	return &Router{cfg: cfg, registry: registry, strategy: s, logger: logging.OrNoOp(logger)}
}

// SelectAgent returns the chosen agent's snapshot, or NoEligibleAgent when
// no agent passes the eligibility filters.
func (r *Router) SelectAgent(task core.Task, agents []lifecycle.Status) (lifecycle.Status, error) {
	capType := capability.Type(task.Capability)

	eligible := make([]lifecycle.Status, 0, len(agents))
	for _, a := range agents {
		if !a.State.Schedulable() {
			continue
		}
		if !a.HasCapability(capType) {
			continue
		}
		if a.Load >= a.Agent.MaxConcurrent {
			continue
		}
		if task.Priority == core.PriorityUrgent &&
			a.Performance.SuccessRate < r.cfg.UrgentSuccessFloor {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return lifecycle.Status{}, core.Errorf(core.KindNoEligibleAgent,
			"no eligible agent for capability %q at priority %d", task.Capability, task.Priority)
	}

	// Deterministic base order keeps strategy output stable across the
	// map-ordered snapshot.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Agent.ID < eligible[j].Agent.ID
	})

	var chosen lifecycle.Status
	switch r.strategy {
	case StrategyLeastLoaded:
		chosen = r.leastLoaded(task, eligible)
	case StrategyRoundRobin:
		chosen = r.roundRobin(eligible)
	default:
		chosen = r.bestMatch(task, eligible)
	}

	r.logger.Debug("agent selected",
		"task_id", task.ID, "agent_id", chosen.Agent.ID,
		"strategy", string(r.strategy), "eligible", len(eligible))
	return chosen, nil
}

func (r *Router) bestMatch(task core.Task, eligible []lifecycle.Status) lifecycle.Status {
	best := eligible[0]
	bestScore := r.Score(task, best)
	for _, a := range eligible[1:] {
		if s := r.Score(task, a); s > bestScore {
			best, bestScore = a, s
		}
	}
	return best
}

func (r *Router) leastLoaded(task core.Task, eligible []lifecycle.Status) lifecycle.Status {
	best := eligible[0]
	bestScore := r.Score(task, best)
	for _, a := range eligible[1:] {
		switch {
		case a.Load < best.Load:
			best, bestScore = a, r.Score(task, a)
		case a.Load == best.Load:
			if s := r.Score(task, a); s > bestScore {
				best, bestScore = a, s
			}
		}
	}
	return best
}

func (r *Router) roundRobin(eligible []lifecycle.Status) lifecycle.Status {
	r.mu.Lock()
	idx := r.rrIndex
	r.rrIndex++
	r.mu.Unlock()
	return eligible[idx%uint64(len(eligible))]
}

// Score computes the composite routing score for one agent: a weighted sum
// of capability proficiency (the agent weight scaled by the best binding
// score for the task's capability), smoothed success rate, load headroom
// and a priority-scaled latency affinity.
func (r *Router) Score(task core.Task, a lifecycle.Status) float64 {
	capScore := a.Agent.Weight
	if capScore <= 0 {
		capScore = 1
	}
	if capScore > 1 {
		capScore = 1
	}
	if r.registry != nil {
		if best := r.registry.BestScore(capability.Type(task.Capability)); best > 0 {
			capScore *= best
		}
	}

	perfScore := a.Performance.SuccessRate

	loadScore := 1.0
	if a.Agent.MaxConcurrent > 0 {
		loadScore = 1 - float64(a.Load)/float64(a.Agent.MaxConcurrent)
	}

	latencyScore := 1.0
	if base := r.cfg.LatencyBaseline; base > 0 && a.Performance.AvgLatency > 0 {
		latencyScore = float64(base) / float64(base+a.Performance.AvgLatency)
	}
	prioScore := latencyScore * float64(task.Priority) / float64(core.PriorityUrgent)

	return r.cfg.CapabilityWeight*capScore +
		r.cfg.PerformanceWeight*perfScore +
		r.cfg.LoadWeight*loadScore +
		r.cfg.PriorityWeight*prioScore
}
