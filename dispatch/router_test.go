package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/lifecycle"
)

func agentStatus(id string, state lifecycle.State, load int, opts ...func(*lifecycle.Status)) lifecycle.Status {
	st := lifecycle.Status{
		Agent: lifecycle.Agent{
			ID:            id,
			Capabilities:  []capability.Type{capability.TypeTextGeneration},
			MaxConcurrent: 4,
		},
		State:       state,
		Load:        load,
		Performance: lifecycle.Performance{SuccessRate: 1},
	}
	for _, fn := range opts {
		fn(&st)
	}
	return st
}

func genTask(p core.TaskPriority) core.Task {
	return core.Task{ID: "t1", Capability: string(capability.TypeTextGeneration), Priority: p}
}

func TestRouter_SelectAgent_EligibilityFilters(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	agents := []lifecycle.Status{
		agentStatus("stopped", lifecycle.StateStopped, 0),
		agentStatus("full", lifecycle.StateReady, 4),
		agentStatus("wrong-cap", lifecycle.StateReady, 0, func(st *lifecycle.Status) {
			st.Agent.Capabilities = []capability.Type{capability.TypeTranslation}
		}),
		agentStatus("ok", lifecycle.StateReady, 1),
	}

	chosen, err := r.SelectAgent(genTask(core.PriorityNormal), agents)
	require.NoError(t, err)
	assert.Equal(t, "ok", chosen.Agent.ID)
}

func TestRouter_SelectAgent_NoEligibleAgent(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	_, err := r.SelectAgent(genTask(core.PriorityNormal), []lifecycle.Status{
		agentStatus("stopped", lifecycle.StateStopped, 0),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindNoEligibleAgent, core.KindOf(err))

	_, err = r.SelectAgent(genTask(core.PriorityNormal), nil)
	require.Error(t, err)
	assert.Equal(t, core.KindNoEligibleAgent, core.KindOf(err))
}

func TestRouter_SelectAgent_RunningAgentsAreEligible(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	chosen, err := r.SelectAgent(genTask(core.PriorityNormal), []lifecycle.Status{
		agentStatus("busy", lifecycle.StateRunning, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, "busy", chosen.Agent.ID)
}

func TestRouter_SelectAgent_UrgentSuccessGate(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	flaky := agentStatus("flaky", lifecycle.StateReady, 0, func(st *lifecycle.Status) {
		st.Performance.SuccessRate = 0.5
	})
	solid := agentStatus("solid", lifecycle.StateReady, 3, func(st *lifecycle.Status) {
		st.Performance.SuccessRate = 0.95
	})

	// Normal tasks may use the flaky agent.
	chosen, err := r.SelectAgent(genTask(core.PriorityNormal), []lifecycle.Status{flaky})
	require.NoError(t, err)
	assert.Equal(t, "flaky", chosen.Agent.ID)

	// Urgent tasks are gated to agents above the success floor.
	chosen, err = r.SelectAgent(genTask(core.PriorityUrgent), []lifecycle.Status{flaky, solid})
	require.NoError(t, err)
	assert.Equal(t, "solid", chosen.Agent.ID)

	_, err = r.SelectAgent(genTask(core.PriorityUrgent), []lifecycle.Status{flaky})
	require.Error(t, err)
	assert.Equal(t, core.KindNoEligibleAgent, core.KindOf(err))
}

func TestRouter_BestMatch_PrefersPerformance(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	weak := agentStatus("weak", lifecycle.StateReady, 0, func(st *lifecycle.Status) {
		st.Performance.SuccessRate = 0.4
	})
	strong := agentStatus("strong", lifecycle.StateReady, 0, func(st *lifecycle.Status) {
		st.Performance.SuccessRate = 0.99
	})

	chosen, err := r.SelectAgent(genTask(core.PriorityNormal), []lifecycle.Status{weak, strong})
	require.NoError(t, err)
	assert.Equal(t, "strong", chosen.Agent.ID)
}

func TestRouter_BestMatch_PrefersHeadroom(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	busy := agentStatus("busy", lifecycle.StateRunning, 3)
	idle := agentStatus("idle", lifecycle.StateReady, 0)

	chosen, err := r.SelectAgent(genTask(core.PriorityNormal), []lifecycle.Status{busy, idle})
	require.NoError(t, err)
	assert.Equal(t, "idle", chosen.Agent.ID)
}

func TestRouter_Score_UsesBindingScore(t *testing.T) {
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Capability{ID: "gen", Type: capability.TypeTextGeneration}))
	require.NoError(t, reg.Bind("gen", "m1", 0.5))

	cfg := config.Default().Scoring
	with := NewRouter(cfg, reg, nil)
	without := NewRouter(cfg, nil, nil)

	st := agentStatus("a", lifecycle.StateReady, 0)
	task := genTask(core.PriorityNormal)

	// A binding score below 1 discounts the capability term by the same
	// factor.
	assert.Less(t, with.Score(task, st), without.Score(task, st))
	assert.InDelta(t, cfg.CapabilityWeight*0.5, without.Score(task, st)-with.Score(task, st), 1e-9)

	// A capability with no binding leaves the term at the agent weight.
	empty := capability.NewRegistry()
	require.NoError(t, empty.Register(capability.Capability{ID: "gen", Type: capability.TypeTextGeneration}))
	unbound := NewRouter(cfg, empty, nil)
	assert.Equal(t, without.Score(task, st), unbound.Score(task, st))
}

func TestRouter_Score_LatencyAffectsUrgentMore(t *testing.T) {
	r := NewRouter(config.Default().Scoring, nil, nil)

	slow := agentStatus("slow", lifecycle.StateReady, 0, func(st *lifecycle.Status) {
		st.Performance.AvgLatency = 5 * time.Second
	})
	fast := agentStatus("fast", lifecycle.StateReady, 0, func(st *lifecycle.Status) {
		st.Performance.AvgLatency = 50 * time.Millisecond
	})

	urgentGap := r.Score(genTask(core.PriorityUrgent), fast) - r.Score(genTask(core.PriorityUrgent), slow)
	lowGap := r.Score(genTask(core.PriorityLow), fast) - r.Score(genTask(core.PriorityLow), slow)
	assert.Greater(t, urgentGap, lowGap)
}

func TestRouter_LeastLoaded(t *testing.T) {
	cfg := config.Default().Scoring
	cfg.Strategy = "least_loaded"
	r := NewRouter(cfg, nil, nil)

	chosen, err := r.SelectAgent(genTask(core.PriorityNormal), []lifecycle.Status{
		agentStatus("a", lifecycle.StateRunning, 3),
		agentStatus("b", lifecycle.StateRunning, 1),
		agentStatus("c", lifecycle.StateRunning, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, "b", chosen.Agent.ID)
}

func TestRouter_RoundRobin(t *testing.T) {
	cfg := config.Default().Scoring
	cfg.Strategy = "round_robin"
	r := NewRouter(cfg, nil, nil)

	agents := []lifecycle.Status{
		agentStatus("a", lifecycle.StateReady, 0),
		agentStatus("b", lifecycle.StateReady, 0),
		agentStatus("c", lifecycle.StateReady, 0),
	}

	var picks []string
	for i := 0; i < 6; i++ {
		chosen, err := r.SelectAgent(genTask(core.PriorityNormal), agents)
		require.NoError(t, err)
		picks = append(picks, chosen.Agent.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRouter_UnknownStrategyFallsBackToBestMatch(t *testing.T) {
	cfg := config.Default().Scoring
	cfg.Strategy = "bogus"
	r := NewRouter(cfg, nil, nil)
	assert.Equal(t, StrategyBestMatch, r.strategy)
}
