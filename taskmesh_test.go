package taskmesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/collab"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/lifecycle"
	"github.com/taskmesh/taskmesh/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := New(func(o *Options) {
		cfg := config.Default()
		cfg.Allocator.RetryDelay = 5 * time.Millisecond
		cfg.Model.RetryBaseDelay = time.Millisecond
		cfg.Lifecycle.DrainTimeout = 100 * time.Millisecond
		o.Config = cfg
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func seedEngine(t *testing.T, e *Engine) *model.MockAdapter {
	t.Helper()

	require.NoError(t, e.RegisterCapability(capability.Capability{
		ID: "gen", Type: capability.TypeTextGeneration,
	}))
	mock := model.NewMockAdapter("mock-model")
	require.NoError(t, e.RegisterAdapter(mock))
	require.NoError(t, e.Bind("gen", "mock-model", 0.8))

	require.NoError(t, e.CreateAgent(lifecycle.Agent{
		ID:           "worker-1",
		Capabilities: []capability.Type{capability.TypeTextGeneration},
	}))
	require.NoError(t, e.StartAgent(context.Background(), "worker-1"))
	return mock
}

func TestEngine_InvalidConfigRejected(t *testing.T) {
	_, err := New(func(o *Options) {
		cfg := config.Default()
		cfg.Scoring.Strategy = "bogus"
		o.Config = cfg
	})
	require.Error(t, err)
	assert.Equal(t, core.KindConfigurationInvalid, core.KindOf(err))
}

func TestEngine_SubmitAndAwait(t *testing.T) {
	e := newTestEngine(t)
	mock := seedEngine(t, e)
	mock.AddResponse("summarize this", "a fine summary")

	res, err := e.SubmitAndAwait(context.Background(), core.Task{
		Capability: string(capability.TypeTextGeneration),
		Payload:    core.Payload{Prompt: "summarize this"},
		Priority:   core.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "a fine summary", res.Output)
	assert.Equal(t, "worker-1", res.AgentID)
	assert.Equal(t, "mock-model", res.ModelID)

	// The terminal status landed in history.
	assert.Eventually(t, func() bool {
		return len(e.History().ByEntity(res.TaskID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_TaskUpdatesAgentAndBindingStats(t *testing.T) {
	e := newTestEngine(t)
	seedEngine(t, e)

	_, err := e.SubmitAndAwait(context.Background(), core.Task{
		Capability: string(capability.TypeTextGeneration),
		Payload:    core.Payload{Prompt: "hello"},
	})
	require.NoError(t, err)

	st, err := e.AgentStatus("worker-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Performance.TotalTasks)
	assert.Equal(t, 0, st.Load)
}

func TestEngine_Collaborate(t *testing.T) {
	e := newTestEngine(t)
	seedEngine(t, e)

	res, err := e.Collaborate(context.Background(), collab.Request{
		Pattern: collab.Sequential,
		SubTasks: []collab.SubTask{
			{ID: "s1", Capability: string(capability.TypeTextGeneration), Payload: core.Payload{Prompt: "draft"}},
			{ID: "s2", Capability: string(capability.TypeTextGeneration), Payload: core.Payload{Prompt: "polish"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, collab.SessionCompleted, res.Status)
	assert.Len(t, res.Results, 2)
}

func TestEngine_ApplyDeclarations(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterAdapter(model.NewMockAdapter("mock-model")))

	decls := config.Declarations{
		Capabilities: []config.CapabilityDecl{{ID: "gen", Type: string(capability.TypeTextGeneration)}},
		Bindings:     []config.BindingDecl{{CapabilityID: "gen", ModelID: "mock-model", InitialScore: 0.5}},
		Agents: []config.AgentDecl{{
			ID:           "declared-1",
			Capabilities: []string{string(capability.TypeTextGeneration)},
			AutoStart:    true,
		}},
	}
	require.NoError(t, e.ApplyDeclarations(context.Background(), decls))

	st, err := e.AgentStatus("declared-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateReady, st.State)

	// Re-applying the same declarations is idempotent.
	require.NoError(t, e.ApplyDeclarations(context.Background(), decls))

	res, err := e.SubmitAndAwait(context.Background(), core.Task{
		Capability: string(capability.TypeTextGeneration),
		Payload:    core.Payload{Prompt: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "declared-1", res.AgentID)
}

func TestEngine_ShutdownStopsAgents(t *testing.T) {
	e := newTestEngine(t)
	seedEngine(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	st, err := e.AgentStatus("worker-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateStopped, st.State)
}
