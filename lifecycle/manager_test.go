package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/event"
)

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry()
	require.NoError(t, r.Register(capability.Capability{ID: "gen", Type: capability.TypeTextGeneration}))
	return r
}

func fastLifecycleConfig() config.LifecycleConfig {
	cfg := config.Default().Lifecycle
	cfg.RecoveryBaseDelay = time.Millisecond
	cfg.DrainTimeout = 50 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, optFns ...func(o *Options)) (*Manager, *event.Bus) {
	t.Helper()
	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)
	fns := append([]func(o *Options){func(o *Options) {
		o.Config = fastLifecycleConfig()
	}}, optFns...)
	m := NewManager(testRegistry(t), bus, fns...)
	return m, bus
}

func mustState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, want, st.State)
}

func TestManager_Create(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}})
	require.NoError(t, err)

	st, err := m.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, st.State)
	assert.Equal(t, 0, st.Load)
	assert.Equal(t, 1.0, st.Performance.SuccessRate)
	// Unset max concurrency falls back to the configured default.
	assert.Equal(t, config.Default().Lifecycle.DefaultMaxConcurrent, st.Agent.MaxConcurrent)
}

func TestManager_Create_Rejections(t *testing.T) {
	m, _ := newTestManager(t)

	assert.Error(t, m.Create(Agent{Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	assert.Error(t, m.Create(Agent{ID: "a1"}))
	assert.Error(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{"unknown-type"}}))

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	err := m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}})
	assert.Error(t, err)
	assert.Equal(t, core.KindConfigurationInvalid, core.KindOf(err))
}

func TestManager_StartStop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))
	mustState(t, m, "a1", StateReady)

	require.NoError(t, m.Stop(ctx, "a1"))
	mustState(t, m, "a1", StateStopped)

	// Stopping a stopped agent is a no-op.
	require.NoError(t, m.Stop(ctx, "a1"))

	// A stopped agent can be restarted.
	require.NoError(t, m.Start(ctx, "a1"))
	mustState(t, m, "a1", StateReady)
}

func TestManager_Start_InvalidFromState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))
	assert.Error(t, m.Start(ctx, "a1"))
}

func TestManager_LoadTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}, MaxConcurrent: 2}))
	require.NoError(t, m.Start(ctx, "a1"))

	require.NoError(t, m.IncrementLoad("a1"))
	mustState(t, m, "a1", StateRunning)
	require.NoError(t, m.IncrementLoad("a1"))

	// At capacity the agent is no longer assignable.
	err := m.IncrementLoad("a1")
	require.Error(t, err)
	assert.Equal(t, core.KindNoEligibleAgent, core.KindOf(err))

	m.DecrementLoad("a1")
	mustState(t, m, "a1", StateRunning)
	m.DecrementLoad("a1")
	mustState(t, m, "a1", StateReady)

	// The counter never goes negative.
	m.DecrementLoad("a1")
	st, err := m.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Load)
}

func TestManager_IncrementLoad_NotSchedulable(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	err := m.IncrementLoad("a1")
	require.Error(t, err)
	assert.Equal(t, core.KindNoEligibleAgent, core.KindOf(err))
}

func TestManager_ReportFault_RecoversToReady(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))

	require.NoError(t, m.ReportFault("a1", core.NewError(core.KindAgentError, "heartbeat lost")))

	assert.Eventually(t, func() bool {
		st, err := m.Status("a1")
		return err == nil && st.State == StateReady
	}, 2*time.Second, 5*time.Millisecond)

	// Successful recovery resets the fault budget.
	st, err := m.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Faults)
}

func TestManager_Start_InitProbeFailure(t *testing.T) {
	probeErr := core.NewError(core.KindAgentError, "still down")
	m, _ := newTestManager(t, func(o *Options) {
		o.Probe = func(ctx context.Context, agentID string) error { return probeErr }
	})
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	err := m.Start(ctx, "a1")
	require.Error(t, err)
	mustState(t, m, "a1", StateError)
}

func TestManager_ReportFault_RecoveryExhaustion(t *testing.T) {
	var mu sync.Mutex
	probeCalls := 0
	failProbes := false
	m, _ := newTestManager(t, func(o *Options) {
		o.Probe = func(ctx context.Context, agentID string) error {
			mu.Lock()
			defer mu.Unlock()
			probeCalls++
			if failProbes {
				return core.NewError(core.KindAgentError, "still down")
			}
			return nil
		}
	})
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))

	mu.Lock()
	failProbes = true
	mu.Unlock()

	require.NoError(t, m.ReportFault("a1", core.NewError(core.KindAgentError, "crash")))

	assert.Eventually(t, func() bool {
		st, err := m.Status("a1")
		return err == nil && st.State == StateError
	}, 2*time.Second, 5*time.Millisecond)

	// A terminal agent is never schedulable again.
	err := m.IncrementLoad("a1")
	assert.Error(t, err)
}

func TestManager_ReportFault_WhileRecoveringIsNoOp(t *testing.T) {
	gate := make(chan struct{})
	started := false
	m, _ := newTestManager(t, func(o *Options) {
		o.Probe = func(ctx context.Context, agentID string) error {
			if started {
				<-gate // stall recovery until the test releases it
			}
			return nil
		}
	})
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))
	started = true

	require.NoError(t, m.ReportFault("a1", core.NewError(core.KindAgentError, "crash")))
	require.NoError(t, m.ReportFault("a1", core.NewError(core.KindAgentError, "crash again")))

	st, err := m.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Faults)
	assert.Equal(t, StateRecovering, st.State)
	close(gate)

	assert.Eventually(t, func() bool {
		st, err := m.Status("a1")
		return err == nil && st.State == StateReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_Stop_DrainTimeoutEvictsTasks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var evicted []string
	m.SetTaskEvictor(func(agentID string, reason error) {
		mu.Lock()
		evicted = append(evicted, agentID)
		mu.Unlock()
		// Simulate the allocator reaping the in-flight task.
		go m.DecrementLoad(agentID)
	})

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))
	require.NoError(t, m.IncrementLoad("a1"))

	require.NoError(t, m.Stop(ctx, "a1"))
	mustState(t, m, "a1", StateStopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a1"}, evicted)
}

func TestManager_Remove(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))
	require.NoError(t, m.IncrementLoad("a1"))

	// In-flight work blocks removal.
	assert.Error(t, m.Remove("a1"))

	m.DecrementLoad("a1")
	require.NoError(t, m.Remove("a1"))
	_, err := m.Status("a1")
	assert.Error(t, err)
}

func TestManager_RecordOutcome(t *testing.T) {
	m, _ := newTestManager(t, func(o *Options) { o.PerfSmoothing = 0.5 })
	ctx := context.Background()

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))

	m.RecordOutcome("a1", 100*time.Millisecond, true)
	m.RecordOutcome("a1", 300*time.Millisecond, false)

	st, err := m.Status("a1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Performance.TotalTasks)
	assert.EqualValues(t, 1, st.Performance.FailedTasks)
	assert.InDelta(t, 0.5, st.Performance.SuccessRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, st.Performance.AvgLatency)
}

func TestManager_CreatePublishesCreatedEvent(t *testing.T) {
	m, bus := newTestManager(t)

	var mu sync.Mutex
	var got []event.Event
	bus.Subscribe(event.CategoryAgent, func(ev event.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Status == "created" && got[0].AgentID == "a1"
	}, 2*time.Second, time.Millisecond)
}

func TestManager_TransitionsPublishEvents(t *testing.T) {
	bus := event.NewBus(nil)
	m := NewManager(testRegistry(t), bus, func(o *Options) { o.Config = fastLifecycleConfig() })
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []string
	bus.Subscribe(event.CategoryAgent, func(ev event.Event) {
		mu.Lock()
		statuses = append(statuses, ev.Status)
		mu.Unlock()
	})

	require.NoError(t, m.Create(Agent{ID: "a1", Capabilities: []capability.Type{capability.TypeTextGeneration}}))
	require.NoError(t, m.Start(ctx, "a1"))
	require.NoError(t, m.Stop(ctx, "a1"))
	bus.Close()

	// Handlers run on their own goroutines, so assert set membership rather
	// than delivery order.
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"created", "initializing", "ready", "stopping", "stopped"}, statuses)
}
