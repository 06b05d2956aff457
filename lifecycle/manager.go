package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/metrics"
)

// instance is the mutable manager-owned record behind the Status snapshot.
type instance struct {
	agent      Agent
	state      State
	load       int
	perf       Performance
	faults     int
	recovering bool
	updatedAt  time.Time
}

func (in *instance) snapshot() Status {
	return Status{
		Agent:       in.agent,
		State:       in.state,
		Load:        in.load,
		Performance: in.perf,
		Faults:      in.faults,
		UpdatedAt:   in.updatedAt,
	}
}

// Probe checks whether a faulted agent can return to service. The default
// probe always succeeds, which mirrors a process restart.
type Probe func(ctx context.Context, agentID string) error

// TaskEvictor is installed by the allocator so the manager can fail or
// reroute tasks actively assigned to a faulted or force-stopped agent.
type TaskEvictor func(agentID string, reason error)

// Options configures a Manager.
type Options struct {
	Config config.LifecycleConfig
	Logger logging.Logger
	// Metrics receives per-agent load gauges; nil disables collection.
	Metrics *metrics.Metrics
	// PerfSmoothing is the EMA weight for task latency/success samples.
	PerfSmoothing float64
	// Probe validates recovery attempts.
	Probe Probe
}

// Manager owns every agent instance and serializes all state and load
// mutations behind one mutex, so no two dispatch decisions can race an
// assignment on the same agent.
type Manager struct {
	registry *capability.Registry
	bus      *event.Bus
	cfg      config.LifecycleConfig
	logger   logging.Logger
	metrics  *metrics.Metrics
	alpha    float64
	probe    Probe

	mu      sync.Mutex
	agents  map[string]*instance
	evictor TaskEvictor
}

// NewManager creates a Manager validating against the given registry and
// publishing transitions on bus.
func NewManager(registry *capability.Registry, bus *event.Bus, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Config:        config.Default().Lifecycle,
		Logger:        logging.NoOpLogger{},
		PerfSmoothing: 0.1,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Probe == nil {
		opts.Probe = func(context.Context, string) error { return nil }
	}

	return &Manager{
		registry: registry,
		bus:      bus,
		cfg:      opts.Config,
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
		alpha:    opts.PerfSmoothing,
		probe:    opts.Probe,
		agents:   make(map[string]*instance),
	}
}

// SetTaskEvictor installs the allocator callback used on drain timeouts and
// agent faults.
func (m *Manager) SetTaskEvictor(e TaskEvictor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictor = e
}

// Create registers a new agent in state Created. Every declared capability
// type must be known to the registry, otherwise the declaration is rejected
// with ConfigurationInvalid.
func (m *Manager) Create(a Agent) error {
	if a.ID == "" {
		return core.NewError(core.KindConfigurationInvalid, "agent requires an id")
	}
	if len(a.Capabilities) == 0 {
		return core.Errorf(core.KindConfigurationInvalid, "agent %q declares no capabilities", a.ID)
	}
	for _, t := range a.Capabilities {
		if !m.registry.HasType(t) {
			return core.Errorf(core.KindConfigurationInvalid,
				"agent %q declares unknown capability %q", a.ID, t)
		}
	}
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = m.cfg.DefaultMaxConcurrent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[a.ID]; ok {
		return core.Errorf(core.KindConfigurationInvalid, "agent %q already exists", a.ID)
	}
	in := &instance{
		agent:     a,
		state:     StateCreated,
		perf:      Performance{SuccessRate: 1},
		updatedAt: time.Now().UTC(),
	}
	m.agents[a.ID] = in
	m.publishLocked(in, "")
	return nil
}

// Start brings a Created or Stopped agent to Ready via Initializing. A
// successful start clears the fault counter.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	in, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return core.Errorf(core.KindAgentError, "unknown agent %q", id)
	}
	if in.state != StateCreated && in.state != StateStopped {
		state := in.state
		m.mu.Unlock()
		return core.Errorf(core.KindAgentError, "agent %q cannot start from state %q", id, state)
	}
	m.transitionLocked(in, StateInitializing, "")
	m.mu.Unlock()

	// Initialization hook: probe the agent before declaring it Ready.
	if err := m.probe(ctx, id); err != nil {
		m.mu.Lock()
		m.transitionLocked(in, StateError, core.ReasonOf(err))
		m.mu.Unlock()
		return core.WrapError(core.KindAgentError, err, "agent "+id+" failed to initialize")
	}

	m.mu.Lock()
	in.faults = 0
	m.transitionLocked(in, StateReady, "")
	m.mu.Unlock()
	return nil
}

// Stop drains an agent and brings it to Stopped. It waits up to the
// configured drain timeout for in-flight tasks, then force-cancels them
// through the installed evictor. Stopping a Stopped agent is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	in, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return core.Errorf(core.KindAgentError, "unknown agent %q", id)
	}
	if in.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	if in.state == StateError && in.faults > m.cfg.MaxRecoveryAttempts {
		m.mu.Unlock()
		return core.Errorf(core.KindAgentError, "agent %q is in terminal error state", id)
	}
	m.transitionLocked(in, StateStopping, "")
	evictor := m.evictor
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.DrainTimeout)
	forced := false
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		drained := in.load == 0
		m.mu.Unlock()
		if drained {
			break
		}

		if !forced && time.Now().After(deadline) {
			forced = true
			if evictor != nil {
				evictor(id, core.Errorf(core.KindCancelled, "agent %s stopping", id))
			}
		}

		select {
		case <-ctx.Done():
			return core.WrapError(core.KindCancelled, ctx.Err(), "stop of agent "+id+" interrupted")
		case <-ticker.C:
		}
	}

	m.mu.Lock()
	m.transitionLocked(in, StateStopped, "")
	m.mu.Unlock()
	return nil
}

// Remove destroys an agent record. Agents with in-flight tasks must be
// stopped first.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.agents[id]
	if !ok {
		return core.Errorf(core.KindAgentError, "unknown agent %q", id)
	}
	if in.load > 0 {
		return core.Errorf(core.KindAgentError, "agent %q has %d tasks in flight", id, in.load)
	}
	delete(m.agents, id)
	if m.metrics != nil {
		m.metrics.AgentLoad.DeleteLabelValues(id)
	}
	return nil
}

// ReportFault records an agent-level fault. While the bounded recovery
// budget lasts the agent moves to Recovering and a background attempt brings
// it back to Ready; past the budget it lands in terminal Error. Tasks
// actively assigned to the agent are handed to the evictor either way.
func (m *Manager) ReportFault(id string, cause error) error {
	m.mu.Lock()
	in, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return core.Errorf(core.KindAgentError, "unknown agent %q", id)
	}
	if in.recovering || in.state == StateStopped || in.state == StateStopping {
		m.mu.Unlock()
		return nil
	}

	in.faults++
	reason := core.ReasonOf(cause)
	evictor := m.evictor

	if in.faults > m.cfg.MaxRecoveryAttempts {
		m.transitionLocked(in, StateError, reason)
		m.mu.Unlock()
		if evictor != nil {
			evictor(id, core.WrapError(core.KindAgentError, cause, "agent "+id+" faulted"))
		}
		return nil
	}

	in.recovering = true
	m.transitionLocked(in, StateRecovering, reason)
	m.mu.Unlock()

	if evictor != nil {
		evictor(id, core.WrapError(core.KindAgentError, cause, "agent "+id+" faulted"))
	}

	go m.recover(in)
	return nil
}

// recover runs the bounded recovery loop: remaining probe attempts with
// exponential backoff. Success returns the agent to Ready and resets the
// fault budget; exhaustion is terminal Error.
func (m *Manager) recover(in *instance) {
	m.mu.Lock()
	id := in.agent.ID
	remaining := m.cfg.MaxRecoveryAttempts - in.faults + 1
	m.mu.Unlock()
	if remaining < 1 {
		remaining = 1
	}

	r := retry.New(
		retry.Attempts(uint(remaining)),
		retry.Delay(m.cfg.RecoveryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		return m.probe(context.Background(), id)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	in.recovering = false
	if in.state != StateRecovering {
		// Stopped or removed while recovering; leave it alone.
		return
	}
	if err != nil {
		in.faults = m.cfg.MaxRecoveryAttempts + 1
		m.transitionLocked(in, StateError, core.ReasonOf(err))
		return
	}
	in.faults = 0
	m.transitionLocked(in, StateReady, "")
}

// Status returns the agent snapshot.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.agents[id]
	if !ok {
		return Status{}, core.Errorf(core.KindAgentError, "unknown agent %q", id)
	}
	return in.snapshot(), nil
}

// Snapshot returns a point-in-time copy of every agent, for the router.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.agents))
	for _, in := range m.agents {
		out = append(out, in.snapshot())
	}
	return out
}

// IncrementLoad records a task assignment against the agent. It fails when
// the agent is not schedulable or already at capacity, which protects the
// allocator against stale routing decisions.
func (m *Manager) IncrementLoad(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.agents[id]
	if !ok {
		return core.Errorf(core.KindAgentError, "unknown agent %q", id)
	}
	if !in.state.Schedulable() {
		return core.Errorf(core.KindNoEligibleAgent, "agent %q is %s", id, in.state)
	}
	if in.load >= in.agent.MaxConcurrent {
		return core.Errorf(core.KindNoEligibleAgent, "agent %q at capacity", id)
	}

	in.load++
	if in.state == StateReady {
		m.transitionLocked(in, StateRunning, "")
	} else {
		m.touchLocked(in)
	}
	return nil
}

// DecrementLoad records a task's terminal transition. The allocator calls it
// exactly once per task; a zero-load decrement indicates a bookkeeping bug
// and is dropped loudly rather than corrupting the counter.
func (m *Manager) DecrementLoad(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.agents[id]
	if !ok {
		return
	}
	if in.load == 0 {
		m.logger.Error("load decrement below zero suppressed", "agent_id", id)
		return
	}

	in.load--
	if in.load == 0 && in.state == StateRunning {
		m.transitionLocked(in, StateReady, "")
	} else {
		m.touchLocked(in)
	}
}

// RecordOutcome folds one task execution into the agent's smoothed
// performance summary.
func (m *Manager) RecordOutcome(id string, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.agents[id]
	if !ok {
		return
	}

	sample := 0.0
	if success {
		sample = 1.0
	} else {
		in.perf.FailedTasks++
	}
	if in.perf.TotalTasks == 0 {
		in.perf.AvgLatency = latency
		in.perf.SuccessRate = sample
	} else {
		in.perf.AvgLatency = time.Duration(m.alpha*float64(latency) + (1-m.alpha)*float64(in.perf.AvgLatency))
		in.perf.SuccessRate = m.alpha*sample + (1-m.alpha)*in.perf.SuccessRate
	}
	in.perf.TotalTasks++
	in.updatedAt = time.Now().UTC()
}

// transitionLocked mutates state and emits the status event. Callers hold
// m.mu.
func (m *Manager) transitionLocked(in *instance, to State, reason string) {
	from := in.state
	in.state = to
	in.updatedAt = time.Now().UTC()

	m.logger.Info("agent state transition",
		"agent_id", in.agent.ID, "from", string(from), "to", string(to))

	m.publishLocked(in, reason)
	m.touchLocked(in)
}

// publishLocked emits a status event for the agent's current state without
// changing it. Callers hold m.mu.
func (m *Manager) publishLocked(in *instance, reason string) {
	if m.bus == nil {
		return
	}
	ev := event.New(event.CategoryAgent, in.agent.ID, string(in.state))
	ev.AgentID = in.agent.ID
	ev.Reason = reason
	if in.state == StateError {
		ev.ErrorKind = core.KindAgentError
	}
	m.bus.Publish(ev)
}

func (m *Manager) touchLocked(in *instance) {
	in.updatedAt = time.Now().UTC()
	if m.metrics != nil {
		m.metrics.AgentLoad.WithLabelValues(in.agent.ID).Set(float64(in.load))
	}
}
