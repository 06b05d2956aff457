// Package taskmesh provides a high-level façade over the task allocation
// engine: capability registry, model manager, agent lifecycle, priority
// dispatch and collaboration sessions. Most applications interact with this
// package by:
//  1. Creating an Engine via New() (optionally supplying config and a logger)
//  2. Registering capabilities, model adapters and agents (directly or from
//     a declarations file)
//  3. Submitting tasks (Submit/Await) or collaboration requests (Collaborate)
//
// The façade wires the subsystems together while keeping setup ergonomics
// concise. All defaults are safe for local development and testing;
// production deployments typically supply a tuned config file and a
// structured logger.
package taskmesh

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/collab"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/dispatch"
	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/history"
	"github.com/taskmesh/taskmesh/lifecycle"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/metrics"
	"github.com/taskmesh/taskmesh/model"
)

// Options configures the Engine instance.
type Options struct {
	// Config tunes every subsystem; defaults to config.Default().
	Config config.Config

	// Logger defaults to a NoOp logger if nil. Use logging.NewZapLogger for
	// structured output.
	Logger logging.Logger

	// MetricsRegisterer receives the engine's Prometheus collectors. Nil
	// binds them to a private registry.
	MetricsRegisterer prometheus.Registerer

	// HistoryLimit bounds the terminal-status history; 0 means unbounded.
	HistoryLimit int
}

// Engine is the high-level façade aggregating the registry, model manager,
// lifecycle manager, allocator and collaboration engine.
type Engine struct {
	cfg     config.Config
	logger  logging.Logger
	metrics *metrics.Metrics

	bus       *event.Bus
	registry  *capability.Registry
	models    *model.Manager
	agents    *lifecycle.Manager
	allocator *dispatch.Allocator
	collab    *collab.Engine
	history   *history.Store
	detach    func()
}

// New creates an Engine with optional overrides and starts its dispatch
// loop.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, core.WrapError(core.KindConfigurationInvalid, err, "invalid engine config")
	}

	logger := logging.OrNoOp(opts.Logger)
	mets := metrics.New(opts.MetricsRegisterer)
	bus := event.NewBus(logger)

	registry := capability.NewRegistry(func(o *capability.RegistryOptions) {
		o.Smoothing = opts.Config.Scoring.Smoothing
		o.LatencyBaseline = opts.Config.Scoring.LatencyBaseline
	})

	models := model.NewManager(registry, func(o *model.Options) {
		o.Config = opts.Config.Model
		o.Logger = logger
		o.Metrics = mets
	})

	agents := lifecycle.NewManager(registry, bus, func(o *lifecycle.Options) {
		o.Config = opts.Config.Lifecycle
		o.Logger = logger
		o.Metrics = mets
	})

	router := dispatch.NewRouter(opts.Config.Scoring, registry, logger)

	e := &Engine{
		cfg:      opts.Config,
		logger:   logger,
		metrics:  mets,
		bus:      bus,
		registry: registry,
		models:   models,
		agents:   agents,
	}

	e.allocator = dispatch.NewAllocator(router, agents, dispatch.ExecutorFunc(e.execute), bus,
		func(o *dispatch.Options) {
			o.Config = opts.Config.Allocator
			o.Logger = logger
			o.Metrics = mets
		})

	e.collab = collab.NewEngine(e.allocator, bus, func(o *collab.Options) {
		o.Config = opts.Config.Collab
		o.Logger = logger
		o.Metrics = mets
	})

	e.history = history.NewStore(opts.HistoryLimit)
	e.detach = e.history.Attach(bus)

	e.allocator.Start()
	return e, nil
}

// execute runs one routed task against the model layer. It is the bridge
// the allocator calls for every assignment.
func (e *Engine) execute(ctx context.Context, agentID string, task core.Task) (*core.Result, error) {
	start := time.Now()
	resp, err := e.models.Invoke(ctx, capability.Type(task.Capability), task.Payload, task.ID)
	if err != nil {
		return nil, err
	}
	return &core.Result{
		TaskID:      task.ID,
		AgentID:     agentID,
		ModelID:     resp.ModelID,
		Output:      resp.Output,
		Usage:       resp.Usage,
		Latency:     time.Since(start),
		CompletedAt: time.Now().UTC(),
	}, nil
}

// RegisterCapability adds a capability to the registry.
func (e *Engine) RegisterCapability(c capability.Capability) error {
	return e.registry.Register(c)
}

// RegisterAdapter adds a model backend.
func (e *Engine) RegisterAdapter(a model.Adapter) error {
	return e.models.RegisterAdapter(a)
}

// Bind associates a registered capability with a registered model.
func (e *Engine) Bind(capabilityID, modelID string, initialScore float64) error {
	return e.registry.Bind(capabilityID, modelID, initialScore)
}

// CreateAgent registers an agent in state Created.
func (e *Engine) CreateAgent(a lifecycle.Agent) error { return e.agents.Create(a) }

// StartAgent brings an agent to Ready.
func (e *Engine) StartAgent(ctx context.Context, id string) error { return e.agents.Start(ctx, id) }

// StopAgent drains and stops an agent.
func (e *Engine) StopAgent(ctx context.Context, id string) error { return e.agents.Stop(ctx, id) }

// RemoveAgent destroys a stopped agent.
func (e *Engine) RemoveAgent(id string) error { return e.agents.Remove(id) }

// AgentStatus reports one agent's snapshot.
func (e *Engine) AgentStatus(id string) (lifecycle.Status, error) { return e.agents.Status(id) }

// Agents reports every agent's snapshot.
func (e *Engine) Agents() []lifecycle.Status { return e.agents.Snapshot() }

// Submit enqueues a task and returns its ID.
func (e *Engine) Submit(task core.Task) (string, error) { return e.allocator.Submit(task) }

// Await blocks until the task is terminal or ctx expires.
func (e *Engine) Await(ctx context.Context, taskID string) (*core.Result, error) {
	return e.allocator.Await(ctx, taskID)
}

// SubmitAndAwait is a synchronous helper combining Submit and Await.
func (e *Engine) SubmitAndAwait(ctx context.Context, task core.Task) (*core.Result, error) {
	taskID, err := e.allocator.Submit(task)
	if err != nil {
		return nil, err
	}
	return e.allocator.Await(ctx, taskID)
}

// Cancel stops a pending or running task. Cancelling a terminal or unknown
// task is a no-op.
func (e *Engine) Cancel(taskID string) { e.allocator.Cancel(taskID) }

// TaskStatus reports a task's current status.
func (e *Engine) TaskStatus(taskID string) (core.TaskStatus, error) {
	return e.allocator.Status(taskID)
}

// Collaborate runs a multi-agent session to completion.
func (e *Engine) Collaborate(ctx context.Context, req collab.Request) (*collab.SessionResult, error) {
	return e.collab.Collaborate(ctx, req)
}

// Subscribe registers an event handler for one category and returns the
// unsubscribe function.
func (e *Engine) Subscribe(cat event.Category, h event.Handler) func() {
	return e.bus.Subscribe(cat, h)
}

// History returns the terminal-status history store.
func (e *Engine) History() *history.Store { return e.history }

// ApplyDeclarations registers the capabilities, bindings and agents from a
// validated declarations set. Agents marked auto_start are started. Already
// present entries are skipped, so re-applying an updated file is safe.
func (e *Engine) ApplyDeclarations(ctx context.Context, d config.Declarations) error {
	if err := d.Validate(); err != nil {
		return core.WrapError(core.KindConfigurationInvalid, err, "invalid declarations")
	}

	for _, c := range d.Capabilities {
		err := e.registry.Register(capability.Capability{
			ID:         c.ID,
			Type:       capability.Type(c.Type),
			Parameters: c.Parameters,
		})
		if err != nil {
			return err
		}
	}
	for _, b := range d.Bindings {
		if err := e.registry.Bind(b.CapabilityID, b.ModelID, b.InitialScore); err != nil {
			return err
		}
	}
	for _, a := range d.Agents {
		caps := make([]capability.Type, len(a.Capabilities))
		for i, t := range a.Capabilities {
			caps[i] = capability.Type(t)
		}
		agent := lifecycle.Agent{
			ID:            a.ID,
			Capabilities:  caps,
			Weight:        a.Weight,
			MaxConcurrent: a.MaxConcurrent,
		}
		if err := e.agents.Create(agent); err != nil {
			if core.KindOf(err) == core.KindConfigurationInvalid {
				// Existing agent from a previous apply; leave it running.
				if _, statusErr := e.agents.Status(a.ID); statusErr == nil {
					continue
				}
			}
			return err
		}
		if a.AutoStart {
			if err := e.agents.Start(ctx, a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown stops the dispatch loop, cancels outstanding tasks, stops every
// agent and closes the event bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.allocator.Stop(ctx)

	for _, st := range e.agents.Snapshot() {
		if st.State == lifecycle.StateStopped || st.State == lifecycle.StateCreated {
			continue
		}
		if stopErr := e.agents.Stop(ctx, st.Agent.ID); stopErr != nil && err == nil {
			err = stopErr
		}
	}

	e.detach()
	e.bus.Close()
	return err
}
