package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/lifecycle"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/metrics"
)

// Executor runs one task on one agent. The engine wires this to the model
// layer; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, agentID string, task core.Task) (*core.Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agentID string, task core.Task) (*core.Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, agentID string, task core.Task) (*core.Result, error) {
	return f(ctx, agentID, task)
}

// tracked follows one task from submission to its terminal status.
type tracked struct {
	task    core.Task
	status  core.TaskStatus
	agentID string
	cancel  context.CancelFunc
	// cancelRequested marks a cancellation that arrived before run installed
	// the context cancel func; run honors it before executing.
	cancelRequested bool
	done            chan struct{}
	result          *core.Result
	err             error
}

// Options configures an Allocator.
type Options struct {
	Config  config.AllocatorConfig
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Allocator accepts tasks, orders them by priority with FIFO within a tier,
// and dispatches each to an agent chosen by the router. Placement failures
// requeue with exponential delay up to the configured retry budget, then
// fail the task with NoCapacity.
type Allocator struct {
	router   *Router
	agents   *lifecycle.Manager
	executor Executor
	bus      *event.Bus
	cfg      config.AllocatorConfig
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	queue   *taskQueue
	tasks   map[string]*tracked
	started bool

	wake   chan struct{}
	stopCh chan struct{}
	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

// NewAllocator wires the dispatch loop. The allocator registers itself as
// the lifecycle manager's task evictor so agent faults and forced stops
// cancel the tasks assigned to that agent.
func NewAllocator(router *Router, agents *lifecycle.Manager, executor Executor, bus *event.Bus, optFns ...func(o *Options)) *Allocator {
	opts := Options{
		Config: config.Default().Allocator,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	a := &Allocator{
		router:   router,
		agents:   agents,
		executor: executor,
		bus:      bus,
		cfg:      opts.Config,
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
		queue:    newTaskQueue(),
		tasks:    make(map[string]*tracked),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	agents.SetTaskEvictor(a.evictAgent)
	return a
}

// Start launches the dispatch loop. Calling Start twice is a no-op.
func (a *Allocator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.loopWG.Add(1)
	go a.dispatchLoop()
}

// Stop shuts the dispatch loop down, cancels pending and running tasks, and
// waits for in-flight executions bounded by ctx.
func (a *Allocator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	close(a.stopCh)

	var pending []*tracked
	for {
		it, _ := a.queue.next(time.Now().Add(24 * time.Hour))
		if it == nil {
			break
		}
		if t, ok := a.tasks[it.task.ID]; ok {
			pending = append(pending, t)
		}
	}
	var running []*tracked
	for _, t := range a.tasks {
		if t.status == core.StatusRunning || t.status == core.StatusAssigned {
			running = append(running, t)
		}
	}
	a.mu.Unlock()

	for _, t := range pending {
		a.complete(t, nil, core.NewError(core.KindCancelled, "allocator stopped"))
	}
	for _, t := range running {
		if t.cancel != nil {
			t.cancel()
		}
	}

	a.loopWG.Wait()

	// The loop may have requeued an in-flight placement after the first
	// drain; sweep again now that it is stopped.
	a.mu.Lock()
	pending = pending[:0]
	for {
		it, _ := a.queue.next(time.Now().Add(24 * time.Hour))
		if it == nil {
			break
		}
		if t, ok := a.tasks[it.task.ID]; ok {
			pending = append(pending, t)
		}
	}
	a.mu.Unlock()
	for _, t := range pending {
		a.complete(t, nil, core.NewError(core.KindCancelled, "allocator stopped"))
	}

	doneCh := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return core.WrapError(core.KindCancelled, ctx.Err(), "allocator stop interrupted")
	}
}

// Submit validates and enqueues a task, returning its ID. The task becomes
// Pending immediately; Await observes the terminal result.
func (a *Allocator) Submit(task core.Task) (string, error) {
	if task.Capability == "" {
		return "", core.NewError(core.KindConfigurationInvalid, "task requires a capability")
	}
	if task.Priority == 0 {
		task.Priority = core.PriorityNormal
	}
	if !task.Priority.Valid() {
		return "", core.Errorf(core.KindConfigurationInvalid, "invalid priority %d", int(task.Priority))
	}
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if task.Timeout <= 0 {
		task.Timeout = a.cfg.DefaultTaskTimeout
	}
	task.SubmittedAt = time.Now().UTC()

	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return "", core.NewError(core.KindCancelled, "allocator not running")
	}
	if _, dup := a.tasks[task.ID]; dup {
		a.mu.Unlock()
		return "", core.Errorf(core.KindConfigurationInvalid, "task %q already submitted", task.ID)
	}
	if a.cfg.QueueCapacity > 0 && a.queue.Len() >= a.cfg.QueueCapacity {
		a.mu.Unlock()
		return "", core.NewError(core.KindNoCapacity, "task queue full")
	}

	t := &tracked{task: task, status: core.StatusPending, done: make(chan struct{})}
	a.tasks[task.ID] = t
	a.queue.enqueue(&queueItem{task: task})
	depth := a.queue.Len()
	a.mu.Unlock()

	a.publishTask(t, "")
	if a.metrics != nil {
		a.metrics.TasksSubmitted.WithLabelValues(task.Priority.String()).Inc()
		a.metrics.QueueDepth.Set(float64(depth))
	}
	a.kick()
	return task.ID, nil
}

// Await blocks until the task reaches a terminal status or ctx expires.
func (a *Allocator) Await(ctx context.Context, taskID string) (*core.Result, error) {
	a.mu.Lock()
	t, ok := a.tasks[taskID]
	a.mu.Unlock()
	if !ok {
		return nil, core.Errorf(core.KindTaskError, "unknown task %q", taskID)
	}

	select {
	case <-t.done:
		a.mu.Lock()
		res, err := t.result, t.err
		a.mu.Unlock()
		return res, err
	case <-ctx.Done():
		return nil, core.WrapError(core.KindCancelled, ctx.Err(), "await of task "+taskID+" interrupted")
	}
}

// Status reports the task's current status.
func (a *Allocator) Status(taskID string) (core.TaskStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[taskID]
	if !ok {
		return "", core.Errorf(core.KindTaskError, "unknown task %q", taskID)
	}
	return t.status, nil
}

// Cancel stops a task. A pending task is removed from the queue; a running
// task has its context cancelled. Cancelling a terminal or unknown task is a
// no-op.
func (a *Allocator) Cancel(taskID string) {
	a.mu.Lock()
	t, ok := a.tasks[taskID]
	if !ok || t.status.Terminal() {
		a.mu.Unlock()
		return
	}
	if t.status == core.StatusPending && a.queue.remove(taskID) {
		a.mu.Unlock()
		a.complete(t, nil, core.NewError(core.KindCancelled, "task cancelled"))
		return
	}
	// The task is assigned or about to run. If run has not installed the
	// context cancel func yet, the flag makes it bail out before executing.
	t.cancelRequested = true
	cancel := t.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// kick nudges the dispatch loop without blocking.
func (a *Allocator) kick() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Allocator) dispatchLoop() {
	defer a.loopWG.Done()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		a.mu.Lock()
		it, soonest := a.queue.next(time.Now())
		a.mu.Unlock()

		if it == nil {
			var wait <-chan time.Time
			if !soonest.IsZero() {
				if timer == nil {
					timer = time.NewTimer(time.Until(soonest))
				} else {
					timer.Reset(time.Until(soonest))
				}
				wait = timer.C
			}
			select {
			case <-a.stopCh:
				return
			case <-a.wake:
			case <-wait:
			}
			continue
		}

		select {
		case <-a.stopCh:
			// Put the task back so Stop can fail it with Cancelled.
			a.mu.Lock()
			a.queue.enqueue(it)
			a.mu.Unlock()
			return
		default:
		}

		a.place(it)
	}
}

// place routes one task and hands it to a run goroutine, or requeues it.
func (a *Allocator) place(it *queueItem) {
	a.mu.Lock()
	t, ok := a.tasks[it.task.ID]
	if !ok || t.status.Terminal() {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	chosen, err := a.router.SelectAgent(it.task, a.agents.Snapshot())
	if err == nil {
		// The snapshot can be stale; the load increment is the authoritative
		// admission check.
		err = a.agents.IncrementLoad(chosen.Agent.ID)
	}
	if err != nil {
		a.requeue(it, t, err)
		return
	}

	a.mu.Lock()
	t.status = core.StatusAssigned
	t.agentID = chosen.Agent.ID
	a.mu.Unlock()
	a.publishTask(t, "")

	a.runWG.Add(1)
	go a.run(t)
}

// requeue backs a task off exponentially, failing it with NoCapacity once
// the retry budget is spent.
func (a *Allocator) requeue(it *queueItem, t *tracked, cause error) {
	it.attempts++
	if it.attempts > a.cfg.DispatchRetries {
		a.logger.Warn("task placement exhausted",
			"task_id", it.task.ID, "attempts", it.attempts, "cause", core.ReasonOf(cause))
		a.complete(t, nil, core.WrapError(core.KindNoCapacity, cause,
			"task could not be placed after retries"))
		return
	}

	const maxRequeueDelay = time.Minute
	shift := uint(it.attempts - 1)
	if shift > 20 {
		shift = 20
	}
	delay := a.cfg.RetryDelay << shift
	if delay <= 0 || delay > maxRequeueDelay {
		delay = maxRequeueDelay
	}
	it.notBefore = time.Now().Add(delay)

	a.mu.Lock()
	a.queue.enqueue(it)
	a.mu.Unlock()
	a.kick()
}

// run executes one assigned task and records its terminal transition. The
// agent load is decremented exactly once, here.
func (a *Allocator) run(t *tracked) {
	defer a.runWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.task.Timeout)
	defer cancel()

	a.mu.Lock()
	if t.status.Terminal() {
		a.mu.Unlock()
		a.agents.DecrementLoad(t.agentID)
		return
	}
	if t.cancelRequested {
		agentID := t.agentID
		a.mu.Unlock()
		a.agents.DecrementLoad(agentID)
		a.complete(t, nil, core.NewError(core.KindCancelled, "task cancelled"))
		return
	}
	t.cancel = cancel
	t.status = core.StatusRunning
	agentID := t.agentID
	a.mu.Unlock()
	a.publishTask(t, "")

	start := time.Now()
	res, err := a.executor.Execute(ctx, agentID, t.task)
	latency := time.Since(start)

	if err != nil {
		err = a.classifyRunError(ctx, err)
	}

	a.agents.DecrementLoad(agentID)
	a.agents.RecordOutcome(agentID, latency, err == nil)
	a.complete(t, res, err)
}

// classifyRunError maps context expiry onto the task-facing error taxonomy.
// A deadline hit on the task's own context is a task timeout even when the
// lower layers reported it as a cancellation.
func (a *Allocator) classifyRunError(ctx context.Context, err error) error {
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	var classified *core.Error
	if errors.As(err, &classified) {
		if timedOut && classified.Kind == core.KindCancelled {
			return core.WrapError(core.KindTaskError, err, "task timed out")
		}
		return err
	}
	switch {
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return core.WrapError(core.KindTaskError, err, "task timed out")
	case errors.Is(err, context.Canceled):
		return core.WrapError(core.KindCancelled, err, "task cancelled")
	default:
		return core.WrapError(core.KindTaskError, err, "task execution failed")
	}
}

// complete moves a task to its terminal status exactly once.
func (a *Allocator) complete(t *tracked, res *core.Result, err error) {
	a.mu.Lock()
	if t.status.Terminal() {
		a.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		t.status = core.StatusCompleted
	case core.KindOf(err) == core.KindCancelled:
		t.status = core.StatusCancelled
	default:
		t.status = core.StatusFailed
	}
	t.result = res
	t.err = err
	depth := a.queue.Len()
	close(t.done)
	a.mu.Unlock()

	reason := ""
	if err != nil {
		reason = core.ReasonOf(err)
	}
	a.publishTask(t, reason)

	if a.metrics != nil {
		a.metrics.QueueDepth.Set(float64(depth))
		a.metrics.TaskDuration.WithLabelValues(t.task.Capability, string(t.status)).
			Observe(time.Since(t.task.SubmittedAt).Seconds())
	}
}

// evictAgent cancels every task actively assigned to one agent. Pending
// tasks stay queued; the router will route them elsewhere.
func (a *Allocator) evictAgent(agentID string, reason error) {
	a.mu.Lock()
	var cancels []context.CancelFunc
	count := 0
	for _, t := range a.tasks {
		if t.agentID == agentID && !t.status.Terminal() {
			count++
			t.cancelRequested = true
			if t.cancel != nil {
				cancels = append(cancels, t.cancel)
			}
		}
	}
	a.mu.Unlock()

	a.logger.Warn("evicting agent tasks",
		"agent_id", agentID, "count", count, "reason", core.ReasonOf(reason))
	for _, cancel := range cancels {
		cancel()
	}
}

func (a *Allocator) publishTask(t *tracked, reason string) {
	if a.bus == nil {
		return
	}
	a.mu.Lock()
	status := t.status
	agentID := t.agentID
	a.mu.Unlock()

	ev := event.New(event.CategoryTask, t.task.ID, string(status))
	ev.AgentID = agentID
	ev.Reason = reason
	if status == core.StatusFailed && t.err != nil {
		ev.ErrorKind = core.KindOf(t.err)
	}
	a.bus.Publish(ev)
}
