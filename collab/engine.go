package collab

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/metrics"
)

// Submitter is the slice of the dispatch allocator the collaboration engine
// needs. Sub-tasks travel the same queue and routing path as direct
// submissions.
type Submitter interface {
	Submit(task core.Task) (string, error)
	Await(ctx context.Context, taskID string) (*core.Result, error)
	Cancel(taskID string)
}

// Options configures an Engine.
type Options struct {
	Config  config.CollabConfig
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Engine runs collaboration sessions on top of a task submitter.
type Engine struct {
	submitter Submitter
	bus       *event.Bus
	cfg       config.CollabConfig
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// NewEngine creates a collaboration engine.
func NewEngine(submitter Submitter, bus *event.Bus, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: config.Default().Collab,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Engine{
		submitter: submitter,
		bus:       bus,
		cfg:       opts.Config,
		logger:    logging.OrNoOp(opts.Logger),
		metrics:   opts.Metrics,
	}
}

// Collaborate runs one session to completion and returns its terminal
// report. Only validation problems and engine-level failures surface as an
// error; sub-task failures are reported through the result's Status and
// Errors so callers can use partial output.
func (e *Engine) Collaborate(ctx context.Context, req Request) (*SessionResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.SessionID == "" {
		req.SessionID = core.NewID()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.SessionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess := newSession(req.SessionID, req.Pattern, req.SubTasks, e.bus, e.logger)
	e.publishSession(sess, SessionRunning, "")
	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
		defer e.metrics.SessionsActive.Dec()
	}
	e.logger.Info("collaboration session started",
		"session_id", sess.id, "pattern", string(req.Pattern), "subtasks", len(req.SubTasks))

	switch req.Pattern {
	case Sequential:
		e.runSequential(ctx, sess, req)
	case Parallel:
		e.runParallel(ctx, sess, req)
	case Hierarchical:
		e.runHierarchical(ctx, sess, req)
	case PeerToPeer:
		e.runPeerToPeer(ctx, sess, req)
	}

	res := sess.outcome(len(req.SubTasks))
	e.finalizeStatus(res, req)

	reason := ""
	if res.Status != SessionCompleted {
		for id, err := range res.Errors {
			reason = id + ": " + core.ReasonOf(err)
			break
		}
	}
	e.publishSession(sess, res.Status, reason)
	e.logger.Info("collaboration session finished",
		"session_id", sess.id, "status", string(res.Status),
		"succeeded", len(res.Results), "failed", len(res.Errors))
	return res, nil
}

// runOne pushes a single sub-task through the dispatch path and waits for
// its terminal result.
func (e *Engine) runOne(ctx context.Context, sess *session, st SubTask, extra map[string]any) (*core.Result, error) {
	payload := st.Payload.Clone()
	if len(extra) > 0 {
		if payload.Params == nil {
			payload.Params = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			payload.Params[k] = v
		}
	}

	priority := st.Priority
	if priority == 0 {
		priority = core.TaskPriority(e.cfg.SubTaskPriority)
	}

	task := core.Task{
		ID:         core.NewID(),
		Capability: st.Capability,
		Payload:    payload,
		Priority:   priority,
		SessionID:  sess.id,
	}

	sess.send("session", st.ID, core.MessageSubtaskAssign, map[string]any{
		"task_id":    task.ID,
		"capability": st.Capability,
	})

	taskID, err := e.submitter.Submit(task)
	if err != nil {
		return nil, err
	}

	res, err := e.submitter.Await(ctx, taskID)
	if err != nil && ctx.Err() != nil {
		// Session expired or was cancelled while the sub-task was in
		// flight; reap it so it does not run on a dead session.
		e.submitter.Cancel(taskID)
		sess.send("session", st.ID, core.MessageCancel, map[string]any{"task_id": taskID})
	}
	return res, err
}

// runSequential executes the pipeline in order, threading each output into
// the next sub-task and stopping at the first failure. Never-started
// remainder sub-tasks are recorded as cancelled so the session report has a
// terminal entry for every participant.
func (e *Engine) runSequential(ctx context.Context, sess *session, req Request) {
	prev := ""
	for i, st := range req.SubTasks {
		var extra map[string]any
		if i > 0 {
			extra = map[string]any{"previous_output": prev}
		}

		res, err := e.runOne(ctx, sess, st, extra)
		sess.record(st.ID, res, err)
		if err != nil {
			for _, skipped := range req.SubTasks[i+1:] {
				sess.record(skipped.ID, nil, core.Errorf(core.KindCancelled,
					"pipeline aborted before sub-task %q started", skipped.ID))
			}
			return
		}
		prev = res.Output
	}
}

// runParallel fans every sub-task out concurrently. Failures are recorded
// per sub-task and never cancel siblings.
func (e *Engine) runParallel(ctx context.Context, sess *session, req Request) {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range req.SubTasks {
		st := st
		g.Go(func() error {
			res, err := e.runOne(gctx, sess, st, nil)
			sess.record(st.ID, res, err)
			return nil
		})
	}
	_ = g.Wait()
}

// runHierarchical runs the worker stage in parallel, then hands the
// surviving outputs to the coordinator. The coordinator only runs when at
// least one worker produced output.
func (e *Engine) runHierarchical(ctx context.Context, sess *session, req Request) {
	e.runParallel(ctx, sess, req)

	sess.mu.Lock()
	outputs := make(map[string]any, len(sess.results))
	for id, res := range sess.results {
		outputs[id] = res.Output
	}
	sess.mu.Unlock()

	coord := *req.Coordinator
	if len(outputs) == 0 {
		sess.record(coord.ID, nil, core.NewError(core.KindCollaboration,
			"no worker output to coordinate"))
		return
	}

	res, err := e.runOne(ctx, sess, coord, map[string]any{"worker_outputs": outputs})
	sess.record(coord.ID, res, err)
}

// runPeerToPeer runs sub-tasks concurrently; each blocks on its declared
// dependencies and receives their outputs as inputs. A failed dependency
// cascades as a CollaborationError, a stalled wait as DeadlockDetected.
func (e *Engine) runPeerToPeer(ctx context.Context, sess *session, req Request) {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range req.SubTasks {
		st := st
		g.Go(func() error {
			var extra map[string]any
			for _, dep := range st.DependsOn {
				res, err := sess.waitFor(gctx, dep)
				if err != nil {
					if core.KindOf(err) != core.KindDeadlockDetected {
						err = core.Errorf(core.KindCollaboration,
							"dependency %q failed: %s", dep, core.ReasonOf(err))
					}
					sess.record(st.ID, nil, err)
					return nil
				}
				if extra == nil {
					extra = make(map[string]any)
				}
				extra["dep_"+dep] = res.Output
			}

			res, err := e.runOne(gctx, sess, st, extra)
			sess.record(st.ID, res, err)
			return nil
		})
	}
	_ = g.Wait()
}

// finalizeStatus applies the pattern-specific verdict rules on top of the
// generic success/failure counts.
func (e *Engine) finalizeStatus(res *SessionResult, req Request) {
	switch req.Pattern {
	case Sequential:
		// A broken pipeline has no usable end product.
		if len(res.Errors) > 0 {
			res.Status = SessionFailed
		}
	case Parallel:
		// Any failed sub-task fails the session; completed results are
		// still reported alongside the errors.
		if len(res.Errors) > 0 {
			res.Status = SessionFailed
		}
	case Hierarchical:
		coordID := req.Coordinator.ID
		if _, failed := res.Errors[coordID]; failed {
			res.Status = SessionFailed
			return
		}
		if _, ok := res.Results[coordID]; !ok {
			res.Status = SessionFailed
			return
		}
		if len(res.Errors) == 0 {
			res.Status = SessionCompleted
		} else {
			res.Status = SessionPartial
		}
	}
}

func (e *Engine) publishSession(sess *session, status SessionStatus, reason string) {
	if e.bus == nil {
		return
	}
	ev := event.New(event.CategorySession, sess.id, string(status))
	ev.Reason = reason
	e.bus.Publish(ev)
}
