package model

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/logging"
	"github.com/taskmesh/taskmesh/metrics"
)

// slot bundles one registered adapter with its pool and breaker.
type slot struct {
	adapter Adapter
	pool    *connPool
	breaker *gobreaker.CircuitBreaker
}

// Options configures a Manager.
type Options struct {
	// Config tunes pooling, retry, rate limiting and the breaker.
	Config config.ModelConfig
	// Logger receives call-level diagnostics; defaults to NoOp.
	Logger logging.Logger
	// Metrics receives call counters and latencies; nil disables collection.
	Metrics *metrics.Metrics
}

// Manager resolves capability types to ranked model bindings and drives
// invocation through the degradation contract: pooled, retried, breaker
// guarded, falling back across bindings. All methods are safe for concurrent
// use.
type Manager struct {
	registry *capability.Registry
	cfg      config.ModelConfig
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	slots map[string]*slot
}

// NewManager creates a Manager over the given registry.
func NewManager(registry *capability.Registry, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Config: config.Default().Model,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		registry: registry,
		cfg:      opts.Config,
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
		slots:    make(map[string]*slot),
	}
}

// RegisterAdapter makes a backend available under its model id. Registering
// a duplicate id is a configuration error.
func (m *Manager) RegisterAdapter(a Adapter) error {
	id := a.Info().ModelID
	if id == "" {
		return core.NewError(core.KindConfigurationInvalid, "adapter reports empty model id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slots[id]; ok {
		return core.Errorf(core.KindConfigurationInvalid, "model %q already registered", id)
	}

	s := &slot{
		adapter: a,
		pool:    newConnPool(m.cfg.MaxConcurrent, m.cfg.RatePerSecond, m.cfg.RateBurst),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     m.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("model breaker state change", "model_id", name, "from", from.String(), "to", to.String())
			if m.metrics != nil {
				m.metrics.BreakerState.WithLabelValues(name).Set(breakerGaugeValue(to))
			}
		},
	})
	m.slots[id] = s
	return nil
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (m *Manager) slot(modelID string) *slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[modelID]
}

// Models lists the registered adapters.
func (m *Manager) Models() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s.adapter.Info())
	}
	return out
}

// Invoke resolves the best binding for the capability type and performs the
// call. On transient failure it retries the same binding with exponential
// backoff, then walks down the ranked bindings; it surfaces failure only when
// every binding is exhausted. The outcome of every attempt is recorded back
// to the registry.
func (m *Manager) Invoke(ctx context.Context, capType capability.Type, payload core.Payload, taskID string) (*Response, error) {
	ranked := m.registry.Rank(capType)
	if len(ranked) == 0 {
		return nil, core.Errorf(core.KindTaskError, "no model binding for capability %q", capType)
	}

	req := Request{TaskID: taskID, Capability: capType, Payload: payload}

	var lastErr error
	for _, b := range ranked {
		s := m.slot(b.ModelID)
		if s == nil {
			m.logger.Warn("binding references unregistered model", "model_id", b.ModelID, "capability", string(capType))
			continue
		}

		resp, err := m.invokeBinding(ctx, s, b, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, core.WrapError(core.KindCancelled, ctx.Err(), "model invocation cancelled")
		}
		if !core.IsTransient(err) && !errors.Is(err, gobreaker.ErrOpenState) {
			// Task-local failure: the payload will not fare better on
			// another backend.
			return nil, err
		}

		lastErr = err
		m.logger.Info("falling back to next binding",
			"capability", string(capType), "failed_model", b.ModelID, "error", err.Error())
	}

	if lastErr == nil {
		return nil, core.Errorf(core.KindTaskError, "no registered adapter serves capability %q", capType)
	}
	return nil, core.WrapError(core.KindModelConnection, lastErr,
		"all bindings exhausted for capability "+string(capType))
}

// invokeBinding performs the pooled, breaker-guarded, retried call against a
// single binding and records its outcome.
func (m *Manager) invokeBinding(ctx context.Context, s *slot, b capability.Binding, req Request) (*Response, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.pool.release()

	start := time.Now()
	var resp *Response

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.MaxRetries)+1),
		retry.Delay(m.cfg.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Breaker-open means the backend is sidelined; move on to the
			// next binding instead of hammering it.
			return core.IsTransient(err) && !errors.Is(err, gobreaker.ErrOpenState)
		}),
	)

	err := r.Do(func() error {
		callCtx := ctx
		if m.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()
		}

		out, cbErr := s.breaker.Execute(func() (any, error) {
			r, err := s.adapter.Invoke(callCtx, req)
			if err != nil {
				return nil, classifyCallError(callCtx, err)
			}
			return r, nil
		})
		if cbErr != nil {
			if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
				return core.WrapError(core.KindModelConnection, cbErr, "model "+b.ModelID+" circuit open")
			}
			return cbErr
		}
		resp = out.(*Response)
		return nil
	})

	elapsed := time.Since(start)
	success := err == nil

	m.registry.RecordOutcome(b.CapabilityID, b.ModelID, success, elapsed)
	if m.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		m.metrics.ModelCalls.WithLabelValues(b.ModelID, outcome).Inc()
		m.metrics.ModelLatency.WithLabelValues(b.ModelID).Observe(elapsed.Seconds())
	}

	if err != nil {
		return nil, err
	}
	resp.ModelID = b.ModelID
	resp.Latency = elapsed
	return resp, nil
}

// classifyCallError maps context expiry inside a call attempt onto the
// transient class so it is retried; adapter-classified errors pass through.
func classifyCallError(ctx context.Context, err error) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.WrapError(core.KindModelConnection, err, "model call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return core.WrapError(core.KindCancelled, err, "model call cancelled")
	}
	return core.WrapError(core.KindModelConnection, err, "model call failed")
}
