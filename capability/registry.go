package capability

import (
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/core"
)

const (
	// DefaultSmoothing is the weight given to the newest sample when updating
	// a binding's smoothed latency and success rate.
	DefaultSmoothing = 0.2
	// DefaultLatencyBaseline normalizes smoothed latency into the score: a
	// binding at the baseline contributes a 0.5 latency factor.
	DefaultLatencyBaseline = time.Second
)

// binding is the mutable registry-owned record behind the Binding snapshot.
type binding struct {
	capabilityID string
	modelID      string
	score        float64
	latency      time.Duration
	successRate  float64
	invocations  uint64
	updatedAt    time.Time
}

func (b *binding) snapshot() Binding {
	return Binding{
		CapabilityID: b.capabilityID,
		ModelID:      b.modelID,
		Score:        b.score,
		Latency:      b.latency,
		SuccessRate:  b.successRate,
		Invocations:  b.invocations,
		UpdatedAt:    b.updatedAt,
	}
}

// Registry tracks capabilities and their model bindings. All methods are
// safe for concurrent use; lookups copy state out under a read lock so
// callers never share mutable records with the registry.
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]Capability
	bindings  map[string]map[string]*binding // capability id -> model id -> binding
	smoothing float64
	baseline  time.Duration
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Smoothing is the exponential-moving-average weight for new samples.
	Smoothing float64
	// LatencyBaseline anchors the latency contribution to the score.
	LatencyBaseline time.Duration
}

// NewRegistry creates an empty registry with optional tuning.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Smoothing:       DefaultSmoothing,
		LatencyBaseline: DefaultLatencyBaseline,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Smoothing <= 0 || opts.Smoothing > 1 {
		opts.Smoothing = DefaultSmoothing
	}
	if opts.LatencyBaseline <= 0 {
		opts.LatencyBaseline = DefaultLatencyBaseline
	}
	return &Registry{
		caps:      make(map[string]Capability),
		bindings:  make(map[string]map[string]*binding),
		smoothing: opts.Smoothing,
		baseline:  opts.LatencyBaseline,
	}
}

// Register adds a capability. Re-registering the same id with the same type
// is a no-op; a type mismatch is a configuration error.
func (r *Registry) Register(c Capability) error {
	if c.ID == "" || c.Type == "" {
		return core.NewError(core.KindConfigurationInvalid, "capability requires id and type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.caps[c.ID]; ok {
		if existing.Type != c.Type {
			return core.Errorf(core.KindConfigurationInvalid,
				"capability %q already registered with type %q", c.ID, existing.Type)
		}
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.caps[c.ID] = c
	return nil
}

// Get returns the capability for id.
func (r *Registry) Get(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// HasType reports whether any registered capability carries the given type.
func (r *Registry) HasType(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.caps {
		if c.Type == t {
			return true
		}
	}
	return false
}

// Bind associates a model with a capability at an initial score. Rebinding an
// existing pair resets its score but preserves nothing else; unknown
// capabilities are rejected.
func (r *Registry) Bind(capabilityID, modelID string, initialScore float64) error {
	if modelID == "" {
		return core.NewError(core.KindConfigurationInvalid, "binding requires a model id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.caps[capabilityID]; !ok {
		return core.Errorf(core.KindConfigurationInvalid, "unknown capability %q", capabilityID)
	}
	models := r.bindings[capabilityID]
	if models == nil {
		models = make(map[string]*binding)
		r.bindings[capabilityID] = models
	}
	models[modelID] = &binding{
		capabilityID: capabilityID,
		modelID:      modelID,
		score:        initialScore,
		successRate:  1,
		updatedAt:    time.Now().UTC(),
	}
	return nil
}

// Rank returns the bindings able to serve the capability type, best first.
// Ordering is deterministic: descending score, then ascending smoothed
// latency, then model id.
func (r *Registry) Rank(t Type) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for capID, c := range r.caps {
		if c.Type != t {
			continue
		}
		for _, b := range r.bindings[capID] {
			out = append(out, b.snapshot())
		}
	}
	sortBindings(out)
	return out
}

// Bindings returns the ranked bindings for one capability id.
func (r *Registry) Bindings(capabilityID string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for _, b := range r.bindings[capabilityID] {
		out = append(out, b.snapshot())
	}
	sortBindings(out)
	return out
}

func sortBindings(bs []Binding) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Score != bs[j].Score {
			return bs[i].Score > bs[j].Score
		}
		if bs[i].Latency != bs[j].Latency {
			return bs[i].Latency < bs[j].Latency
		}
		return bs[i].ModelID < bs[j].ModelID
	})
}

// RecordOutcome folds one invocation result into the binding's smoothed
// metrics and recomputes its score. Unknown pairs are ignored so adapters can
// report outcomes without caring whether operators rebound the model.
func (r *Registry) RecordOutcome(capabilityID, modelID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[capabilityID][modelID]
	if !ok {
		return
	}

	alpha := r.smoothing
	sample := 0.0
	if success {
		sample = 1.0
	}
	if b.invocations == 0 {
		b.latency = latency
		b.successRate = sample
	} else {
		b.latency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(b.latency))
		b.successRate = alpha*sample + (1-alpha)*b.successRate
	}
	b.invocations++

	// Score blends reliability with responsiveness: a binding at the latency
	// baseline keeps half of its success-rate score.
	latencyFactor := float64(r.baseline) / float64(r.baseline+b.latency)
	b.score = b.successRate * latencyFactor
	b.updatedAt = time.Now().UTC()
}

// BestScore returns the highest current binding score for the capability
// type, or 0 when no binding exists. The router folds this into agent
// ranking.
func (r *Registry) BestScore(t Type) float64 {
	ranked := r.Rank(t)
	if len(ranked) == 0 {
		return 0
	}
	return ranked[0].Score
}

// Capabilities returns a copy of all registered capabilities.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
