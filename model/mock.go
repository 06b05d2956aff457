package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/core"
)

// MockAdapter is a lightweight in-memory Adapter useful for tests and
// examples. Responses can be scripted per prompt, and failures injected
// either for the first N calls or permanently.
type MockAdapter struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	delay     time.Duration
	failN     int
	failErr   error
	calls     int
}

// NewMockAdapter constructs a MockAdapter for the given model id.
func NewMockAdapter(modelID string) *MockAdapter {
	return &MockAdapter{
		info:      Info{ModelID: modelID, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *MockAdapter) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// SetDelay makes every call take at least d.
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext makes the next n calls return err. Passing a negative n fails
// every call.
func (m *MockAdapter) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
	m.failErr = err
}

// Calls reports how many invocations the adapter has served.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Invoke implements Adapter.
func (m *MockAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	delay := m.delay
	var fail error
	if m.failN != 0 && m.failErr != nil {
		fail = m.failErr
		if m.failN > 0 {
			m.failN--
		}
	}
	full := m.responses[req.Payload.Prompt]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, core.WrapError(core.KindModelConnection, ctx.Err(), "mock call interrupted")
		case <-time.After(delay):
		}
	}
	if fail != nil {
		return nil, fail
	}
	if full == "" {
		full = fmt.Sprintf("mock response to: %s", req.Payload.Prompt)
	}

	return &Response{
		ModelID: m.info.ModelID,
		Output:  full,
		Usage: core.Usage{
			PromptTokens:     len(req.Payload.Prompt) / 4,
			CompletionTokens: len(full) / 4,
			TotalTokens:      (len(req.Payload.Prompt) + len(full)) / 4,
		},
	}, nil
}

// Info implements Adapter.
func (m *MockAdapter) Info() Info { return m.info }
