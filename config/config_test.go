package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate_WeightsMustSumToOne(t *testing.T) {
	cfg := Default()
	cfg.Scoring.CapabilityWeight = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidate_UnknownStrategyRejected(t *testing.T) {
	cfg := Default()
	cfg.Scoring.Strategy = "random"
	assert.Error(t, cfg.Validate())
}

func TestValidate_SmoothingBounds(t *testing.T) {
	cfg := Default()
	cfg.Scoring.Smoothing = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Scoring.Smoothing = 1.5
	assert.Error(t, cfg.Validate())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Allocator.DispatchRetries, cfg.Allocator.DispatchRetries)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	data := []byte(`
scoring:
  strategy: least_loaded
allocator:
  dispatch_retries: 5
  retry_delay: 100ms
model:
  call_timeout: 5s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "least_loaded", cfg.Scoring.Strategy)
	assert.Equal(t, 5, cfg.Allocator.DispatchRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Allocator.RetryDelay)
	assert.Equal(t, 5*time.Second, cfg.Model.CallTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Lifecycle.DrainTimeout, cfg.Lifecycle.DrainTimeout)
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scoring:\n  strategy: bogus\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDeclarations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decls.yaml")
	data := []byte(`
capabilities:
  - id: summarize
    type: text-summarization
bindings:
  - capability_id: summarize
    model_id: model-a
    initial_score: 0.8
agents:
  - id: worker-1
    capabilities: [text-summarization]
    max_concurrent: 4
    auto_start: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	d, err := LoadDeclarations(path)
	require.NoError(t, err)
	require.Len(t, d.Capabilities, 1)
	require.Len(t, d.Bindings, 1)
	require.Len(t, d.Agents, 1)
	assert.Equal(t, 0.8, d.Bindings[0].InitialScore)
	assert.True(t, d.Agents[0].AutoStart)
}

func TestDeclarations_Validate(t *testing.T) {
	base := Declarations{
		Capabilities: []CapabilityDecl{{ID: "summarize", Type: "text-summarization"}},
		Bindings:     []BindingDecl{{CapabilityID: "summarize", ModelID: "model-a"}},
		Agents:       []AgentDecl{{ID: "worker-1", Capabilities: []string{"text-summarization"}}},
	}
	assert.NoError(t, base.Validate())

	bad := base
	bad.Bindings = []BindingDecl{{CapabilityID: "missing", ModelID: "model-a"}}
	assert.Error(t, bad.Validate())

	bad = base
	bad.Agents = []AgentDecl{{ID: "worker-1", Capabilities: []string{"unknown-type"}}}
	assert.Error(t, bad.Validate())

	bad = base
	bad.Agents = []AgentDecl{
		{ID: "worker-1", Capabilities: []string{"text-summarization"}},
		{ID: "worker-1", Capabilities: []string{"text-summarization"}},
	}
	assert.Error(t, bad.Validate())
}
