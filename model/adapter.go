package model

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/capability"
	"github.com/taskmesh/taskmesh/core"
)

// Request is the capability-typed input handed to a backend adapter.
type Request struct {
	TaskID     string          `json:"task_id"`
	Capability capability.Type `json:"capability"`
	Payload    core.Payload    `json:"payload"`
}

// Response is the capability-typed output of a backend call. ModelID and
// Latency are filled by the Manager when the adapter leaves them zero.
type Response struct {
	ModelID string        `json:"model_id"`
	Output  string        `json:"output"`
	Usage   core.Usage    `json:"usage"`
	Latency time.Duration `json:"latency"`
}

// Info identifies a backend adapter.
type Info struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
}

// Adapter is the minimal contract a model backend must satisfy. Transient
// failures (network, timeout) should be returned as core errors of kind
// KindModelConnection so the Manager retries and falls back; any other error
// is treated as task-local and surfaces immediately.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
	Info() Info
}
