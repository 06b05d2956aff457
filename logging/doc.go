// Package logging provides a minimal logging interface and adapters for
// TaskMesh.
//
// The Logger interface defines the structured logging methods (Debug, Info,
// Warn, Error) that engine components use for observability. This package
// includes:
//
//   - Logger interface for dependency injection
//   - ZapAdapter wrapping go.uber.org/zap's sugared logger
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewZapLogger(logging.LevelInfo, "json")
//	engine := taskmesh.New(taskmesh.WithLogger(logger))
//
// The design intentionally keeps the interface minimal so users can plug any
// structured logger while the built-in adapter covers production use.
package logging
