// Package core provides the foundational domain types shared by every
// TaskMesh component. It defines the core abstractions for:
//
//   - Tasks (units of routable work with priority and lifecycle status)
//   - Results (the capability-typed outcome of a model invocation)
//   - Messages (the A2A envelope exchanged inside collaboration sessions)
//   - Errors (the engine-wide failure taxonomy with display-ready reasons)
//
// The package intentionally keeps implementation concerns (routing, model
// invocation, collaboration orchestration) out of scope so that every other
// package can depend on it without cycles.
package core
