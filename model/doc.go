// Package model exposes a uniform "invoke capability" operation over
// heterogeneous model backends.
//
// Backends plug in through the Adapter interface; their authentication, rate
// limiting and wire protocol stay on their side of the boundary. The Manager
// layers the engine's degradation contract on top:
//
//   - per-model bounded connection pools (callers block, subject to their
//     context, when a pool is exhausted)
//   - bounded retry with exponential backoff on transient errors
//   - a per-model circuit breaker that trips a failing backend out of
//     rotation
//   - fallback to the next-ranked binding for the same capability, surfacing
//     failure only once every binding is exhausted
//
// Every call outcome is recorded back to the capability registry so binding
// scores track reality.
package model
