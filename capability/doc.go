// Package capability implements the capability registry: the catalog of
// declared AI capabilities and the scored bindings that map each capability
// onto concrete model backends.
//
// Bindings carry an exponentially smoothed performance score recomputed after
// every invocation. Ranked lookups are deterministic: descending score, ties
// broken by lowest smoothed latency, then by model id. Reads return
// snapshot-consistent copies; updates are serialized per registry so a reader
// never observes a partially updated score.
package capability
