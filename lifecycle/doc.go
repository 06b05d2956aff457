// Package lifecycle owns the state machine of every agent instance.
//
// Agents move through Created → Initializing → Ready ⇄ Running → Stopping →
// Stopped. Unrecoverable faults land in Error; recoverable ones pass through
// Recovering with bounded, exponentially backed-off attempts before Error
// becomes terminal. Every transition emits a status event for external
// observers.
//
// The manager is also the single writer of each agent's load counter: the
// allocator increments it on assignment and decrements it exactly once per
// terminal task transition, which keeps the load-conservation invariant
// checkable at any instant.
package lifecycle
