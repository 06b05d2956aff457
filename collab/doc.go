// Package collab coordinates multi-agent collaboration sessions.
//
// A session fans a request out into sub-tasks according to one of four
// patterns: Sequential (pipeline, fail fast), Parallel (fan out, tolerate
// partial failure), Hierarchical (workers then a coordinator stage) and
// PeerToPeer (explicit dependencies with deadlock detection). Sub-tasks run
// through the regular dispatch path, so routing, retry and capacity rules
// apply unchanged.
package collab
