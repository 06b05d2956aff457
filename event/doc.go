// Package event implements the in-process status event bus.
//
// Components publish status-change events for agents, tasks and
// collaboration sessions; external observers (UI, persistence, metrics)
// subscribe per category. Delivery is fire-and-forget and at-least-once:
// handlers run in their own goroutines and are expected to be idempotent on
// (entity id, new status). Subscriber lifetime is explicit via the
// unsubscribe function returned from Subscribe.
package event
