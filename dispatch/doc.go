// Package dispatch queues submitted tasks and routes them to agents.
//
// The allocator owns a priority queue (higher priority first, FIFO within a
// tier) and a dispatch loop that pairs each task with an eligible agent
// chosen by the router. Tasks that cannot be placed are requeued with
// exponential delay and eventually fail with NoCapacity.
package dispatch
