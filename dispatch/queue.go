package dispatch

import (
	"container/heap"
	"time"

	"github.com/taskmesh/taskmesh/core"
)

// queueItem is one pending task plus its ordering and retry bookkeeping.
type queueItem struct {
	task     core.Task
	attempts int
	// notBefore delays requeued tasks so retries back off instead of
	// spinning against the same empty agent set.
	notBefore time.Time
	seq       uint64
	index     int
}

// taskQueue is a max-heap over priority with FIFO ordering inside a tier,
// enforced by a monotonically increasing sequence number. It is not
// goroutine safe; the allocator guards it with its own mutex.
type taskQueue struct {
	items  []*queueItem
	byID   map[string]*queueItem
	nextSq uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*queueItem)}
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *taskQueue) Push(x any) {
	it := x.(*queueItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	return it
}

// enqueue inserts the item, preserving its original sequence number when it
// is a requeue so FIFO order within a tier reflects submission order.
func (q *taskQueue) enqueue(it *queueItem) {
	if it.seq == 0 {
		q.nextSq++
		it.seq = q.nextSq
	}
	q.byID[it.task.ID] = it
	heap.Push(q, it)
}

// next pops the highest-priority item whose backoff delay has elapsed. It
// returns the soonest notBefore among held-back items so the caller knows
// when to wake up again.
func (q *taskQueue) next(now time.Time) (*queueItem, time.Time) {
	var held []*queueItem
	var it *queueItem
	var soonest time.Time

	for q.Len() > 0 {
		cand := heap.Pop(q).(*queueItem)
		if cand.notBefore.After(now) {
			held = append(held, cand)
			if soonest.IsZero() || cand.notBefore.Before(soonest) {
				soonest = cand.notBefore
			}
			continue
		}
		it = cand
		break
	}
	for _, h := range held {
		heap.Push(q, h)
	}
	if it != nil {
		delete(q.byID, it.task.ID)
	}
	return it, soonest
}

// remove takes a pending task out of the queue, for cancellation. It reports
// whether the task was queued.
func (q *taskQueue) remove(taskID string) bool {
	it, ok := q.byID[taskID]
	if !ok || it.index < 0 {
		return false
	}
	heap.Remove(q, it.index)
	delete(q.byID, taskID)
	return true
}
