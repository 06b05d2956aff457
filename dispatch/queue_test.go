package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/core"
)

func enqueueTask(q *taskQueue, id string, p core.TaskPriority) {
	q.enqueue(&queueItem{task: core.Task{ID: id, Priority: p}})
}

func drain(q *taskQueue) []string {
	var out []string
	for {
		it, _ := q.next(time.Now())
		if it == nil {
			return out
		}
		out = append(out, it.task.ID)
	}
}

func TestTaskQueue_PriorityOrdering(t *testing.T) {
	q := newTaskQueue()
	enqueueTask(q, "t1", core.PriorityLow)
	enqueueTask(q, "t2", core.PriorityUrgent)
	enqueueTask(q, "t3", core.PriorityNormal)
	enqueueTask(q, "t4", core.PriorityUrgent)
	enqueueTask(q, "t5", core.PriorityLow)

	// Higher priority first; FIFO within a tier.
	assert.Equal(t, []string{"t2", "t4", "t3", "t1", "t5"}, drain(q))
}

func TestTaskQueue_FIFOWithinTier(t *testing.T) {
	q := newTaskQueue()
	for _, id := range []string{"a", "b", "c", "d"} {
		enqueueTask(q, id, core.PriorityNormal)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, drain(q))
}

func TestTaskQueue_RequeueKeepsOriginalPosition(t *testing.T) {
	q := newTaskQueue()
	enqueueTask(q, "a", core.PriorityNormal)
	enqueueTask(q, "b", core.PriorityNormal)

	it, _ := q.next(time.Now())
	require.Equal(t, "a", it.task.ID)

	// A requeued item keeps its sequence number and therefore its FIFO slot.
	q.enqueue(it)
	assert.Equal(t, []string{"a", "b"}, drain(q))
}

func TestTaskQueue_BackoffHoldsItems(t *testing.T) {
	q := newTaskQueue()
	now := time.Now()

	held := &queueItem{task: core.Task{ID: "held", Priority: core.PriorityUrgent}}
	held.notBefore = now.Add(time.Hour)
	q.enqueue(held)
	enqueueTask(q, "ready", core.PriorityLow)

	// The urgent item is backing off, so the low one dispatches first.
	it, soonest := q.next(now)
	require.NotNil(t, it)
	assert.Equal(t, "ready", it.task.ID)

	it, soonest = q.next(now)
	assert.Nil(t, it)
	assert.Equal(t, held.notBefore, soonest)

	// Once the delay elapses the held item dispatches.
	it, _ = q.next(now.Add(2 * time.Hour))
	require.NotNil(t, it)
	assert.Equal(t, "held", it.task.ID)
}

func TestTaskQueue_Remove(t *testing.T) {
	q := newTaskQueue()
	enqueueTask(q, "a", core.PriorityNormal)
	enqueueTask(q, "b", core.PriorityHigh)
	enqueueTask(q, "c", core.PriorityNormal)

	assert.True(t, q.remove("a"))
	assert.False(t, q.remove("a"))
	assert.False(t, q.remove("missing"))

	assert.Equal(t, []string{"b", "c"}, drain(q))
}
