package scheduler

import (
	"container/heap"

	"github.com/user/agentfs/internal/types"
)

// taskQueue is a max-heap on priority, FIFO by sequence within a tier.
type taskQueue []*types.Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*types.Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// remove drops the task for id, reporting whether it was queued.
func (q *taskQueue) remove(id types.AgentID) bool {
	for i, t := range *q {
		if t.AgentID == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
