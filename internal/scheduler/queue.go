package scheduler

import "container/heap"

// readyQueue orders runnable tasks by priority descending, then submission
// order, so equal-priority tasks dequeue first-in first-out.
type readyQueue struct {
	items []*Task
	index map[string]int
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{index: make(map[string]int)}
	heap.Init(q)
	return q
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].ID] = i
	q.index[q.items[j].ID] = j
}

func (q *readyQueue) Push(x any) {
	t := x.(*Task)
	q.index[t.ID] = len(q.items)
	q.items = append(q.items, t)
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.index, t.ID)
	return t
}

func (q *readyQueue) push(t *Task) {
	heap.Push(q, t)
}

// pop returns the highest-priority task or nil when empty.
func (q *readyQueue) pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}

func (q *readyQueue) contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

// remove drops a task from the queue, e.g. when it becomes blocked.
func (q *readyQueue) remove(id string) bool {
	i, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(q, i)
	return true
}
