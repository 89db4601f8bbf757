package sched

import "github.com/docubuild/foreman/job"

// queueItem is one queued job inside a class's priority heap. seq is a
// per-class monotonic counter assigned at submission; it breaks
// priority ties in submission order and survives reprioritization.
type queueItem struct {
	job   *job.Job
	seq   uint64
	index int
}

// priorityHeap orders queued jobs by priority descending, then
// submission order ascending. Implements container/heap.Interface.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
