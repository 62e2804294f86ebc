package bus

import "github.com/loomwork/loom/internal/events"

// item wraps an Event with its FIFO insertion sequence so the heap can break
// ties within the same priority class in arrival order.
type item struct {
	evt events.Event
	seq int64
}

// priorityHeap is a min-heap keyed by (effectivePriority, seq), giving
// strict priority order across classes and FIFO order within a class.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	pi, pj := h[i].evt.EffectivePriority(), h[j].evt.EffectivePriority()
	if pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
