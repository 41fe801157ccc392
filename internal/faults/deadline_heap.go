package faults

import (
	"container/heap"
	"time"
)

// deadlineHeap is a min-heap of instance indices ordered by expiry deadline.
// pos maps an instance index to its heap slot (-1 when absent) so running
// instances can be removed in O(log n) on reset.
type deadlineHeap struct {
	items    []int
	pos      []int
	deadline func(idx int) time.Duration
}

func newDeadlineHeap(capacity int, deadline func(idx int) time.Duration) *deadlineHeap {
	h := &deadlineHeap{
		items:    make([]int, 0, capacity),
		pos:      make([]int, capacity),
		deadline: deadline,
	}
	for i := range h.pos {
		h.pos[i] = -1
	}
	return h
}

func (h *deadlineHeap) Len() int { return len(h.items) }

func (h *deadlineHeap) Less(i, j int) bool {
	di, dj := h.deadline(h.items[i]), h.deadline(h.items[j])
	if di != dj {
		return di < dj
	}
	// Equal deadlines pop in instance order.
	return h.items[i] < h.items[j]
}

func (h *deadlineHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.pos[h.items[i]] = i
	h.pos[h.items[j]] = j
}

func (h *deadlineHeap) Push(x any) {
	idx := x.(int)
	h.pos[idx] = len(h.items)
	h.items = append(h.items, idx)
}

func (h *deadlineHeap) Pop() any {
	n := len(h.items) - 1
	idx := h.items[n]
	h.items = h.items[:n]
	h.pos[idx] = -1
	return idx
}

func (h *deadlineHeap) insert(idx int) { heap.Push(h, idx) }

func (h *deadlineHeap) remove(idx int) bool {
	p := h.pos[idx]
	if p < 0 {
		return false
	}
	heap.Remove(h, p)
	return true
}

func (h *deadlineHeap) contains(idx int) bool { return h.pos[idx] >= 0 }

// peek returns the instance with the earliest deadline.
func (h *deadlineHeap) peek() (int, bool) {
	if len(h.items) == 0 {
		return 0, false
	}
	return h.items[0], true
}

func (h *deadlineHeap) popMin() int { return heap.Pop(h).(int) }
