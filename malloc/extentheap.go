package malloc

import "container/heap"

// extentheap min-heap of extents, position tracked in Extent.heapidx so
// that arbitrary members can be removed in O(log n).
type extentheap struct {
	items []*Extent
	less  func(a, b *Extent) bool
}

func newextentheap(less func(a, b *Extent) bool) *extentheap {
	return &extentheap{items: make([]*Extent, 0), less: less}
}

// Len implement heap.Interface{}.
func (h *extentheap) Len() int {
	return len(h.items)
}

// Less implement heap.Interface{}.
func (h *extentheap) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}

// Swap implement heap.Interface{}.
func (h *extentheap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapidx, h.items[j].heapidx = i, j
}

// Push implement heap.Interface{}.
func (h *extentheap) Push(x interface{}) {
	e := x.(*Extent)
	e.heapidx = len(h.items)
	h.items = append(h.items, e)
}

// Pop implement heap.Interface{}.
func (h *extentheap) Pop() interface{} {
	n := len(h.items)
	e := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	e.heapidx = -1
	return e
}

func (h *extentheap) insert(e *Extent) {
	heap.Push(h, e)
}

func (h *extentheap) remove(e *Extent) {
	if e.heapidx < 0 || e.heapidx >= len(h.items) || h.items[e.heapidx] != e {
		panicerr("extentheap: %v not a member", e)
	}
	heap.Remove(h, e.heapidx)
}

func (h *extentheap) first() *Extent {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *extentheap) removefirst() *Extent {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(*Extent)
}

func (h *extentheap) empty() bool {
	return len(h.items) == 0
}
