package scheduler

// retryHeap is a min-heap of attempts ordered by NotBefore, earliest
// first. One heap and one armed timer serve every retry in the
// scheduler. Entries for cancelled subscriptions are lazily deleted
// when they surface.
//
// Implements container/heap.Interface.
type retryHeap []*Attempt

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) {
	*h = append(*h, x.(*Attempt))
}

func (h *retryHeap) Pop() any {
	old := *h
	a := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return a
}
