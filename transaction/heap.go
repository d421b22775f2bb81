package transaction

import "time"

// ttlEntry is one entry of the deadline-ordered expiry queue. index is
// maintained by ttlHeap.Swap so Store can heap.Remove a specific entry
// (e.g. when Take resolves a transaction before it expires) without
// scanning the whole heap.
type ttlEntry struct {
	key      Key
	deadline time.Time
	index    int
}

// ttlHeap is a container/heap.Interface ordering ttlEntry by ascending
// deadline, giving the store an O(log n) "next expiring transaction"
// operation without a dedicated per-connection timer for every pending
// request, and an O(log n) removal of an arbitrary entry via its index.
type ttlHeap []*ttlEntry

func (h ttlHeap) Len() int           { return len(h) }
func (h ttlHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h ttlHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ttlHeap) Push(x interface{}) {
	entry := x.(*ttlEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *ttlHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
