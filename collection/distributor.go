package collection

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/mcs-systems/mcs/cmn"
)

// StorageCapacity pairs a storage id with its remaining capacity for
// one distribution call. The slice order is the deterministic
// storage-id order spec.md §4.F uses to turn the final assignment into
// contiguous ranges.
type StorageCapacity struct {
	StorageID cmn.StorageID
	Remaining cmn.MaxSize
}

type capacityItem struct {
	storageID cmn.StorageID
	remaining cmn.MaxSize
	order     int
}

// capacityHeap is a min-heap by remaining capacity, grounded on the
// free-list/offset bookkeeping style of buildbarn's
// partitioning_block_allocator.go translated to Go's container/heap.
type capacityHeap []*capacityItem

func (h capacityHeap) Len() int            { return len(h) }
func (h capacityHeap) Less(i, j int) bool  { return h[i].remaining.Less(h[j].remaining) }
func (h capacityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *capacityHeap) Push(x interface{}) { *h = append(*h, x.(*capacityItem)) }
func (h *capacityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func addMaxSize(a, b cmn.MaxSize) cmn.MaxSize {
	if a.IsUnlimited() || b.IsUnlimited() {
		return cmn.Unlimited
	}
	av, _ := a.Value()
	bv, _ := b.Value()
	return cmn.Limit(av + bv)
}

// Distribute implements spec.md §4.F's as-equal-as-possible partition.
// Repeatedly pops the smallest remaining capacity; if it is fully
// consumed by the current fair share, it is packed completely and
// removed, otherwise it (and every storage left in the heap, since they
// all have capacity >= it) receives exactly the fair share, with the
// division remainder handed out one extra byte at a time in the
// caller's storage-id order.
func Distribute(size cmn.Size, capacities []StorageCapacity) (map[cmn.StorageID]cmn.Range, error) {
	if len(capacities) == 0 {
		if size == 0 {
			return map[cmn.StorageID]cmn.Range{}, nil
		}
		return nil, fmt.Errorf("collection: cannot distribute %d bytes across zero storages", size)
	}

	total := cmn.Limit(0)
	h := make(capacityHeap, 0, len(capacities))
	for i, c := range capacities {
		total = addMaxSize(total, c.Remaining)
		h = append(h, &capacityItem{storageID: c.StorageID, remaining: c.Remaining, order: i})
	}
	if !total.IsUnlimited() {
		tv, _ := total.Value()
		if uint64(size) > uint64(tv) {
			return nil, fmt.Errorf("collection: requested size %d exceeds total capacity %d", size, tv)
		}
	}
	heap.Init(&h)

	assigned := make(map[cmn.StorageID]cmn.Size, len(capacities))
	remainingSize := uint64(size)

	for h.Len() > 0 {
		fairShare := remainingSize / uint64(h.Len())
		top := h[0]
		if !top.remaining.IsUnlimited() {
			if capVal, _ := top.remaining.Value(); uint64(capVal) <= fairShare {
				heap.Pop(&h)
				assigned[top.storageID] = capVal
				remainingSize -= uint64(capVal)
				continue
			}
		}
		break
	}

	if n := h.Len(); n > 0 {
		fairShare := remainingSize / uint64(n)
		remainder := remainingSize % uint64(n)
		items := append(capacityHeap(nil), h...)
		sort.Slice(items, func(i, j int) bool { return items[i].order < items[j].order })
		for i, item := range items {
			share := fairShare
			if uint64(i) < remainder {
				share++
			}
			assigned[item.storageID] = cmn.Size(share)
		}
	}

	result := make(map[cmn.StorageID]cmn.Range, len(capacities))
	offset := cmn.Offset(0)
	for _, c := range capacities {
		sz := assigned[c.StorageID]
		result[c.StorageID] = cmn.Range{Begin: offset, End: offset + cmn.Offset(sz)}
		offset += cmn.Offset(sz)
	}
	return result, nil
}
