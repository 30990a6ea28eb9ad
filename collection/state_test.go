package collection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mcs-systems/mcs/cmn"
)

// fakeProvider is an in-memory test double for the Provider seam: it
// tracks per-storage remaining capacity and hands out sequential
// segment ids, the same bookkeeping style storage/virtual_test.go's
// pluginBackend uses. State.Create/Append call SegmentCreate
// from multiple goroutines, so access to the shared maps is guarded.
type fakeProvider struct {
	mu         sync.Mutex
	caps       []StorageCapacity
	used       map[cmn.StorageID]cmn.Size
	nextSeg    cmn.SegmentID
	failCreate map[cmn.StorageID]bool
}

func newFakeProvider(caps []StorageCapacity) *fakeProvider {
	return &fakeProvider{
		caps:       caps,
		used:       make(map[cmn.StorageID]cmn.Size),
		failCreate: make(map[cmn.StorageID]bool),
	}
}

func (p *fakeProvider) Capacities() []StorageCapacity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StorageCapacity, len(p.caps))
	for i, c := range p.caps {
		if capVal, ok := c.Remaining.Value(); ok {
			out[i] = StorageCapacity{StorageID: c.StorageID, Remaining: cmn.Limit(capVal - p.used[c.StorageID])}
		} else {
			out[i] = c
		}
	}
	return out
}

func (p *fakeProvider) SegmentCreate(id cmn.StorageID, size cmn.Size) (cmn.SegmentID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate[id] {
		return 0, fmt.Errorf("fakeProvider: storage %d refuses segment_create", id)
	}
	p.nextSeg++
	p.used[id] += size
	return p.nextSeg, nil
}

func (p *fakeProvider) SegmentRemove(id cmn.StorageID, segID cmn.SegmentID) (cmn.Size, error) {
	return 0, nil
}

func (p *fakeProvider) Address(id cmn.StorageID) cmn.Address {
	return cmn.Address{Network: "tcp", Addr: fmt.Sprintf("storage-%d:0", id)}
}

func TestStateCreateAndRange(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{
		{StorageID: 1, Remaining: cmn.Limit(10)},
		{StorageID: 2, Remaining: cmn.Limit(10)},
	})

	if err := s.Create("coll-a", 16, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rng, err := s.Range("coll-a")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if rng.Size() != 16 {
		t.Fatalf("Range size = %d, want 16", rng.Size())
	}
	if rng.Begin != 0 {
		t.Fatalf("Range begin = %d, want 0", rng.Begin)
	}
}

func TestStateCreateDuplicateRejected(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{{StorageID: 1, Remaining: cmn.Unlimited}})
	if err := s.Create("coll-a", 4, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("coll-a", 4, p); err == nil {
		t.Fatal("expected duplicate collection id to be rejected")
	} else if _, ok := err.(*cmn.DuplicateIDError); !ok {
		t.Fatalf("got %T, want *cmn.DuplicateIDError", err)
	}
}

// TestStateCreatePartialFailureNoRollback exercises the documented
// no-rollback behavior: a storage that refuses segment_create fails
// the overall create, but any segment already created on another
// storage stays charged against that storage's usage.
func TestStateCreatePartialFailureNoRollback(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{
		{StorageID: 1, Remaining: cmn.Limit(10)},
		{StorageID: 2, Remaining: cmn.Limit(10)},
	})
	p.failCreate[2] = true

	err := s.Create("coll-a", 16, p)
	if err == nil {
		t.Fatal("expected Create to fail when one storage refuses segment_create")
	}
	if _, ok := err.(*cmn.AggregateError); !ok {
		t.Fatalf("got %T, want *cmn.AggregateError", err)
	}
	if p.used[1] == 0 {
		t.Fatal("storage 1's segment_create should still have run and stayed charged although storage 2 failed")
	}
	if _, ok := s.entry("coll-a"); ok {
		t.Fatal("collection should not be registered after a failed create")
	}
}

func TestStateAppendExtendsRange(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{
		{StorageID: 1, Remaining: cmn.Unlimited},
		{StorageID: 2, Remaining: cmn.Unlimited},
	})
	if err := s.Create("coll-a", 10, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Append("coll-a", 20, p); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rng, err := s.Range("coll-a")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if rng != (cmn.Range{Begin: 0, End: 20}) {
		t.Fatalf("Range = %+v, want [0, 20)", rng)
	}
}

func TestStateAppendNoopWhenAlreadyCovered(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{{StorageID: 1, Remaining: cmn.Unlimited}})
	if err := s.Create("coll-a", 10, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Append("coll-a", 5, p); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rng, _ := s.Range("coll-a")
	if rng.Size() != 10 {
		t.Fatalf("Range size = %d, want unchanged 10", rng.Size())
	}
}

func TestStateDeleteErasesEntry(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{{StorageID: 1, Remaining: cmn.Unlimited}})
	if err := s.Create("coll-a", 4, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete("coll-a", p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Range("coll-a"); err == nil {
		t.Fatal("expected Range on a deleted collection to fail")
	} else if _, ok := err.(*cmn.UnknownIDError); !ok {
		t.Fatalf("got %T, want *cmn.UnknownIDError", err)
	}
}

func TestStateLocationsClipsAndOffsets(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{
		{StorageID: 1, Remaining: cmn.Limit(8)},
		{StorageID: 2, Remaining: cmn.Limit(8)},
	})
	if err := s.Create("coll-a", 16, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	locs, err := s.Locations("coll-a", cmn.Range{Begin: 4, End: 12}, p)
	if err != nil {
		t.Fatalf("Locations: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("Locations returned %d entries, want 2: %+v", len(locs), locs)
	}
	if locs[0].Range != (cmn.Range{Begin: 4, End: 8}) || locs[0].Offset != 4 {
		t.Fatalf("first intersection = %+v, want range [4,8) offset 4", locs[0])
	}
	if locs[1].Range != (cmn.Range{Begin: 8, End: 12}) || locs[1].Offset != 0 {
		t.Fatalf("second intersection = %+v, want range [8,12) offset 0", locs[1])
	}
}

func TestStateLocationsRejectsOutOfRange(t *testing.T) {
	s := NewState()
	p := newFakeProvider([]StorageCapacity{{StorageID: 1, Remaining: cmn.Unlimited}})
	if err := s.Create("coll-a", 8, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Locations("coll-a", cmn.Range{Begin: 4, End: 16}, p); err == nil {
		t.Fatal("expected out-of-range sub-range to be rejected")
	} else if _, ok := err.(*cmn.OutOfRangeError); !ok {
		t.Fatalf("got %T, want *cmn.OutOfRangeError", err)
	}
}
