package blockdev

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/mcs-systems/mcs/cmn"
)

func mustRange(t *testing.T, begin, end cmn.Offset) cmn.Range {
	t.Helper()
	r, err := cmn.NewRange(begin, end)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// TestSeedScenarioA walks the full add/remove/locate seed scenario of
// spec.md §8 (a): two storages sized 14 and 8 bytes over a block size
// of 4, a partial remove splitting both, and locate()s that cross a
// now-empty gap.
func TestSeedScenarioA(t *testing.T) {
	b, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	r1, err := b.Add(StorageDescriptor{StorageID: 1, Range: mustRange(t, 0, 14)})
	if err != nil {
		t.Fatalf("Add #1: %v", err)
	}
	if !r1.HasBlocks || r1.Blocks != (cmn.BlockRange{Begin: 0, End: 3}) {
		t.Fatalf("Add #1 blocks = %+v", r1)
	}
	if !r1.HasUnused || r1.Unused.Range != mustRange(t, 12, 14) {
		t.Fatalf("Add #1 unused = %+v", r1.Unused)
	}

	r2, err := b.Add(StorageDescriptor{StorageID: 2, Range: mustRange(t, 0, 8)})
	if err != nil {
		t.Fatalf("Add #2: %v", err)
	}
	if !r2.HasBlocks || r2.Blocks != (cmn.BlockRange{Begin: 3, End: 5}) {
		t.Fatalf("Add #2 blocks = %+v", r2)
	}
	if r2.HasUnused {
		t.Fatalf("Add #2 should report no unused, got %+v", r2.Unused)
	}

	if got, want := b.NumberOfBlocks(), uint64(5); got != want {
		t.Fatalf("NumberOfBlocks = %d, want %d", got, want)
	}

	ranges, err := b.Ranges()
	if err != nil {
		t.Fatalf("Ranges: %v", err)
	}
	want := []cmn.BlockRange{{Begin: 0, End: 5}}
	if diff := pretty.Compare(ranges, want); diff != "" {
		t.Fatalf("Ranges() diff (-got +want):\n%s", diff)
	}

	removed, err := b.Remove(cmn.BlockRange{Begin: 1, End: 4})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("Remove should touch both storages, got %d entries: %+v", len(removed), removed)
	}

	if got, want := b.NumberOfBlocks(), uint64(2); got != want {
		t.Fatalf("NumberOfBlocks after remove = %d, want %d", got, want)
	}

	loc0, err := b.Locate(0)
	if err != nil {
		t.Fatalf("Locate(0): %v", err)
	}
	if loc0.StorageID != 1 || loc0.Offset != 0 {
		t.Fatalf("Locate(0) = %+v, want storage 1 offset 0", loc0)
	}

	loc4, err := b.Locate(4)
	if err != nil {
		t.Fatalf("Locate(4): %v", err)
	}
	if loc4.StorageID != 2 || loc4.Offset != 4 {
		t.Fatalf("Locate(4) = %+v, want storage 2 offset 4", loc4)
	}

	if _, err := b.Locate(3); err == nil {
		t.Fatal("Locate(3) should raise: block 3 was removed")
	} else if _, ok := err.(*cmn.BlockNotInAnyStorageError); !ok {
		t.Fatalf("Locate(3) got %T, want *cmn.BlockNotInAnyStorageError", err)
	}
}

// TestLocateOffsetFormula covers property 4: for every recovered block
// id, locate()'s offset equals begin_of_segment + (bid - begin) * block_size.
func TestLocateOffsetFormula(t *testing.T) {
	b, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.Add(StorageDescriptor{StorageID: 9, SegmentID: 1, Range: mustRange(t, 100, 132)}); err != nil {
		t.Fatal(err)
	}
	for bid := cmn.BlockID(0); bid < 4; bid++ {
		loc, err := b.Locate(bid)
		if err != nil {
			t.Fatalf("Locate(%d): %v", bid, err)
		}
		want := cmn.Offset(100) + cmn.Offset(uint64(bid)*8)
		if loc.Offset != want {
			t.Fatalf("Locate(%d).Offset = %d, want %d", bid, loc.Offset, want)
		}
	}
	if _, err := b.Locate(4); err == nil {
		t.Fatal("Locate(4) should raise: out of range")
	}
}

// TestRememberRangeGrowPreservesEarlierBuckets covers property 4's
// no-false-negative guarantee across a cuckoo filter grow: forcing the
// filter to saturate and rebuild must not forget buckets remembered
// before the grow, or maybeTouched would wrongly route an already
// touched bucket around Locate's buntdb lookup.
func TestRememberRangeGrowPreservesEarlierBuckets(t *testing.T) {
	b, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	// shrink the filter so saturation happens almost immediately instead
	// of needing tens of thousands of distinct buckets.
	b.filter = cuckoo.NewFilter(1)

	firstBucket := uint64(0)
	b.rememberRange(cmn.BlockRange{Begin: cmn.BlockID(firstBucket * bucketBlocks), End: cmn.BlockID(firstBucket*bucketBlocks + 1)})
	if !b.maybeTouched(cmn.BlockID(firstBucket * bucketBlocks)) {
		t.Fatal("bucket 0 should be touched right after being remembered")
	}

	for bucket := uint64(1); bucket < 64; bucket++ {
		b.rememberRange(cmn.BlockRange{Begin: cmn.BlockID(bucket * bucketBlocks), End: cmn.BlockID(bucket*bucketBlocks + 1)})
	}

	if !b.maybeTouched(cmn.BlockID(firstBucket * bucketBlocks)) {
		t.Fatal("bucket 0 was forgotten after the filter grew - grow must reinsert every remembered bucket")
	}
}

// TestAddIncrementsMonotonically covers property 2: adding the same
// physical storage twice produces two distinct, non-overlapping block
// ranges; block ids are never reused.
func TestAddIncrementsMonotonically(t *testing.T) {
	b, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	r1, _ := b.Add(StorageDescriptor{StorageID: 1, Range: mustRange(t, 0, 8)})
	r2, _ := b.Add(StorageDescriptor{StorageID: 1, Range: mustRange(t, 0, 8)})
	if r1.Blocks == r2.Blocks {
		t.Fatalf("two adds of the same storage produced identical block ranges: %+v", r1.Blocks)
	}
	if r2.Blocks.Begin != r1.Blocks.End {
		t.Fatalf("second add should continue immediately after the first: %+v then %+v", r1.Blocks, r2.Blocks)
	}
}
