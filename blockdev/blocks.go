// Package blockdev implements the block-device meta-data layer of
// spec.md §4.D: a bidirectional map between monotonically increasing
// block ids and (storage, segment, offset) tuples, held under one
// reader-writer lock.
//
// The ordered `used_storages` set is grounded on dbdriver/bunt.go's
// in-memory tidwall/buntdb usage: an instance opened against ":memory:"
// gives O(log N) ordered lookups without hand-rolling a balanced tree.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package blockdev

import (
	"encoding/binary"
	"fmt"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/mcs-systems/mcs/cmn"
	"github.com/mcs-systems/mcs/wire"
)

// bucketBlocks is the granularity at which the cuckoo filter remembers
// "touched" block ids: one entry per bucket keeps the filter small for
// wide ranges while never producing a false negative (every bucket a
// stored range overlaps is always inserted), so locate()'s returned
// value never changes, only whether buntdb is consulted.
const bucketBlocks = 4096

const initialFilterCapacity = 1 << 14

// StorageDescriptor is the (provider, backend-chunk, range) tuple paired
// with a block range in used_storages.
type StorageDescriptor struct {
	StorageID cmn.StorageID
	SegmentID cmn.SegmentID
	Range     cmn.Range
	Provider  cmn.Address
}

// Location is the result of locate(): the connectable provider plus the
// exact byte offset within the segment that a block id resolves to.
type Location struct {
	Provider  cmn.Address
	StorageID cmn.StorageID
	SegmentID cmn.SegmentID
	Offset    cmn.Offset
}

// AddResult mirrors spec.md §4.D add()'s {blocks?, unused?} pair.
type AddResult struct {
	Blocks    cmn.BlockRange
	HasBlocks bool
	Unused    StorageDescriptor
	HasUnused bool
}

type usedEntry struct {
	Blocks  cmn.BlockRange
	Storage StorageDescriptor
}

// Blocks is the block-device meta-data instance of spec.md §4.D.
type Blocks struct {
	mu sync.RWMutex

	blockSize      cmn.Size
	numberOfBlocks uint64
	nextBlockID    cmn.BlockID

	db         *buntdb.DB
	filter     *cuckoo.Filter
	remembered map[uint64]struct{}
}

// New constructs an empty block device fixed at blockSize.
func New(blockSize cmn.Size) (*Blocks, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("blockdev: block size must be positive")
	}
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Blocks{
		blockSize:  blockSize,
		db:         db,
		filter:     cuckoo.NewFilter(initialFilterCapacity),
		remembered: make(map[uint64]struct{}),
	}, nil
}

func (b *Blocks) Close() error { return b.db.Close() }

func (b *Blocks) BlockSize() cmn.Size { return b.blockSize }

func (b *Blocks) NumberOfBlocks() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.numberOfBlocks
}

// key formats a block id as a fixed-width zero-padded decimal, so
// buntdb's default lexicographic index also orders numerically.
func key(id cmn.BlockID) string {
	return fmt.Sprintf("%020d", uint64(id))
}

func bucketOf(id cmn.BlockID) uint64 { return uint64(id) / bucketBlocks }

func bucketKey(bucket uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bucket)
	return buf[:]
}

func (b *Blocks) rememberRange(rng cmn.BlockRange) {
	first, last := bucketOf(rng.Begin), bucketOf(rng.End-1)
	for bucket := first; bucket <= last; bucket++ {
		b.remembered[bucket] = struct{}{}
		k := bucketKey(bucket)
		if !b.filter.Lookup(k) && !b.filter.Insert(k) {
			// filter saturated: grow and reinsert every bucket remembered
			// so far, not just this one - a filter built from only the
			// triggering bucket would forget every earlier bucket,
			// turning maybeTouched's fast path into a false negative for
			// already-present blocks.
			b.growFilter()
		}
	}
}

func (b *Blocks) growFilter() {
	grown := cuckoo.NewFilter(b.filter.Count()*2 + initialFilterCapacity)
	for bucket := range b.remembered {
		grown.InsertUnique(bucketKey(bucket))
	}
	b.filter = grown
}

// maybeTouched is the fast negative-lookup path: false means the block
// id is definitely absent from used_storages; true means buntdb must be
// consulted (it may still turn out absent - the filter overapproximates
// after removals, by design).
func (b *Blocks) maybeTouched(id cmn.BlockID) bool {
	return b.filter.Lookup(bucketKey(bucketOf(id)))
}

// Add implements spec.md §4.D add(): truncates the offered storage range
// to a whole number of blocks, assigns the next block-id range, and
// inserts the pair into used_storages in one write-locked step.
func (b *Blocks) Add(storage StorageDescriptor) (AddResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := uint64(storage.Range.Size()) / uint64(b.blockSize)
	if n == 0 {
		return AddResult{Unused: storage, HasUnused: true}, nil
	}

	blockRange := cmn.BlockRange{Begin: b.nextBlockID, End: b.nextBlockID + cmn.BlockID(n)}
	truncated := storage
	truncated.Range.End = truncated.Range.Begin + cmn.Offset(n*uint64(b.blockSize))

	entry := usedEntry{Blocks: blockRange, Storage: truncated}
	data, err := wire.Marshal(entry)
	if err != nil {
		return AddResult{}, err
	}
	if err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(blockRange.Begin), string(data), nil)
		return err
	}); err != nil {
		return AddResult{}, err
	}

	b.rememberRange(blockRange)
	b.numberOfBlocks += n
	b.nextBlockID += cmn.BlockID(n)

	result := AddResult{Blocks: blockRange, HasBlocks: true}
	if storage.Range.Size() > truncated.Range.Size() {
		result.Unused = StorageDescriptor{
			StorageID: storage.StorageID,
			SegmentID: storage.SegmentID,
			Provider:  storage.Provider,
			Range:     cmn.Range{Begin: truncated.Range.End, End: storage.Range.End},
		}
		result.HasUnused = true
	}
	return result, nil
}

func decodeEntry(v string) (usedEntry, error) {
	var e usedEntry
	err := wire.Unmarshal([]byte(v), &e)
	return e, err
}

// entryAtOrBefore returns the entry with the greatest key <= id.
func entryAtOrBefore(tx *buntdb.Tx, id cmn.BlockID) (usedEntry, string, bool, error) {
	var (
		found    usedEntry
		foundKey string
		ok       bool
		decErr   error
	)
	err := tx.DescendLessOrEqual("", key(id), func(k, v string) bool {
		if found, decErr = decodeEntry(v); decErr != nil {
			return false
		}
		foundKey, ok = k, true
		return false
	})
	if err != nil {
		return usedEntry{}, "", false, err
	}
	return found, foundKey, ok, decErr
}

// entryAtOrAfter returns the entry with the smallest key >= id.
func entryAtOrAfter(tx *buntdb.Tx, id cmn.BlockID) (usedEntry, string, bool, error) {
	var (
		found    usedEntry
		foundKey string
		ok       bool
		decErr   error
	)
	err := tx.AscendGreaterOrEqual("", key(id), func(k, v string) bool {
		if found, decErr = decodeEntry(v); decErr != nil {
			return false
		}
		foundKey, ok = k, true
		return false
	})
	if err != nil {
		return usedEntry{}, "", false, err
	}
	return found, foundKey, ok, decErr
}

// entryIntersecting finds the first used-storage entry, in block-range
// order, that intersects [cursor, limit).
func entryIntersecting(tx *buntdb.Tx, cursor, limit cmn.BlockID) (usedEntry, string, bool, error) {
	if e, k, ok, err := entryAtOrBefore(tx, cursor); err != nil {
		return usedEntry{}, "", false, err
	} else if ok && e.Blocks.End > cursor {
		return e, k, true, nil
	}
	e, k, ok, err := entryAtOrAfter(tx, cursor)
	if err != nil {
		return usedEntry{}, "", false, err
	}
	if ok && e.Blocks.Begin < limit {
		return e, k, true, nil
	}
	return usedEntry{}, "", false, nil
}

func intersectBlocks(a, b cmn.BlockRange) (cmn.BlockRange, bool) {
	begin := a.Begin
	if b.Begin > begin {
		begin = b.Begin
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	if begin >= end {
		return cmn.BlockRange{}, false
	}
	return cmn.BlockRange{Begin: begin, End: end}, true
}

// subDescriptor slices e's storage range to the sub-block-range
// [begin, end), preserving storage/segment/provider identity - splitting
// a used-storage entry never changes which physical segment backs it.
func subDescriptor(e usedEntry, begin, end cmn.BlockID, blockSize cmn.Size) StorageDescriptor {
	offsetBlocks := uint64(begin - e.Blocks.Begin)
	lengthBlocks := uint64(end - begin)
	newBegin := e.Storage.Range.Begin + cmn.Offset(offsetBlocks*uint64(blockSize))
	sd := e.Storage
	sd.Range = cmn.Range{Begin: newBegin, End: newBegin + cmn.Offset(lengthBlocks*uint64(blockSize))}
	return sd
}

func setEntry(tx *buntdb.Tx, blocks cmn.BlockRange, storage StorageDescriptor) error {
	data, err := wire.Marshal(usedEntry{Blocks: blocks, Storage: storage})
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key(blocks.Begin), string(data), nil)
	return err
}

// Remove implements spec.md §4.D remove(): walks the touched entries in
// order, splitting any entry only partially covered by the request into
// up to three entries (prefix, removed, suffix), and reports every
// removed storage sub-range. The whole walk runs inside one buntdb
// transaction, the Go translation of "iterator stability": the split is
// atomic from any other reader's point of view.
func (b *Blocks) Remove(rng cmn.BlockRange) ([]StorageDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var unused []StorageDescriptor
	removedBlocks := uint64(0)

	err := b.db.Update(func(tx *buntdb.Tx) error {
		cursor := rng.Begin
		for cursor < rng.End {
			entry, entryKey, found, err := entryIntersecting(tx, cursor, rng.End)
			if err != nil {
				return err
			}
			if !found {
				break
			}
			inter, ok := intersectBlocks(entry.Blocks, rng)
			if !ok {
				break
			}

			if _, err := tx.Delete(entryKey); err != nil {
				return err
			}
			if entry.Blocks.Begin < inter.Begin {
				prefix := subDescriptor(entry, entry.Blocks.Begin, inter.Begin, b.blockSize)
				if err := setEntry(tx, cmn.BlockRange{Begin: entry.Blocks.Begin, End: inter.Begin}, prefix); err != nil {
					return err
				}
			}
			if inter.End < entry.Blocks.End {
				suffix := subDescriptor(entry, inter.End, entry.Blocks.End, b.blockSize)
				if err := setEntry(tx, cmn.BlockRange{Begin: inter.End, End: entry.Blocks.End}, suffix); err != nil {
					return err
				}
			}

			unused = append(unused, subDescriptor(entry, inter.Begin, inter.End, b.blockSize))
			removedBlocks += uint64(inter.End - inter.Begin)
			cursor = inter.End
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.numberOfBlocks -= removedBlocks
	return unused, nil
}

// Locate implements spec.md §4.D locate(): the greatest used-storage
// begin <= id gives the only candidate range that could contain id,
// since ranges are pairwise non-overlapping and sorted by begin.
func (b *Blocks) Locate(id cmn.BlockID) (Location, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.maybeTouched(id) {
		return Location{}, &cmn.BlockNotInAnyStorageError{BlockID: id}
	}

	var (
		loc    Location
		notIn  bool
	)
	err := b.db.View(func(tx *buntdb.Tx) error {
		entry, _, found, err := entryAtOrBefore(tx, id)
		if err != nil {
			return err
		}
		if !found || id >= entry.Blocks.End {
			notIn = true
			return nil
		}
		offsetBlocks := uint64(id - entry.Blocks.Begin)
		loc = Location{
			Provider:  entry.Storage.Provider,
			StorageID: entry.Storage.StorageID,
			SegmentID: entry.Storage.SegmentID,
			Offset:    entry.Storage.Range.Begin + cmn.Offset(offsetBlocks*uint64(b.blockSize)),
		}
		return nil
	})
	if err != nil {
		return Location{}, err
	}
	if notIn {
		return Location{}, &cmn.BlockNotInAnyStorageError{BlockID: id}
	}
	return loc, nil
}

// Ranges implements spec.md §4.D blocks(): the used-storage block
// ranges in order, merging each new range into the last reported one
// when they touch exactly.
func (b *Blocks) Ranges() ([]cmn.BlockRange, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ranges []cmn.BlockRange
	var decErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(_, v string) bool {
			e, err := decodeEntry(v)
			if err != nil {
				decErr = err
				return false
			}
			if n := len(ranges); n > 0 && ranges[n-1].End == e.Blocks.Begin {
				ranges[n-1].End = e.Blocks.End
			} else {
				ranges = append(ranges, e.Blocks)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return ranges, decErr
}
