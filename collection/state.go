// Package collection implements the collection state and distributor
// of spec.md §4.E-F: a mapping from collection-id to an ordered,
// contiguous, non-overlapping set of used-storage records, and the
// as-equal-as-possible algorithm that populates new ranges across
// storages.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package collection

import (
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/mcs-systems/mcs/cmn"
	"github.com/mcs-systems/mcs/wire"
)

// parallelCallsLimit bounds how many per-storage segment_create calls
// Create/Append fan out at once - spec.md §5's "cross-storage
// multi-calls may limit parallelism via an explicit ParallelCallsLimit".
const parallelCallsLimit = 8

// Record is one used-storage entry: the collection-relative byte range
// a single storage segment backs.
type Record struct {
	Range     cmn.Range
	StorageID cmn.StorageID
	SegmentID cmn.SegmentID
}

// Provider is the per-storage collaborator collection state calls out
// to. It is the Go analogue of the teacher's provider-layer dispatch
// (cluster/map.go's registry plus ec's per-storage fan-out): the
// collection package never talks to storage.Kernel directly, only
// through this seam.
type Provider interface {
	Capacities() []StorageCapacity
	SegmentCreate(id cmn.StorageID, size cmn.Size) (cmn.SegmentID, error)
	SegmentRemove(id cmn.StorageID, segID cmn.SegmentID) (cmn.Size, error)
	Address(id cmn.StorageID) cmn.Address
}

// UsedStorages is the ordered, contiguous, non-overlapping set of
// records for one collection, backed by an in-memory buntdb instance
// keyed by range-begin - the same translation blockdev.Blocks uses for
// its own ordered set, and for the same reason.
type UsedStorages struct {
	db *buntdb.DB
}

func newUsedStorages() (*UsedStorages, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &UsedStorages{db: db}, nil
}

func recordKey(begin cmn.Offset) string {
	return fmt.Sprintf("%020d", uint64(begin))
}

func (u *UsedStorages) setRecord(tx *buntdb.Tx, r Record) error {
	data, err := wire.Marshal(r)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(recordKey(r.Range.Begin), string(data), nil)
	return err
}

// Records returns every record in range order.
func (u *UsedStorages) Records() ([]Record, error) {
	var recs []Record
	var decErr error
	err := u.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(_, v string) bool {
			var r Record
			if decErr = wire.Unmarshal([]byte(v), &r); decErr != nil {
				return false
			}
			recs = append(recs, r)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, decErr
}

// Range returns [begin(first), end(last)), or an empty range if the
// collection has no records yet.
func (u *UsedStorages) Range() (cmn.Range, error) {
	recs, err := u.Records()
	if err != nil {
		return cmn.Range{}, err
	}
	if len(recs) == 0 {
		return cmn.Range{}, nil
	}
	return cmn.Range{Begin: recs[0].Range.Begin, End: recs[len(recs)-1].Range.End}, nil
}

// appendRecords inserts new records after the collection's current end,
// failing with *cmn.NotTouchingError if the first new record does not
// begin exactly at the current end (spec.md §4.E).
func (u *UsedStorages) appendRecords(news []Record) error {
	existing, err := u.Range()
	if err != nil {
		return err
	}
	if len(news) == 0 {
		return nil
	}
	if !existing.Empty() || existingHasRecords(existing) {
		if news[0].Range.Begin != existing.End {
			return &cmn.NotTouchingError{Existing: existing, Next: news[0].Range}
		}
	}
	for i := 1; i < len(news); i++ {
		if news[i].Range.Begin != news[i-1].Range.End {
			return &cmn.NotTouchingError{Existing: news[i-1].Range, Next: news[i].Range}
		}
	}
	return u.db.Update(func(tx *buntdb.Tx) error {
		for _, r := range news {
			if err := u.setRecord(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// existingHasRecords reports whether r is anything other than [0,0). It
// looks only at the range, so a store with no records and a store whose
// records span [0,0) both report false, and in both cases appendRecords
// skips the touching check for the first new record. Create relies on
// this when it fills a fresh store.
func existingHasRecords(r cmn.Range) bool { return r.Begin != 0 || r.End != 0 }

// State holds every collection's UsedStorages. Per-collection
// operations are serialized by the collection's own entry; independent
// collections may run concurrently (spec.md §5 "Ordering guarantees").
type State struct {
	mu          sync.Mutex
	collections map[cmn.CollectionID]*UsedStorages
}

func NewState() *State {
	return &State{collections: make(map[cmn.CollectionID]*UsedStorages)}
}

func (s *State) entry(id cmn.CollectionID) (*UsedStorages, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.collections[id]
	return u, ok
}

// Create distributes size across provider's storages, issues a
// segment_create on each assigned storage, and stores the resulting
// records. No rollback is attempted on partial failure: previously
// created segments are left in place and the caller receives an
// *cmn.AggregateError describing every failure (spec.md §9 open
// question, resolved in DESIGN.md).
func (s *State) Create(id cmn.CollectionID, size cmn.Size, provider Provider) error {
	s.mu.Lock()
	if _, exists := s.collections[id]; exists {
		s.mu.Unlock()
		return &cmn.DuplicateIDError{Kind: "collection", ID: id}
	}
	s.mu.Unlock()

	assigned, err := Distribute(size, provider.Capacities())
	if err != nil {
		return err
	}

	u, err := newUsedStorages()
	if err != nil {
		return err
	}

	records, failures := createSegmentsParallel(assigned, provider)
	if agg := cmn.NewAggregateError(failures...); agg != nil {
		return agg
	}

	sortRecordsByRange(records)
	if err := u.appendRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	s.collections[id] = u
	s.mu.Unlock()
	return nil
}

// Append distributes the delta [range.End, upToEnd) across provider's
// storages and appends the resulting records.
func (s *State) Append(id cmn.CollectionID, upToEnd cmn.Offset, provider Provider) error {
	u, ok := s.entry(id)
	if !ok {
		return &cmn.UnknownIDError{Kind: "collection", ID: id}
	}
	existing, err := u.Range()
	if err != nil {
		return err
	}
	if existing.End >= upToEnd {
		return nil
	}
	delta := cmn.Size(upToEnd - existing.End)

	assigned, err := Distribute(delta, provider.Capacities())
	if err != nil {
		return err
	}

	segIDs, failures := appendSegmentsParallel(provider, assigned)
	if agg := cmn.NewAggregateError(failures...); agg != nil {
		return agg
	}

	var records []Record
	offset := existing.End
	for _, cap := range provider.Capacities() {
		rng, ok := assigned[cap.StorageID]
		if !ok || rng.Empty() {
			continue
		}
		shifted := cmn.Range{Begin: offset, End: offset + cmn.Offset(rng.Size())}
		offset = shifted.End
		records = append(records, Record{Range: shifted, StorageID: cap.StorageID, SegmentID: segIDs[cap.StorageID]})
	}
	return u.appendRecords(records)
}

// Delete issues a segment_remove for every record and erases the
// collection entry, collecting failures into an aggregate error.
func (s *State) Delete(id cmn.CollectionID, provider Provider) error {
	u, ok := s.entry(id)
	if !ok {
		return &cmn.UnknownIDError{Kind: "collection", ID: id}
	}
	records, err := u.Records()
	if err != nil {
		return err
	}
	var failures []error
	for _, r := range records {
		if _, err := provider.SegmentRemove(r.StorageID, r.SegmentID); err != nil {
			failures = append(failures, err)
		}
	}

	s.mu.Lock()
	delete(s.collections, id)
	s.mu.Unlock()
	_ = u.db.Close()

	return cmn.NewAggregateError(failures...)
}

// Range returns the collection's overall byte range.
func (s *State) Range(id cmn.CollectionID) (cmn.Range, error) {
	u, ok := s.entry(id)
	if !ok {
		return cmn.Range{}, &cmn.UnknownIDError{Kind: "collection", ID: id}
	}
	return u.Range()
}

// Intersection is one entry of Locations()'s result: the clipped
// overlap between subRange and a used-storage record, plus the
// connectable address and the offset within the record's own segment.
type Intersection struct {
	Range     cmn.Range
	StorageID cmn.StorageID
	SegmentID cmn.SegmentID
	Address   cmn.Address
	Offset    cmn.Offset
}

// Locations implements spec.md §4.E locations(): validates that
// subRange sits inside the collection's range, then walks every record
// touching it in order, emitting the clipped intersection and the
// offset within that record's backing segment.
func (s *State) Locations(id cmn.CollectionID, subRange cmn.Range, provider Provider) ([]Intersection, error) {
	u, ok := s.entry(id)
	if !ok {
		return nil, &cmn.UnknownIDError{Kind: "collection", ID: id}
	}
	collRange, err := u.Range()
	if err != nil {
		return nil, err
	}
	if subRange.Begin < collRange.Begin || subRange.End > collRange.End {
		return nil, &cmn.OutOfRangeError{Offset: subRange.Begin, Size: subRange.Size(), Bound: collRange.Size()}
	}

	records, err := u.Records()
	if err != nil {
		return nil, err
	}
	var out []Intersection
	for _, r := range records {
		inter, ok := r.Range.Intersect(subRange)
		if !ok {
			continue
		}
		out = append(out, Intersection{
			Range:     inter,
			StorageID: r.StorageID,
			SegmentID: r.SegmentID,
			Address:   provider.Address(r.StorageID),
			Offset:    cmn.Offset(uint64(inter.Begin) - uint64(r.Range.Begin)),
		})
	}
	return out, nil
}

// createSegmentsParallel issues one provider.SegmentCreate call per
// assigned, non-empty range, fanning the calls out across at most
// parallelCallsLimit goroutines at once via cmn.LimitedWaitGroup.
// Grounded on fs/walk.go's own goroutine-per-mountpath fan-out; the
// bounded-concurrency primitive is cmn.LimitedWaitGroup instead of a
// hand-rolled semaphore, since that is exactly what it exists to
// express. Every call runs regardless of earlier failures, since a
// segment_create on storage A failing must not skip storage B's call:
// spec.md §9 resolves partial-failure as "no rollback, aggregate
// error".
func createSegmentsParallel(assigned map[cmn.StorageID]cmn.Range, provider Provider) ([]Record, []error) {
	type result struct {
		rec Record
		err error
		ok  bool
	}
	group := cmn.NewLimitedWaitGroup(parallelCallsLimit)
	results := make([]result, 0, len(assigned))
	var mu sync.Mutex

	for storageID, rng := range assigned {
		if rng.Empty() {
			continue
		}
		storageID, rng := storageID, rng
		group.Add(1)
		go func() {
			defer group.Done()
			segID, err := provider.SegmentCreate(storageID, rng.Size())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results = append(results, result{err: err})
				return
			}
			results = append(results, result{rec: Record{Range: rng, StorageID: storageID, SegmentID: segID}, ok: true})
		}()
	}
	group.Wait()

	var records []Record
	var failures []error
	for _, r := range results {
		if r.ok {
			records = append(records, r.rec)
		} else {
			failures = append(failures, r.err)
		}
	}
	return records, failures
}

// appendSegmentsParallel is createSegmentsParallel's counterpart for
// Append: the caller needs segment ids keyed by storage so it can
// reapply its own sequential offset bookkeeping afterward, rather than
// ranges computed up front.
func appendSegmentsParallel(provider Provider, assigned map[cmn.StorageID]cmn.Range) (map[cmn.StorageID]cmn.SegmentID, []error) {
	group := cmn.NewLimitedWaitGroup(parallelCallsLimit)
	segIDs := make(map[cmn.StorageID]cmn.SegmentID, len(assigned))
	var failures []error
	var mu sync.Mutex

	for storageID, rng := range assigned {
		if rng.Empty() {
			continue
		}
		storageID, rng := storageID, rng
		group.Add(1)
		go func() {
			defer group.Done()
			segID, err := provider.SegmentCreate(storageID, rng.Size())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			segIDs[storageID] = segID
		}()
	}
	group.Wait()
	return segIDs, failures
}

func sortRecordsByRange(records []Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].Range.Begin < records[j-1].Range.Begin; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}
