package storage

import (
	"sync"

	"github.com/mcs-systems/mcs/cmn"
	"golang.org/x/sys/unix"
)

// HeapCreateParams parametrizes a heap-backed storage instance.
type HeapCreateParams struct {
	Max cmn.MaxSize
}

type heapSegment struct {
	id     cmn.SegmentID
	buf    []byte
	mlock  bool
	locked bool
}

// HeapBackend holds segments as contiguous host-memory allocations.
// Chunk description encodes (segment id, sub-range); materialization is
// a direct slice of the owning segment's backing array (the Go
// translation of the source's "pointer cast plus a sub-range select").
type HeapBackend struct {
	params HeapCreateParams

	mu       sync.Mutex
	segments map[cmn.SegmentID]*heapSegment
	nextID   cmn.SegmentID
	used     cmn.Size
}

// NewHeap constructs a heap backend. It never fails: a new heap backend
// has no used size yet, so the budget check (*cmn.BadAllocError) lives
// in SegmentCreate.
func NewHeap(params HeapCreateParams) (*HeapBackend, error) {
	return &HeapBackend{params: params, segments: make(map[cmn.SegmentID]*heapSegment)}, nil
}

func (h *HeapBackend) Kind() Kind          { return KindHeap }
func (h *HeapBackend) SizeMax() cmn.MaxSize { return h.params.Max }

func (h *HeapBackend) SizeUsed() cmn.Size {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

func (h *HeapBackend) SegmentCreate(size cmn.Size, opts SegmentCreateOpts) (cmn.SegmentID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if max, ok := h.params.Max.Value(); ok && uint64(h.used)+uint64(size) > uint64(max) {
		return 0, &cmn.BadAllocError{Requested: size, Used: h.used, Max: max}
	}
	id := h.nextID
	h.nextID++
	seg := &heapSegment{id: id, buf: make([]byte, size)}
	if opts.MLock && len(seg.buf) > 0 {
		if err := unix.Mlock(seg.buf); err == nil {
			seg.mlock, seg.locked = true, true
		}
		// best-effort: a platform/permission failure to pin memory is
		// not itself a reason to fail segment creation.
	}
	h.segments[id] = seg
	h.used += size
	return id, nil
}

func (h *HeapBackend) SegmentRemove(id cmn.SegmentID, _ bool) (cmn.Size, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seg, ok := h.segments[id]
	if !ok {
		return 0, &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	if seg.locked {
		_ = unix.Munlock(seg.buf)
	}
	freed := cmn.Size(len(seg.buf))
	delete(h.segments, id)
	h.used -= freed
	return freed, nil
}

func (h *HeapBackend) ChunkDescription(id cmn.SegmentID, rng cmn.Range, mode cmn.AccessMode) (ChunkDescription, error) {
	h.mu.Lock()
	seg, ok := h.segments[id]
	h.mu.Unlock()
	if !ok {
		return ChunkDescription{}, &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	if uint64(rng.End) > uint64(len(seg.buf)) {
		return ChunkDescription{}, &cmn.OutOfRangeError{Offset: rng.Begin, Size: rng.Size(), Bound: cmn.Size(len(seg.buf))}
	}
	return ChunkDescription{StorageID: 0, Kind: KindHeap, SegmentID: id, Range: rng}, nil
}

func (h *HeapBackend) FileRead(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	return fileCopy(h, id, offset, path, rng, true)
}

func (h *HeapBackend) FileWrite(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	return fileCopy(h, id, offset, path, rng, false)
}

func (h *HeapBackend) Materialize(desc ChunkDescription, mode cmn.AccessMode) (Chunk, error) {
	h.mu.Lock()
	seg, ok := h.segments[desc.SegmentID]
	h.mu.Unlock()
	if !ok {
		return nil, &cmn.UnknownIDError{Kind: "segment", ID: desc.SegmentID}
	}
	if uint64(desc.Range.End) > uint64(len(seg.buf)) {
		return nil, &cmn.OutOfRangeError{Offset: desc.Range.Begin, Size: desc.Range.Size(), Bound: cmn.Size(len(seg.buf))}
	}
	span := seg.buf[desc.Range.Begin:desc.Range.End]
	return &memChunk{span: span, mode: mode}, nil
}

func (h *HeapBackend) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range h.segments {
		if seg.locked {
			_ = unix.Munlock(seg.buf)
		}
	}
	h.segments = make(map[cmn.SegmentID]*heapSegment)
	h.used = 0
	return nil
}

// segmentBytes is implemented by every backend fileCopy serves: heap
// returns the live segment slice, file and shm return a copy of the
// segment's bytes.
type segmentBytes interface {
	bytesFor(id cmn.SegmentID) ([]byte, error)
}

func (h *HeapBackend) bytesFor(id cmn.SegmentID) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seg, ok := h.segments[id]
	if !ok {
		return nil, &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	return seg.buf, nil
}

type memChunk struct {
	span []byte
	mode cmn.AccessMode
}

func (c *memChunk) Bytes() []byte      { return c.span }
func (c *memChunk) Mode() cmn.AccessMode { return c.mode }
func (c *memChunk) Close() error       { return nil }
