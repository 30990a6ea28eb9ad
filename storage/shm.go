package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mcs-systems/mcs/cmn"
	"golang.org/x/sys/unix"
)

const shmRoot = "/dev/shm"

// SharedMemoryCreateParams parametrizes a shared-memory backed storage
// instance. Prefix names the family of shared-memory objects this
// storage publishes segments under (e.g. "mcs-<storage-id>").
type SharedMemoryCreateParams struct {
	Prefix string
	Max    cmn.MaxSize
}

type shmSegment struct {
	id   cmn.SegmentID
	name string
	size int64
}

// SharedMemoryBackend stores segments as named POSIX shared-memory
// objects under /dev/shm. Chunk description encodes (object name, segment
// id, sub-range); materialization opens the object read-only or
// read-write per access mode and maps it, storing the mapping in the
// chunk state so that unmapping is driven by chunk Close, not storage
// teardown (spec.md §4.A).
type SharedMemoryBackend struct {
	params SharedMemoryCreateParams

	mu       sync.Mutex
	segments map[cmn.SegmentID]*shmSegment
	nextID   cmn.SegmentID
	used     cmn.Size
}

func NewSharedMemory(params SharedMemoryCreateParams) (*SharedMemoryBackend, error) {
	if params.Prefix == "" {
		return nil, cmn.WrapCreate("shmem", fmt.Errorf("empty shared-memory prefix"))
	}
	return &SharedMemoryBackend{params: params, segments: make(map[cmn.SegmentID]*shmSegment)}, nil
}

func (s *SharedMemoryBackend) Kind() Kind           { return KindSharedMemory }
func (s *SharedMemoryBackend) SizeMax() cmn.MaxSize { return s.params.Max }

func (s *SharedMemoryBackend) SizeUsed() cmn.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *SharedMemoryBackend) objectName(id cmn.SegmentID) string {
	return fmt.Sprintf("%s-%d", s.params.Prefix, id)
}

func (s *SharedMemoryBackend) objectPath(name string) string {
	return filepath.Join(shmRoot, name)
}

func (s *SharedMemoryBackend) SegmentCreate(size cmn.Size, _ SegmentCreateOpts) (cmn.SegmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max, ok := s.params.Max.Value(); ok && uint64(s.used)+uint64(size) > uint64(max) {
		return 0, &cmn.BadAllocError{Requested: size, Used: s.used, Max: max}
	}
	id := s.nextID
	name := s.objectName(id)
	f, err := os.OpenFile(s.objectPath(name), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return 0, cmn.WrapCreate("shmem", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(s.objectPath(name))
		return 0, cmn.WrapCreate("shmem", err)
	}
	s.nextID++
	s.segments[id] = &shmSegment{id: id, name: name, size: int64(size)}
	s.used += size
	return id, nil
}

func (s *SharedMemoryBackend) SegmentRemove(id cmn.SegmentID, _ bool) (cmn.Size, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return 0, &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	_ = os.Remove(s.objectPath(seg.name))
	delete(s.segments, id)
	s.used -= cmn.Size(seg.size)
	return cmn.Size(seg.size), nil
}

func (s *SharedMemoryBackend) ChunkDescription(id cmn.SegmentID, rng cmn.Range, _ cmn.AccessMode) (ChunkDescription, error) {
	s.mu.Lock()
	seg, ok := s.segments[id]
	s.mu.Unlock()
	if !ok {
		return ChunkDescription{}, &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	if uint64(rng.End) > uint64(seg.size) {
		return ChunkDescription{}, &cmn.OutOfRangeError{Offset: rng.Begin, Size: rng.Size(), Bound: cmn.Size(seg.size)}
	}
	return ChunkDescription{
		Kind:      KindSharedMemory,
		SegmentID: id,
		Range:     rng,
		Opaque:    []byte(seg.name),
	}, nil
}

func (s *SharedMemoryBackend) FileRead(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	return fileCopy(s, id, offset, path, rng, true)
}

func (s *SharedMemoryBackend) FileWrite(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	return fileCopy(s, id, offset, path, rng, false)
}

func (s *SharedMemoryBackend) bytesFor(id cmn.SegmentID) ([]byte, error) {
	s.mu.Lock()
	seg, ok := s.segments[id]
	s.mu.Unlock()
	if !ok {
		return nil, &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	f, err := os.OpenFile(s.objectPath(seg.name), os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), 0, int(seg.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	defer unix.Munmap(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// writeSegmentAt persists externally-sourced bytes directly into the
// shared-memory object via a writable mapping, so FileRead actually
// lands in the segment instead of mutating bytesFor's throwaway copy.
func (s *SharedMemoryBackend) writeSegmentAt(id cmn.SegmentID, offset cmn.Offset, data []byte) error {
	s.mu.Lock()
	seg, ok := s.segments[id]
	s.mu.Unlock()
	if !ok {
		return &cmn.UnknownIDError{Kind: "segment", ID: id}
	}
	f, err := os.OpenFile(s.objectPath(seg.name), os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	mapping, err := unix.Mmap(int(f.Fd()), 0, int(seg.size), unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	defer unix.Munmap(mapping)
	copy(mapping[offset:], data)
	return nil
}

// Materialize reopens the named shared-memory object and maps it
// read-only or read-write per access mode; munmap is tied to the
// returned chunk's Close, never to the backend itself, so the mapping
// survives the kernel releasing its lock (spec.md §4.B "Write policy").
func (s *SharedMemoryBackend) Materialize(desc ChunkDescription, mode cmn.AccessMode) (Chunk, error) {
	s.mu.Lock()
	seg, ok := s.segments[desc.SegmentID]
	s.mu.Unlock()
	if !ok {
		return nil, &cmn.UnknownIDError{Kind: "segment", ID: desc.SegmentID}
	}
	if uint64(desc.Range.End) > uint64(seg.size) {
		return nil, &cmn.OutOfRangeError{Offset: desc.Range.Begin, Size: desc.Range.Size(), Bound: cmn.Size(seg.size)}
	}

	openFlags := os.O_RDONLY
	prot := unix.PROT_READ
	if mode == cmn.Mutable {
		openFlags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(s.objectPath(seg.name), openFlags, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(seg.size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	span := data[desc.Range.Begin:desc.Range.End]
	return &shmChunk{mapping: data, span: span, mode: mode}, nil
}

func (s *SharedMemoryBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		_ = os.Remove(s.objectPath(seg.name))
	}
	s.segments = make(map[cmn.SegmentID]*shmSegment)
	s.used = 0
	return nil
}

// shmChunk owns a live mmap mapping.
type shmChunk struct {
	mapping []byte
	span    []byte
	mode    cmn.AccessMode
}

func (c *shmChunk) Bytes() []byte        { return c.span }
func (c *shmChunk) Mode() cmn.AccessMode { return c.mode }
func (c *shmChunk) Close() error {
	if c.mapping == nil {
		return nil
	}
	err := unix.Munmap(c.mapping)
	c.mapping, c.span = nil, nil
	return err
}
