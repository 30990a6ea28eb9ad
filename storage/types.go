// Package storage implements the storage kernel of spec.md §4.A-C: a
// per-process container of heterogeneous storage instances (heap,
// shared-memory, file), each hosting segments from which chunks are
// materialized.
//
// Layout and locking idiom are grounded on fs/mountfs.go's MountedFS
// (a mutex-guarded heterogeneous registry with typed façade methods)
// and memsys/iosgl.go (byte-span ownership tied to an explicit
// construct/destruct pair).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package storage

import (
	"github.com/mcs-systems/mcs/cmn"
)

// Kind tags the active backend variant - the Go translation of the
// source's compile-time backend list (spec.md §9 "heterogeneous
// storage container").
type Kind uint8

const (
	KindHeap Kind = iota
	KindSharedMemory
	KindFile
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindSharedMemory:
		return "shmem"
	case KindFile:
		return "file"
	case KindVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// Backend is the shared operation set of spec.md §4.A, implemented
// once per variant (heap.go, shm.go, file.go, virtual.go).
type Backend interface {
	Kind() Kind
	SizeMax() cmn.MaxSize
	SizeUsed() cmn.Size
	SegmentCreate(size cmn.Size, opts SegmentCreateOpts) (cmn.SegmentID, error)
	SegmentRemove(id cmn.SegmentID, force bool) (cmn.Size, error)
	ChunkDescription(id cmn.SegmentID, rng cmn.Range, mode cmn.AccessMode) (ChunkDescription, error)
	FileRead(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error)
	FileWrite(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error)
	// Materialize resolves a chunk description issued by this backend
	// into a live byte span for the given access mode.
	Materialize(desc ChunkDescription, mode cmn.AccessMode) (Chunk, error)
	// Close releases every segment the backend owns (storage destruct).
	Close() error
}

// SegmentCreateOpts carries backend-specific segment-create parameters.
type SegmentCreateOpts struct {
	MLock bool // heap only: pin the segment in physical memory
}

// ChunkDescription is the self-contained, wire-codable locator of
// spec.md §3: (storage_id, backend-specific bytes, segment_id, range).
// Re-materialization needs only a reference to the owning storage.
type ChunkDescription struct {
	StorageID cmn.StorageID
	Kind      Kind
	SegmentID cmn.SegmentID
	Range     cmn.Range
	Opaque    []byte // backend-specific locator payload
}

// Chunk is a live byte span over a sub-range of a segment, tagged Const
// or Mutable. Creation and destruction must be paired on all paths
// (spec.md §4.C); callers should wrap Close in a guard.Exit.
type Chunk interface {
	Bytes() []byte
	Mode() cmn.AccessMode
	Close() error
}
