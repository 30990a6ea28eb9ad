package storage

import (
	"io"
	"os"

	"github.com/mcs-systems/mcs/cmn"
)

// segmentWriter is implemented by backends whose segments can be
// written at an explicit offset - the write half of fileCopy, kept
// separate from segmentBytes because a plain byte-slice copy (as
// segmentBytes.bytesFor returns for file/shmem backends) is not itself
// a place external writes can land.
type segmentWriter interface {
	writeSegmentAt(id cmn.SegmentID, offset cmn.Offset, data []byte) error
}

// fileCopy implements the shared file<->segment transfer validated by
// spec.md §4.A: "[offset, offset+size(range)) ⊆ [0, segment_size)".
// toSegment=false (FileWrite) copies segment bytes out to the external
// file; toSegment=true (FileRead) copies the external file's bytes into
// the segment.
func fileCopy(b segmentBytes, id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range, toSegment bool) (cmn.Size, error) {
	buf, err := b.bytesFor(id)
	if err != nil {
		return 0, err
	}
	size := rng.Size()
	if uint64(offset)+uint64(size) > uint64(len(buf)) {
		return 0, &cmn.OutOfRangeError{Offset: offset, Size: size, Bound: cmn.Size(len(buf))}
	}

	if !toSegment {
		f, err := os.Create(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		n, err := f.Write(buf[offset : uint64(offset)+uint64(size)])
		return cmn.Size(n), err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dst := make([]byte, size)
	n, err := io.ReadFull(f, dst)
	if err == io.ErrUnexpectedEOF {
		err = nil // short source file - copy what's there, matching segment_create semantics
		dst = dst[:n]
	} else if err != nil {
		return 0, err
	}
	if w, ok := b.(segmentWriter); ok {
		if werr := w.writeSegmentAt(id, offset, dst); werr != nil {
			return 0, werr
		}
		return cmn.Size(n), nil
	}
	// backend's segmentBytes returns the live backing slice (heap): the
	// copy from bytesFor IS the segment, so writing into it is enough.
	copy(buf[offset:], dst)
	return cmn.Size(n), nil
}
