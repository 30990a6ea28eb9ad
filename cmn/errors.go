package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds implement spec.md §7's taxonomy. Each kind is a distinct Go
// type satisfying `error`, so callers recover the kind with errors.As and
// the wrapped domain cause with errors.Cause/errors.Unwrap instead of
// string-matching messages.
type (
	// BadAllocError is returned when a limited storage cannot accommodate
	// a requested allocation.
	BadAllocError struct {
		Requested Size
		Used      Size
		Max       Size
	}

	// UnknownIDError references a storage/segment/block/collection that
	// does not exist.
	UnknownIDError struct {
		Kind string // "storage" | "segment" | "block" | "collection"
		ID   interface{}
	}

	// DuplicateIDError is raised when a caller-supplied id is already in use.
	DuplicateIDError struct {
		Kind string
		ID   interface{}
	}

	// OutOfRangeError is raised when a file<->segment copy's
	// [offset, offset+size) does not fit inside the segment.
	OutOfRangeError struct {
		Offset Offset
		Size   Size
		Bound  Size
	}

	// NotTouchingError is raised when ranges required to be contiguous
	// have a gap or overlap between them.
	NotTouchingError struct {
		Existing Range
		Next     Range
	}

	// InterruptedError is returned by a sticky-interrupted buffer-pool
	// acquire.
	InterruptedError struct{}

	// TimeoutError is returned when a buffer-pool acquire's deadline elapses.
	TimeoutError struct{}

	// UnsupportedMountError is raised when a file-backed storage prefix
	// sits on an unsupported (e.g. network) filesystem.
	UnsupportedMountError struct {
		Prefix string
		Reason string
	}

	// PrefixContainsNonSegmentFileError is raised during file-backend
	// recovery when a prefix directory contains a file whose name does
	// not parse as a segment id.
	PrefixContainsNonSegmentFileError struct {
		Prefix string
		Path   string
	}

	// PrefixDoesNotExistError is raised when a file-backed storage's
	// prefix directory is missing at construction time.
	PrefixDoesNotExistError struct {
		Prefix string
	}

	// AccessTokenMismatchError is raised when an access token's mutex
	// does not belong to the kernel it's presented to - a programming
	// bug, not a recoverable condition.
	AccessTokenMismatchError struct{}

	// BlockNotInAnyStorageError is raised by locate() when no used-storage
	// range covers the requested block id.
	BlockNotInAnyStorageError struct {
		BlockID BlockID
	}

	// AggregateError collects zero or more per-target errors from a
	// fan-out operation (e.g. collection delete, multi-storage create).
	AggregateError struct {
		Errs []error
	}
)

func (e *BadAllocError) Error() string {
	return fmt.Sprintf("bad alloc: requested %s, used %s, max %s", B2S(int64(e.Requested), 2), B2S(int64(e.Used), 2), e.Max)
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("unknown %s id: %v", e.Kind, e.ID)
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate %s id: %v", e.Kind, e.ID)
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("out of range: [%d, %d) exceeds bound %d", e.Offset, uint64(e.Offset)+uint64(e.Size), e.Bound)
}

func (e *NotTouchingError) Error() string {
	return fmt.Sprintf("ranges are not touching: %s then %s", e.Existing, e.Next)
}

func (e *InterruptedError) Error() string { return "interrupted" }
func (e *TimeoutError) Error() string     { return "timeout" }

func (e *UnsupportedMountError) Error() string {
	return fmt.Sprintf("unsupported mount for prefix %q: %s", e.Prefix, e.Reason)
}

func (e *PrefixContainsNonSegmentFileError) Error() string {
	return fmt.Sprintf("prefix %q contains non-segment file %q", e.Prefix, e.Path)
}

func (e *PrefixDoesNotExistError) Error() string {
	return fmt.Sprintf("prefix %q does not exist", e.Prefix)
}

func (e *AccessTokenMismatchError) Error() string {
	return "access token does not belong to this kernel"
}

func (e *BlockNotInAnyStorageError) Error() string {
	return fmt.Sprintf("block %d is not in any storage", e.BlockID)
}

func (e *AggregateError) Error() string {
	if len(e.Errs) == 0 {
		return "aggregate error: (no errors)"
	}
	return fmt.Sprintf("aggregate error: %d failure(s), first: %v", len(e.Errs), e.Errs[0])
}

func (e *AggregateError) Unwrap() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e.Errs[0]
}

// NewAggregateError returns nil if errs contains no non-nil error.
func NewAggregateError(errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &AggregateError{Errs: kept}
}

// WrapCreate wraps a backend-specific domain cause (prefix missing,
// unsupported filesystem, foreign files present...) the way spec.md §7
// requires: the outer kind stays matchable, the inner cause survives.
func WrapCreate(backend string, cause error) error {
	return errors.Wrapf(cause, "%s: construct failed", backend)
}
