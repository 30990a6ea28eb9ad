package storage

import (
	"fmt"
	"sync"

	"github.com/mcs-systems/mcs/cmn"
	"github.com/mcs-systems/mcs/cmn/debug"
)

// KindMismatchError is raised when a typed façade method is invoked
// against a storage id whose active backend variant doesn't match the
// tag the caller asserted (spec.md §4.B: "a mismatched active variant
// raises... and must not silently mis-cast").
type KindMismatchError struct {
	ID       cmn.StorageID
	Want     Kind
	Have     Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("storage %d is %s, not %s", e.ID, e.Have, e.Want)
}

// AccessToken is a capability proving the holder has acquired the
// kernel's read or write lock (spec.md §9 "Access tokens are
// capabilities"). The embedded mutex pointer is the dynamic identity
// check used to reject cross-kernel token confusion.
type AccessToken struct {
	mu      *sync.RWMutex
	write   bool
	release func()
	done    bool
}

// Release unlocks the underlying lock. Safe to call at most once;
// intended to be deferred immediately after acquiring the token.
func (t *AccessToken) Release() {
	if t.done {
		return
	}
	t.done = true
	t.release()
}

// Kernel is the heterogeneous map of storage-id -> active backend
// variant described in spec.md §4.B, grounded on fs/mountfs.go's own
// mutex-guarded MPI map and typed façade methods.
type Kernel struct {
	mu       sync.RWMutex
	backends map[cmn.StorageID]Backend
	nextID   cmn.StorageID
}

func NewKernel() *Kernel {
	return &Kernel{backends: make(map[cmn.StorageID]Backend)}
}

// ReadAccess acquires a shared lock over the kernel map.
func (k *Kernel) ReadAccess() *AccessToken {
	k.mu.RLock()
	return &AccessToken{mu: &k.mu, write: false, release: k.mu.RUnlock}
}

// WriteAccess acquires the exclusive lock over the kernel map.
func (k *Kernel) WriteAccess() *AccessToken {
	k.mu.Lock()
	return &AccessToken{mu: &k.mu, write: true, release: k.mu.Unlock}
}

func (k *Kernel) verify(tok *AccessToken) error {
	if tok == nil || tok.mu != &k.mu {
		return &cmn.AccessTokenMismatchError{}
	}
	return nil
}

// Create constructs backend in-place under the write token and assigns
// the next storage id. The id counter advances on every Create that
// passes the token check and never moves back, so ids are not reused; a
// call rejected by the token check does not consume an id.
func (k *Kernel) Create(wtok *AccessToken, backend Backend) (cmn.StorageID, error) {
	if err := k.verify(wtok); err != nil {
		return 0, err
	}
	cmn.Assert(wtok.write)
	id := k.nextID
	k.nextID++
	k.backends[id] = backend
	debug.Infof("kernel: created storage %d (%s)", id, backend.Kind())
	return id, nil
}

// Remove erases the entry; the backend's own Close runs its cleanup.
func (k *Kernel) Remove(wtok *AccessToken, id cmn.StorageID) error {
	if err := k.verify(wtok); err != nil {
		return err
	}
	cmn.Assert(wtok.write)
	b, ok := k.backends[id]
	if !ok {
		return &cmn.UnknownIDError{Kind: "storage", ID: id}
	}
	delete(k.backends, id)
	debug.Infof("kernel: removing storage %d (%s)", id, b.Kind())
	return b.Close()
}

// At returns the stored backend instance.
func (k *Kernel) At(tok *AccessToken, id cmn.StorageID) (Backend, error) {
	if err := k.verify(tok); err != nil {
		return nil, err
	}
	b, ok := k.backends[id]
	if !ok {
		return nil, &cmn.UnknownIDError{Kind: "storage", ID: id}
	}
	return b, nil
}

// Visit dispatches fn over the active backend variant.
func (k *Kernel) Visit(tok *AccessToken, id cmn.StorageID, fn func(Backend) error) error {
	b, err := k.At(tok, id)
	if err != nil {
		return err
	}
	return fn(b)
}

func (k *Kernel) typed(tok *AccessToken, id cmn.StorageID, kind Kind) (Backend, error) {
	b, err := k.At(tok, id)
	if err != nil {
		return nil, err
	}
	if b.Kind() != kind {
		return nil, &KindMismatchError{ID: id, Want: kind, Have: b.Kind()}
	}
	return b, nil
}

// Typed façade methods below require a correctly-typed access token and
// an explicit backend tag, per spec.md §4.B.

func (k *Kernel) SizeMax(tok *AccessToken, id cmn.StorageID, kind Kind) (cmn.MaxSize, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return cmn.MaxSize{}, err
	}
	return b.SizeMax(), nil
}

func (k *Kernel) SizeUsed(tok *AccessToken, id cmn.StorageID, kind Kind) (cmn.Size, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return 0, err
	}
	return b.SizeUsed(), nil
}

func (k *Kernel) SegmentCreate(tok *AccessToken, id cmn.StorageID, kind Kind, size cmn.Size, opts SegmentCreateOpts) (cmn.SegmentID, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return 0, err
	}
	return b.SegmentCreate(size, opts)
}

func (k *Kernel) SegmentRemove(tok *AccessToken, id cmn.StorageID, kind Kind, segID cmn.SegmentID, force bool) (cmn.Size, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return 0, err
	}
	return b.SegmentRemove(segID, force)
}

func (k *Kernel) ChunkDescription(tok *AccessToken, id cmn.StorageID, kind Kind, segID cmn.SegmentID, rng cmn.Range, mode cmn.AccessMode) (ChunkDescription, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return ChunkDescription{}, err
	}
	desc, err := b.ChunkDescription(segID, rng, mode)
	if err != nil {
		return ChunkDescription{}, err
	}
	desc.StorageID = id
	return desc, nil
}

// FileRead/FileWrite hold the read token for the call's duration - the
// spec.md §9 open question is resolved in favour of the documented
// default rather than releasing early.
func (k *Kernel) FileRead(tok *AccessToken, id cmn.StorageID, kind Kind, segID cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return 0, err
	}
	return b.FileRead(segID, offset, path, rng)
}

func (k *Kernel) FileWrite(tok *AccessToken, id cmn.StorageID, kind Kind, segID cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	b, err := k.typed(tok, id, kind)
	if err != nil {
		return 0, err
	}
	return b.FileWrite(segID, offset, path, rng)
}

// Materialize resolves desc into a live chunk via the owning storage.
// Chunk-description queries may run under a read token, but the chunk
// byte span can legitimately outlive the token: the kernel never holds
// its mutex while the caller holds or uses the materialized chunk
// (spec.md §4.B "Write policy") - Materialize itself only needs the
// read token long enough to look up the backend.
func (k *Kernel) Materialize(tok *AccessToken, desc ChunkDescription, mode cmn.AccessMode) (Chunk, error) {
	b, err := k.At(tok, desc.StorageID)
	if err != nil {
		return nil, err
	}
	return b.Materialize(desc, mode)
}
