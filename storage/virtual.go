package storage

import (
	"encoding/binary"

	"github.com/mcs-systems/mcs/cmn"
	"github.com/mcs-systems/mcs/wire"
	"github.com/pkg/errors"
)

// Channel is the Go stand-in for spec.md §6's C-ABI channel: a plain
// byte accumulator a plugin call writes into instead of returning a Go
// error directly. "A call succeeds iff the error channel remains
// empty."
type Channel struct {
	buf []byte
}

func (c *Channel) PushBack(b byte)       { c.buf = append(c.buf, b) }
func (c *Channel) Append(b []byte)       { c.buf = append(c.buf, b...) }
func (c *Channel) Reserve(n int)         { c.buf = append(c.buf, make([]byte, 0, n)...) }
func (c *Channel) Empty() bool           { return len(c.buf) == 0 }
func (c *Channel) Bytes() []byte         { return c.buf }

func errFromChannel(ch *Channel) error {
	if ch.Empty() {
		return nil
	}
	return errors.New(string(ch.buf))
}

// badAllocFromChannel decodes "exactly three 64-bit unsigned integers
// (requested, used, max)" per spec.md §6.
func badAllocFromChannel(ch *Channel) (*cmn.BadAllocError, bool) {
	if len(ch.buf) != 24 {
		return nil, false
	}
	return &cmn.BadAllocError{
		Requested: cmn.Size(binary.BigEndian.Uint64(ch.buf[0:8])),
		Used:      cmn.Size(binary.BigEndian.Uint64(ch.buf[8:16])),
		Max:       cmn.Size(binary.BigEndian.Uint64(ch.buf[16:24])),
	}, true
}

// Plugin is the function-table emulation of spec.md §6's `struct
// storage` C-ABI: one Go func per ABI entry point, each writing to the
// channels it's given rather than returning a Go error. construct is
// called once by NewVirtual; the rest mirror the Backend interface
// one-to-one.
type Plugin struct {
	Construct          func(param []byte, errCh *Channel) interface{}
	Destruct           func(instance interface{}, errCh *Channel)
	SizeMax            func(instance interface{}, errCh *Channel) cmn.MaxSize
	SizeUsed           func(instance interface{}, errCh *Channel) cmn.Size
	SegmentCreate      func(instance interface{}, size cmn.Size, badAllocCh, errCh *Channel) cmn.SegmentID
	SegmentRemove      func(instance interface{}, id cmn.SegmentID, force bool, errCh *Channel) cmn.Size
	ChunkDescription   func(instance interface{}, id cmn.SegmentID, rng cmn.Range, mode cmn.AccessMode, descCh, errCh *Channel)
	ChunkState         func(instance interface{}, desc ChunkDescription, mode cmn.AccessMode, errCh *Channel) (stateHandle interface{}, data []byte)
	ChunkStateDestruct func(instance interface{}, stateHandle interface{}, errCh *Channel)
	FileRead           func(instance interface{}, id cmn.SegmentID, offset cmn.Offset, fileName string, rng cmn.Range, errCh *Channel) cmn.Size
	FileWrite          func(instance interface{}, id cmn.SegmentID, offset cmn.Offset, fileName string, rng cmn.Range, errCh *Channel) cmn.Size
}

// VirtualBackend routes every Backend call through a registered Plugin,
// exercising the C-ABI channel contract of spec.md §4.A/§6 in-process
// without requiring cgo. The caller must not inspect state_handle
// (spec.md §4.C); this module threads it through as an opaque
// interface{} value for exactly that reason.
type VirtualBackend struct {
	plugin   Plugin
	instance interface{}
	max      cmn.MaxSize
}

func NewVirtual(plugin Plugin, param []byte, max cmn.MaxSize) (*VirtualBackend, error) {
	errCh := &Channel{}
	instance := plugin.Construct(param, errCh)
	if err := errFromChannel(errCh); err != nil {
		return nil, cmn.WrapCreate("virtual", err)
	}
	return &VirtualBackend{plugin: plugin, instance: instance, max: max}, nil
}

func (v *VirtualBackend) Kind() Kind { return KindVirtual }

func (v *VirtualBackend) SizeMax() cmn.MaxSize {
	if v.plugin.SizeMax == nil {
		return v.max
	}
	errCh := &Channel{}
	max := v.plugin.SizeMax(v.instance, errCh)
	if err := errFromChannel(errCh); err != nil {
		return v.max
	}
	return max
}

func (v *VirtualBackend) SizeUsed() cmn.Size {
	errCh := &Channel{}
	used := v.plugin.SizeUsed(v.instance, errCh)
	if err := errFromChannel(errCh); err != nil {
		return 0
	}
	return used
}

func (v *VirtualBackend) SegmentCreate(size cmn.Size, _ SegmentCreateOpts) (cmn.SegmentID, error) {
	badAllocCh, errCh := &Channel{}, &Channel{}
	id := v.plugin.SegmentCreate(v.instance, size, badAllocCh, errCh)
	if !badAllocCh.Empty() {
		if ba, ok := badAllocFromChannel(badAllocCh); ok {
			return 0, ba
		}
	}
	if err := errFromChannel(errCh); err != nil {
		return 0, err
	}
	return id, nil
}

func (v *VirtualBackend) SegmentRemove(id cmn.SegmentID, force bool) (cmn.Size, error) {
	errCh := &Channel{}
	freed := v.plugin.SegmentRemove(v.instance, id, force, errCh)
	if err := errFromChannel(errCh); err != nil {
		return 0, err
	}
	return freed, nil
}

func (v *VirtualBackend) ChunkDescription(id cmn.SegmentID, rng cmn.Range, mode cmn.AccessMode) (ChunkDescription, error) {
	descCh, errCh := &Channel{}, &Channel{}
	v.plugin.ChunkDescription(v.instance, id, rng, mode, descCh, errCh)
	if err := errFromChannel(errCh); err != nil {
		return ChunkDescription{}, err
	}
	var desc ChunkDescription
	if err := wire.Unmarshal(descCh.Bytes(), &desc); err != nil {
		return ChunkDescription{}, err
	}
	return desc, nil
}

func (v *VirtualBackend) FileRead(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	errCh := &Channel{}
	n := v.plugin.FileRead(v.instance, id, offset, path, rng, errCh)
	if err := errFromChannel(errCh); err != nil {
		return 0, err
	}
	return n, nil
}

func (v *VirtualBackend) FileWrite(id cmn.SegmentID, offset cmn.Offset, path string, rng cmn.Range) (cmn.Size, error) {
	errCh := &Channel{}
	n := v.plugin.FileWrite(v.instance, id, offset, path, rng, errCh)
	if err := errFromChannel(errCh); err != nil {
		return 0, err
	}
	return n, nil
}

// Materialize calls back into the plugin, which owns allocation and
// populates (state_handle, data); the caller later passes the returned
// chunk's Close exactly once, which is the sole path back to
// chunk_state_destruct (spec.md §4.C).
func (v *VirtualBackend) Materialize(desc ChunkDescription, mode cmn.AccessMode) (Chunk, error) {
	errCh := &Channel{}
	state, data := v.plugin.ChunkState(v.instance, desc, mode, errCh)
	if err := errFromChannel(errCh); err != nil {
		return nil, err
	}
	return &virtualChunk{backend: v, state: state, data: data, mode: mode}, nil
}

func (v *VirtualBackend) Close() error {
	errCh := &Channel{}
	v.plugin.Destruct(v.instance, errCh)
	return errFromChannel(errCh)
}

// virtualChunk holds an opaque plugin-owned state handle; Close is the
// one permitted path to chunk_state_destruct, called exactly once.
type virtualChunk struct {
	backend *VirtualBackend
	state   interface{}
	data    []byte
	mode    cmn.AccessMode
	closed  bool
}

func (c *virtualChunk) Bytes() []byte        { return c.data }
func (c *virtualChunk) Mode() cmn.AccessMode { return c.mode }

func (c *virtualChunk) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	errCh := &Channel{}
	c.backend.plugin.ChunkStateDestruct(c.backend.instance, c.state, errCh)
	return errFromChannel(errCh)
}
