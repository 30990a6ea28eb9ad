package storage

import (
	"encoding/binary"
	"testing"

	"github.com/mcs-systems/mcs/cmn"
	"github.com/mcs-systems/mcs/wire"
)

// pluginBackend is a minimal in-process stand-in for a C-ABI plugin: a
// heap-backed map, exercised entirely through the Channel contract of
// spec.md §6 ("a call succeeds iff the error channel remains empty").
type pluginBackend struct {
	segments map[cmn.SegmentID][]byte
	nextID   cmn.SegmentID
	max      cmn.Size
	used     cmn.Size
}

func newPluginBackend(max cmn.Size) *Plugin {
	inst := &pluginBackend{segments: make(map[cmn.SegmentID][]byte), max: max}
	return &Plugin{
		Construct: func(_ []byte, _ *Channel) interface{} { return inst },
		Destruct:  func(_ interface{}, _ *Channel) {},
		SizeUsed: func(instance interface{}, _ *Channel) cmn.Size {
			return instance.(*pluginBackend).used
		},
		SegmentCreate: func(instance interface{}, size cmn.Size, badAllocCh, errCh *Channel) cmn.SegmentID {
			p := instance.(*pluginBackend)
			if p.used+size > p.max {
				var buf [24]byte
				binary.BigEndian.PutUint64(buf[0:8], uint64(size))
				binary.BigEndian.PutUint64(buf[8:16], uint64(p.used))
				binary.BigEndian.PutUint64(buf[16:24], uint64(p.max))
				badAllocCh.Append(buf[:])
				return 0
			}
			id := p.nextID
			p.nextID++
			p.segments[id] = make([]byte, size)
			p.used += size
			return id
		},
		SegmentRemove: func(instance interface{}, id cmn.SegmentID, _ bool, errCh *Channel) cmn.Size {
			p := instance.(*pluginBackend)
			buf, ok := p.segments[id]
			if !ok {
				errCh.Append([]byte("unknown segment"))
				return 0
			}
			delete(p.segments, id)
			p.used -= cmn.Size(len(buf))
			return cmn.Size(len(buf))
		},
		ChunkDescription: func(instance interface{}, id cmn.SegmentID, rng cmn.Range, mode cmn.AccessMode, descCh, errCh *Channel) {
			p := instance.(*pluginBackend)
			buf, ok := p.segments[id]
			if !ok || uint64(rng.End) > uint64(len(buf)) {
				errCh.Append([]byte("bad segment or range"))
				return
			}
			data, err := wire.Marshal(ChunkDescription{Kind: KindVirtual, SegmentID: id, Range: rng})
			if err != nil {
				errCh.Append([]byte(err.Error()))
				return
			}
			descCh.Append(data)
		},
		ChunkState: func(instance interface{}, desc ChunkDescription, mode cmn.AccessMode, errCh *Channel) (interface{}, []byte) {
			p := instance.(*pluginBackend)
			buf := p.segments[desc.SegmentID]
			return "handle", buf[desc.Range.Begin:desc.Range.End]
		},
		ChunkStateDestruct: func(_ interface{}, _ interface{}, _ *Channel) {},
	}
}

func TestVirtualBackendChannelContract(t *testing.T) {
	v, err := NewVirtual(*newPluginBackend(16), nil, cmn.Limit(16))
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}

	segID, err := v.SegmentCreate(16, SegmentCreateOpts{})
	if err != nil {
		t.Fatalf("SegmentCreate: %v", err)
	}

	rng, _ := cmn.NewRange(0, 16)
	desc, err := v.ChunkDescription(segID, rng, cmn.Mutable)
	if err != nil {
		t.Fatalf("ChunkDescription: %v", err)
	}

	chunk, err := v.Materialize(desc, cmn.Mutable)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	copy(chunk.Bytes(), []byte("virtual-backend!"))
	if err := chunk.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestVirtualBackendBadAllocFromChannel(t *testing.T) {
	v, err := NewVirtual(*newPluginBackend(8), nil, cmn.Limit(8))
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}
	_, err = v.SegmentCreate(16, SegmentCreateOpts{})
	if err == nil {
		t.Fatal("expected bad alloc error")
	}
	if _, ok := err.(*cmn.BadAllocError); !ok {
		t.Fatalf("got %T, want *cmn.BadAllocError", err)
	}
}
