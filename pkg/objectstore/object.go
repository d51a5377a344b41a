// Package objectstore implements the distributed object store (§4.7):
// content-addressed DataObject handles serialized over the wire, lazy
// fetch with local caching, and fence-based completion. Grounded on
// kernel/core/mesh/coordinator.go's addressable-resource map pattern,
// layered over pkg/comm and pkg/memory rather than re-implementing
// transport.
package objectstore

import (
	"sync"

	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// DataObject is a content-addressed block identified by
// (ownerInstanceId, blockId) within a store's tag (§4.7).
type DataObject struct {
	Tag     hicr.Tag
	Owner   hicr.InstanceID
	BlockID uint32

	// Size is the object's logical (decompressed) size; WireSize is what
	// actually crosses the wire (equal to Size unless the store
	// compresses payloads).
	Size     uint64
	WireSize uint64

	local     *memory.LocalMemorySlot // owner's plain data; nil for non-owners
	global    *comm.GlobalSlot        // set once published or deserialized
	published bool

	mu          sync.Mutex
	cache       *memory.LocalMemorySlot // non-owner's decompressed result slot
	wireScratch *memory.LocalMemorySlot // non-owner's raw (possibly compressed) receive buffer
	fetchPosted bool
}

func (o *DataObject) key() hicr.Key { return compoundKey(o.Owner, o.BlockID) }

// IsOwner reports whether this process created the object.
func (o *DataObject) IsOwner() bool { return o.local != nil }

func compoundKey(owner hicr.InstanceID, blockID uint32) hicr.Key {
	return hicr.Key(uint64(owner)<<32 | uint64(blockID))
}

// Handle is the trivially copyable wire descriptor produced by Serialize
// and consumed by Deserialize (§4.7).
type Handle struct {
	Tag        hicr.Tag
	Owner      hicr.InstanceID
	BlockID    uint32
	Size       uint64
	WireSize   uint64
	Compressed bool
}
