// Package comm implements the CommunicationManager layer (§4.2): global
// memory-slot exchange, one-sided memcpy, tag-scoped fences, and global
// locking. Grounded on kernel/core/mesh/coordinator.go's mutex-protected
// registries and kernel/threads/sab/guard.go's region-ownership model for
// the locking discipline, and on kernel/threads/sab/epoch_allocator.go's
// bitmap/table bookkeeping for the global-slot registry.
package comm

import (
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// triple is the cross-process identity of a global memory slot: never
// pointer identity, always (tag, key, owner) (§9 design notes).
type triple struct {
	tag   hicr.Tag
	key   hicr.Key
	owner hicr.InstanceID
}

// GlobalSlot is a tagged, key-identified, cluster-visible view of memory
// (§3 GlobalMemorySlot). local is non-nil iff the current process owns
// the slot; this is the only link between the two — the LocalMemorySlot
// never references back up to its GlobalSlot, avoiding the cycle (§9
// "Cyclic ownership").
type GlobalSlot struct {
	OwnerInstanceID hicr.InstanceID
	Tag             hicr.Tag
	Key             hicr.Key
	Size            uint64

	local *memory.LocalMemorySlot

	sent     uint64
	received uint64
}

func (g *GlobalSlot) triple() triple { return triple{g.Tag, g.Key, g.OwnerInstanceID} }

// RemoteGlobalSlot builds a non-owning handle for a slot a peer has
// already promoted or exchanged under (tag,key,owner), for callers that
// know the triple out-of-band (e.g. a well-known key convention) rather
// than through ExchangeGlobalMemorySlots or a deserialized Handle.
func RemoteGlobalSlot(owner hicr.InstanceID, tag hicr.Tag, key hicr.Key, size uint64) *GlobalSlot {
	return &GlobalSlot{OwnerInstanceID: owner, Tag: tag, Key: key, Size: size}
}

// IsOwner reports whether this process owns the slot (has a backing
// LocalMemorySlot).
func (g *GlobalSlot) IsOwner() bool { return g.local != nil }

// LocalSlot returns the backing local slot when IsOwner, nil otherwise.
func (g *GlobalSlot) LocalSlot() *memory.LocalMemorySlot { return g.local }

// MessagesSent mirrors the owning slot's sent counter, stable once a
// covering fence returns.
func (g *GlobalSlot) MessagesSent() uint64 {
	if g.local != nil {
		return g.local.MessagesSent()
	}
	return g.sent
}

// MessagesReceived mirrors the owning slot's received counter.
func (g *GlobalSlot) MessagesReceived() uint64 {
	if g.local != nil {
		return g.local.MessagesReceived()
	}
	return g.received
}
