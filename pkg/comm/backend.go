package comm

import (
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// Contribution is one (key, localSlot) pair a participant offers to a
// collective exchange (§4.2 exchangeGlobalMemorySlots).
type Contribution struct {
	Key   hicr.Key
	Local *memory.LocalMemorySlot
}

// resolvedTriple is what a Backend hands back after a collective
// exchange or a non-collective promotion: enough to build a GlobalSlot
// without the backend leaking its internal registry type.
type resolvedTriple struct {
	Owner hicr.InstanceID
	Key   hicr.Key
	Size  uint64
}

// Endpoint names one side of a Memcpy: exactly one of Local/Global is set.
type Endpoint struct {
	Local  *memory.LocalMemorySlot
	Global *GlobalSlot
}

func (e Endpoint) size() uint64 {
	if e.Local != nil {
		return e.Local.Size()
	}
	return e.Global.Size
}

// Backend is the capability interface a runtime binds once at process
// startup (§9 "Dynamic dispatch over backends" — a selector binds the
// interface to one backend; no runtime rebinding). It is the Go
// counterpart of the source's virtual L1::CommunicationManager dispatch.
type Backend interface {
	// Exchange performs the collective all-gather of (key, localSlot)
	// contributions scoped by tag across every participant that calls it
	// for that tag, and returns the merged set of (owner, key, size)
	// triples. A duplicate (tag,key) contributed by two participants is
	// reported to every participant of that collective (§7).
	Exchange(instance hicr.InstanceID, tag hicr.Tag, contributions []Contribution) ([]resolvedTriple, error)

	// Promote registers a single local slot as cluster-visible under
	// (tag,key) without a collective barrier (§4.2 promoteLocalMemorySlot).
	Promote(instance hicr.InstanceID, tag hicr.Tag, key hicr.Key, local *memory.LocalMemorySlot) error

	// DestroyPromoted removes a non-collectively-promoted slot.
	DestroyPromoted(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) error

	// Memcpy performs a one-sided copy between two endpoints, queuing
	// counter updates for the covering Fence or FenceSlot to apply.
	// Local-to-local copies are queued the same way: their bytes land
	// synchronously, their counters only at the covering fence.
	Memcpy(dst Endpoint, dstOff uint64, src Endpoint, srcOff uint64, size uint64) error

	// Fence blocks until every memcpy posted locally against tag has
	// both left the source and landed at the destination, then applies
	// their queued counter updates.
	Fence(tag hicr.Tag) error

	// FenceSlot is the one-sided, non-collective variant restricted to a
	// single local slot.
	FenceSlot(slot *memory.LocalMemorySlot, expectedSent, expectedRecv uint64) error

	// QueryUpdates is a non-blocking poke refreshing the caller's cached
	// view of a global slot's mirrored counters.
	QueryUpdates(g *GlobalSlot) error

	// TryAcquireLock attempts to acquire the cluster-wide mutex tied to a
	// global slot without blocking.
	TryAcquireLock(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID, holder hicr.InstanceID) (bool, error)

	// AcquireLock blocks (pacing retries) until the lock is obtained.
	AcquireLock(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID, holder hicr.InstanceID) error

	// ReleaseLock releases a lock held by holder.
	ReleaseLock(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID, holder hicr.InstanceID) error

	// Resolve looks up the real bytes backing a (tag,key,owner) triple,
	// used by Memcpy when an endpoint is a non-owning GlobalSlot.
	Resolve(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) (*memory.LocalMemorySlot, bool)
}
