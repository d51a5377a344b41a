// Package hicr holds the types shared by every layer of the runtime:
// the MemorySpace handle consumed from the (external) topology layer,
// instance identity, and the Error/Kind vocabulary in errors.go.
package hicr

import "github.com/google/uuid"

// MemorySpaceType identifies the backend-specific allocation domain a
// MemorySpace represents. The runtime treats these as opaque strings from
// a consumed topology; only "host" is produced by this module's own
// backends, the others are recognized so multi-space scenarios (the
// distributed memcpy telephone, §8 scenario 5) can be modeled without a
// real accelerator present.
type MemorySpaceType string

const (
	MemorySpaceHost   MemorySpaceType = "host"
	MemorySpaceNUMA   MemorySpaceType = "numa"
	MemorySpaceDevice MemorySpaceType = "device"
)

// MemorySpace is the opaque handle identifying a backend-specific
// allocation domain, as produced by an external TopologyManager (§6).
// The core only ever reads Type and Size; it never enumerates topology
// itself.
type MemorySpace struct {
	Type MemorySpaceType
	Size uint64
	// id disambiguates multiple spaces of the same type (e.g. dev0, dev1
	// in the telephone scenario).
	id string
}

// NewMemorySpace constructs a MemorySpace handle. Real deployments get
// these from a TopologyManager; this constructor exists for backends and
// tests that stand in for that external component.
func NewMemorySpace(t MemorySpaceType, size uint64) MemorySpace {
	return MemorySpace{Type: t, Size: size, id: uuid.NewString()}
}

// ID returns the MemorySpace's unique identity, stable for its lifetime.
func (m MemorySpace) ID() string { return m.id }

// InstanceID identifies a participant (process/rank) in the cluster. The
// compound object-store key packs this into the high 32 bits, so only
// the low 32 bits of an InstanceID are significant for that purpose
// (§3 DataObject, blockId is 32-bit).
type InstanceID uint64

// NewInstanceID derives a stable-for-process-lifetime instance id from
// the first eight bytes of a random UUID, a process-local identity minted
// without a central allocator.
func NewInstanceID() InstanceID {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return InstanceID(v)
}

// Tag scopes a collective exchange and the fences/locks applied to the
// global slots it produces (§6 "Tag namespace").
type Tag uint64

// Key identifies a global memory slot within a tag (§3 GlobalMemorySlot).
type Key uint64
