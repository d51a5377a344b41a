package memory

import (
	"sync"
	"sync/atomic"

	"github.com/pbnjay/memory"

	"github.com/hicr-project/hicr/pkg/hicr"
)

// BindingMode is a per-manager allocation policy, not a per-slot flag
// (§4.1 "Binding mode is a per-manager policy"). NUMAStrict models a
// host-HWLOC allocator that refuses to satisfy a request it cannot pin
// to the requested space; FirstTouch models an allocator that always
// succeeds and lets placement happen lazily.
type BindingMode int

const (
	BindingFirstTouch BindingMode = iota
	BindingNUMAStrict
)

// Manager manages local registrations within memory spaces (§4.1). A
// process typically owns one Manager per backend; this implementation
// models the host backend directly and is the counterpart of device
// backends (ascend/ACL, OpenCL), which are treated as external.
type Manager struct {
	mu      sync.Mutex
	binding BindingMode
	// stats, grounded on kernel/threads/arena/allocator.go's HybridStats.
	totalAllocated uint64
	totalFreed     uint64
	allocCount     uint64
	freeCount      uint64
}

// NewManager creates a Manager with the given binding policy.
func NewManager(binding BindingMode) *Manager {
	return &Manager{binding: binding}
}

// AllocateLocalMemorySlot allocates size bytes in the given memory space.
// Fails with InvalidArgument when size is 0, and with OutOfMemory when
// the binding policy is NUMAStrict and size exceeds the space's declared
// capacity, or exceeds real available system memory for a host space
// (backed by github.com/pbnjay/memory for capacity probing).
func (m *Manager) AllocateLocalMemorySlot(space hicr.MemorySpace, size uint64) (*LocalMemorySlot, error) {
	if size == 0 {
		return nil, hicr.ErrInvalidArgument("allocate: size must be > 0")
	}

	if m.binding == BindingNUMAStrict && space.Size > 0 && size > space.Size {
		return nil, hicr.ErrOutOfMemory(size).WithContext("spaceSize", space.Size)
	}

	if space.Type == hicr.MemorySpaceHost {
		if avail := memory.FreeMemory(); avail > 0 && size > avail {
			return nil, hicr.ErrOutOfMemory(size).WithContext("availableSystemMemory", avail)
		}
	}

	slot := &LocalMemorySlot{
		data:  make([]byte, size),
		space: space,
		owns:  ownershipOwned,
	}

	m.mu.Lock()
	m.totalAllocated += size
	m.allocCount++
	m.mu.Unlock()

	return slot, nil
}

// RegisterLocalMemorySlot wraps an existing buffer in a LocalMemorySlot.
// The slot borrows ptr; the caller guarantees its lifetime covers the
// slot's (§4.1). size must not exceed len(ptr).
func (m *Manager) RegisterLocalMemorySlot(space hicr.MemorySpace, ptr []byte, size uint64) (*LocalMemorySlot, error) {
	if size == 0 {
		return nil, hicr.ErrInvalidArgument("register: size must be > 0")
	}
	if uint64(len(ptr)) < size {
		return nil, hicr.ErrInvalidArgument("register: ptr shorter than size")
	}

	slot := &LocalMemorySlot{
		data:  ptr[:size],
		space: space,
		owns:  ownershipBorrowed,
	}

	m.mu.Lock()
	m.allocCount++
	m.mu.Unlock()

	return slot, nil
}

// FreeLocalMemorySlot releases a slot created by AllocateLocalMemorySlot.
// Idempotent: a second call is a no-op. Deregister is mandatory and
// idempotent too (§9 design notes); free follows the same discipline.
func (m *Manager) FreeLocalMemorySlot(slot *LocalMemorySlot) error {
	if slot.owns != ownershipOwned {
		return hicr.ErrInvalidArgument("free: slot was registered, not allocated; use Deregister")
	}
	if !slot.markFreed() {
		return nil
	}

	m.mu.Lock()
	m.totalFreed += uint64(len(slot.data))
	m.freeCount++
	m.mu.Unlock()

	slot.data = nil
	return nil
}

// DeregisterLocalMemorySlot releases a slot created by
// RegisterLocalMemorySlot without touching the caller-owned backing
// memory. Idempotent.
func (m *Manager) DeregisterLocalMemorySlot(slot *LocalMemorySlot) error {
	if slot.owns != ownershipBorrowed {
		return hicr.ErrInvalidArgument("deregister: slot was allocated, not registered; use Free")
	}
	if !slot.markFreed() {
		return nil
	}

	m.mu.Lock()
	m.freeCount++
	m.mu.Unlock()

	slot.data = nil
	return nil
}

// Memset fills size bytes of slot starting at offset with b, used to
// initialize coordination buffers to zero (§3 CoordinationBuffer "always
// initialized to zero").
func (m *Manager) Memset(slot *LocalMemorySlot, offset uint64, b byte, size uint64) error {
	if offset+size > uint64(len(slot.data)) {
		return hicr.ErrOutOfRange(offset, size, uint64(len(slot.data)))
	}
	region := slot.data[offset : offset+size]
	for i := range region {
		region[i] = b
	}
	return nil
}

// Stats reports allocation bookkeeping for diagnostics.
type Stats struct {
	TotalAllocated uint64
	TotalFreed     uint64
	AllocCount     uint64
	FreeCount      uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalAllocated: atomic.LoadUint64(&m.totalAllocated),
		TotalFreed:     atomic.LoadUint64(&m.totalFreed),
		AllocCount:     atomic.LoadUint64(&m.allocCount),
		FreeCount:      atomic.LoadUint64(&m.freeCount),
	}
}
