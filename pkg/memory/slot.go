// Package memory implements the MemoryManager layer (§4.1): local
// registration, allocation and deregistration of memory slots within a
// MemorySpace. Generalized from a single fixed SharedArrayBuffer provider
// to per-slot regions of arbitrary MemorySpaces, with allocation
// bookkeeping and statistics modeled on an arena allocator's counters.
package memory

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hicr-project/hicr/pkg/hicr"
)

// ownership records whether a LocalMemorySlot owns its backing memory
// (allocate) or merely borrows a caller-supplied pointer (register).
type ownership int

const (
	ownershipBorrowed ownership = iota
	ownershipOwned
)

// LocalMemorySlot is a registered memory region accessible only from its
// owning process (§3 LocalMemorySlot). Its pointer remains valid and the
// region is never unmapped while the slot exists; this is enforced by
// holding a reference to the backing []byte for the slot's lifetime.
type LocalMemorySlot struct {
	data        []byte
	space       hicr.MemorySpace
	owns        ownership
	sent        uint64 // messagesSent, atomic
	received    uint64 // messagesReceived, atomic
	freed       uint32 // 0 = live, 1 = freed/deregistered (atomic CAS guard)
}

// Pointer returns the slot's backing byte slice. Callers must not retain
// it past the slot's lifetime (Free/Deregister).
func (s *LocalMemorySlot) Pointer() []byte { return s.data }

// Size returns the slot's size in bytes.
func (s *LocalMemorySlot) Size() uint64 { return uint64(len(s.data)) }

// MemorySpace returns the owning memory space.
func (s *LocalMemorySlot) MemorySpace() hicr.MemorySpace { return s.space }

// MessagesSent returns the number of completed sends from this slot,
// stable for reading once a covering fence has returned (§4.2 contract 2).
func (s *LocalMemorySlot) MessagesSent() uint64 { return atomic.LoadUint64(&s.sent) }

// MessagesReceived returns the number of completed receives into this slot.
func (s *LocalMemorySlot) MessagesReceived() uint64 { return atomic.LoadUint64(&s.received) }

// IncrementSent is called by a CommunicationManager backend after a put
// sourced from this slot completes. It is the only mutator of the sent
// counter; callers never decrement.
func (s *LocalMemorySlot) IncrementSent(n uint64) { atomic.AddUint64(&s.sent, n) }

// IncrementReceived is called by a CommunicationManager backend after a
// put/get lands in this slot.
func (s *LocalMemorySlot) IncrementReceived(n uint64) { atomic.AddUint64(&s.received, n) }

// isLive reports whether Free/Deregister has not yet been called.
func (s *LocalMemorySlot) isLive() bool { return atomic.LoadUint32(&s.freed) == 0 }

// ptrAt returns an unsafe pointer to an 8-byte-aligned offset, used by
// callers that need atomic word access into the slot (coordination
// counters), mirroring kernel/threads/sab/hal_memory.go's ptrAt.
func (s *LocalMemorySlot) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if uint64(offset)+8 > uint64(len(s.data)) {
		return nil, hicr.ErrOutOfRange(uint64(offset), 8, uint64(len(s.data)))
	}
	if offset%8 != 0 {
		return nil, hicr.ErrInvalidArgument("offset is not 8-byte aligned")
	}
	return unsafe.Pointer(&s.data[offset]), nil
}

// AtomicLoad64 atomically loads a 64-bit word at offset. Used by
// CoordinationBuffer to read head/tail counters written by a remote peer
// without tearing (§9 "never expose them as language-level shared locks").
func (s *LocalMemorySlot) AtomicLoad64(offset uint32) (uint64, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(ptr)), nil
}

// AtomicStore64 atomically stores a 64-bit word at offset.
func (s *LocalMemorySlot) AtomicStore64(offset uint32, val uint64) error {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(ptr), val)
	return nil
}

// slotLifecycleMu guards the freed flag transition; cheap since Free/Deregister happen
// once per slot.
var slotLifecycleMu sync.Mutex

func (s *LocalMemorySlot) markFreed() bool {
	slotLifecycleMu.Lock()
	defer slotLifecycleMu.Unlock()
	if !s.isLive() {
		return false
	}
	atomic.StoreUint32(&s.freed, 1)
	return true
}
