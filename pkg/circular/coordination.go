// Package circular implements the CoordinationBuffer and CircularBuffer
// shared kernel (§3, §4.3): the paired-counter region channels and the
// object store synchronize across, and the head/tail arithmetic layered
// over it. Grounded on kernel/threads/sab/layout.go's fixed-offset,
// always-zeroed metadata regions and on the atomic word access in
// kernel/threads/sab/hal_memory.go, generalized from a single SAB to any
// LocalMemorySlot. The modulo-capacity arithmetic in Depth/positions
// (recomputed on every read, with no cached indices) is a second-source
// pattern from _examples/hayabusa-cloud-lfq/spsc.go's Lamport ring buffer.
package circular

import (
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// Coordination buffer layout offsets within its backing slot (§6 "Two
// 64-bit little-endian fields"). 16 bytes total.
const (
	offsetHeadAdvanceCount = 0
	offsetTailAdvanceCount = 8
	// Size is the byte footprint a CoordinationBuffer occupies in its
	// backing slot.
	Size = 16

	// OffsetHead and OffsetTail are exported for callers (channel
	// protocols) that memcpy a single counter word directly into a
	// peer's coordination buffer rather than the whole 16-byte record.
	OffsetHead = offsetHeadAdvanceCount
	OffsetTail = offsetTailAdvanceCount
)

// CoordinationBuffer is a small local region treated as a record of two
// 64-bit counters: headAdvanceCount, tailAdvanceCount (§3). It is always
// backed by a LocalMemorySlot at least Size bytes long, allocated and
// zeroed by the caller (via Manager.Memset) before use.
type CoordinationBuffer struct {
	slot *memory.LocalMemorySlot
}

// NewCoordinationBuffer wraps a zero-initialized slot as a coordination
// buffer. The slot must be at least Size bytes.
func NewCoordinationBuffer(slot *memory.LocalMemorySlot) (*CoordinationBuffer, error) {
	if slot.Size() < Size {
		return nil, hicr.ErrInvalidArgument("coordination buffer slot smaller than 16 bytes")
	}
	return &CoordinationBuffer{slot: slot}, nil
}

// Slot returns the backing LocalMemorySlot, exposed so a
// CommunicationManager can promote/exchange it to a GlobalMemorySlot.
func (c *CoordinationBuffer) Slot() *memory.LocalMemorySlot { return c.slot }

// Head returns the current head advance count.
func (c *CoordinationBuffer) Head() uint64 {
	v, _ := c.slot.AtomicLoad64(offsetHeadAdvanceCount)
	return v
}

// Tail returns the current tail advance count.
func (c *CoordinationBuffer) Tail() uint64 {
	v, _ := c.slot.AtomicLoad64(offsetTailAdvanceCount)
	return v
}

// SetHead writes an absolute head value, used when synchronizing with a
// remote peer's counter via one-sided memcpy (§4.3).
func (c *CoordinationBuffer) SetHead(absolute uint64) error {
	return c.slot.AtomicStore64(offsetHeadAdvanceCount, absolute)
}

// SetTail writes an absolute tail value.
func (c *CoordinationBuffer) SetTail(absolute uint64) error {
	return c.slot.AtomicStore64(offsetTailAdvanceCount, absolute)
}
