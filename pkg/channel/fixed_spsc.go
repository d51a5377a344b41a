// Package channel implements the fixed-size SPSC, variable-size SPSC,
// and variable-size MPSC channel protocols layered over CircularBuffer
// and CommunicationManager (§4.4-4.6). Grounded on
// kernel/threads/sab/layout.go's ring-buffer-over-SAB layout and on
// kernel/core/mesh/coordinator.go's mutex-guarded message queues for the
// MPSC locking variant, generalized from a single fixed SAB to any pair
// of exchanged GlobalMemorySlots.
package channel

import (
	"github.com/hicr-project/hicr/pkg/circular"
	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

func newScratch(memMgr *memory.Manager) (*memory.LocalMemorySlot, error) {
	return memMgr.AllocateLocalMemorySlot(hicr.NewMemorySpace(hicr.MemorySpaceHost, 8), 8)
}

// FixedSizeProducer is the producer side of a fixed-token-size SPSC
// channel (§4.4). It owns the token buffer and its own coordination
// buffer, and writes the consumer's coordination buffer remotely.
type FixedSizeProducer struct {
	comm      *comm.Manager
	tokenSize uint64

	tokenBuffer *memory.LocalMemorySlot
	own         *circular.Buffer
	peerCoord   *comm.GlobalSlot
	scratch     *memory.LocalMemorySlot
}

// NewFixedSizeProducer wraps a token buffer and this side's coordination
// buffer as a producer. peerCoord must be the consumer's (already
// exchanged) coordination-buffer global slot.
func NewFixedSizeProducer(mgr *comm.Manager, memMgr *memory.Manager, tokenBuffer *memory.LocalMemorySlot, ownCoordSlot *memory.LocalMemorySlot, capacity uint64, tokenSize uint64, peerCoord *comm.GlobalSlot) (*FixedSizeProducer, error) {
	coordBuf, err := circular.NewCoordinationBuffer(ownCoordSlot)
	if err != nil {
		return nil, err
	}
	buf, err := circular.NewBuffer(coordBuf, capacity)
	if err != nil {
		return nil, err
	}
	scratch, err := newScratch(memMgr)
	if err != nil {
		return nil, err
	}
	return &FixedSizeProducer{comm: mgr, tokenSize: tokenSize, tokenBuffer: tokenBuffer, own: buf, peerCoord: peerCoord, scratch: scratch}, nil
}

// Push publishes the single token in source, following the five-step
// protocol of §4.4: local token write, source fence, local head advance,
// remote head propagation, coordination fence. Returns ErrFull if the
// channel has no room.
func (p *FixedSizeProducer) Push(source *memory.LocalMemorySlot) error {
	if source.Size() != p.tokenSize {
		return hicr.ErrInvalidArgument("source size does not match channel token size")
	}
	if p.own.Depth() >= p.own.Capacity() {
		return hicr.ErrFull(p.own.Capacity())
	}
	headPos := p.own.HeadPosition()
	if err := p.comm.MemcpyLocal(p.tokenBuffer, headPos*p.tokenSize, source, 0, p.tokenSize); err != nil {
		return err
	}
	if err := p.comm.FenceSlot(source, 1, 0); err != nil {
		return err
	}
	if err := p.own.AdvanceHead(1); err != nil {
		return err
	}
	newHead := p.own.Coordination().Head()
	if err := p.scratch.AtomicStore64(0, newHead); err != nil {
		return err
	}
	if err := p.comm.MemcpyToGlobal(p.peerCoord, circular.OffsetHead, p.scratch, 0, 8); err != nil {
		return err
	}
	return p.comm.FenceSlot(p.scratch, 1, 0)
}

// Capacity returns the channel's fixed token capacity.
func (p *FixedSizeProducer) Capacity() uint64 { return p.own.Capacity() }

// FixedSizeConsumer is the consumer side of a fixed-token-size SPSC
// channel (§4.4).
type FixedSizeConsumer struct {
	comm      *comm.Manager
	tokenSize uint64

	tokenBuffer *comm.GlobalSlot // producer's token buffer, read remotely
	own         *circular.Buffer
	peerCoord   *comm.GlobalSlot // producer's coordination buffer
	scratch     *memory.LocalMemorySlot
}

// NewFixedSizeConsumer wraps the producer's (already exchanged) token
// buffer and this side's coordination buffer as a consumer.
func NewFixedSizeConsumer(mgr *comm.Manager, memMgr *memory.Manager, tokenBuffer *comm.GlobalSlot, ownCoordSlot *memory.LocalMemorySlot, capacity uint64, tokenSize uint64, peerCoord *comm.GlobalSlot) (*FixedSizeConsumer, error) {
	coordBuf, err := circular.NewCoordinationBuffer(ownCoordSlot)
	if err != nil {
		return nil, err
	}
	buf, err := circular.NewBuffer(coordBuf, capacity)
	if err != nil {
		return nil, err
	}
	scratch, err := newScratch(memMgr)
	if err != nil {
		return nil, err
	}
	return &FixedSizeConsumer{comm: mgr, tokenSize: tokenSize, tokenBuffer: tokenBuffer, own: buf, peerCoord: peerCoord, scratch: scratch}, nil
}

// Depth returns the number of tokens currently available to consume.
// The producer keeps this consumer's coordination buffer's head field
// fresh via remote writes (Push step 4-5), so Depth reflects the
// producer's progress without an explicit poll call.
func (c *FixedSizeConsumer) Depth() uint64 { return c.own.Depth() }

// Peek returns the local byte offset within the producer's token buffer
// for the i-th pending token, erroring if i is out of range.
func (c *FixedSizeConsumer) Peek(i uint64) (uint64, error) {
	if i >= c.own.Depth() {
		return 0, hicr.ErrOutOfRange(i, 1, c.own.Depth())
	}
	pos := (c.own.TailPosition() + i) % c.own.Capacity()
	return pos * c.tokenSize, nil
}

// Read copies the i-th pending token into dst (which must be exactly
// tokenSize bytes), fetching it from the producer's token buffer.
func (c *FixedSizeConsumer) Read(i uint64, dst *memory.LocalMemorySlot) error {
	if dst.Size() != c.tokenSize {
		return hicr.ErrInvalidArgument("destination size does not match channel token size")
	}
	offset, err := c.Peek(i)
	if err != nil {
		return err
	}
	if err := c.comm.MemcpyFromGlobal(dst, 0, c.tokenBuffer, offset, c.tokenSize); err != nil {
		return err
	}
	return c.comm.FenceSlot(dst, 0, 1)
}

// Pop retires the n oldest tokens: advances the local tail, then
// propagates the new tail counter to the producer's coordination
// buffer (§4.4 step 2-3).
func (c *FixedSizeConsumer) Pop(n uint64) error {
	if err := c.own.AdvanceTail(n); err != nil {
		return err
	}
	newTail := c.own.Coordination().Tail()
	if err := c.scratch.AtomicStore64(0, newTail); err != nil {
		return err
	}
	if err := c.comm.MemcpyToGlobal(c.peerCoord, circular.OffsetTail, c.scratch, 0, 8); err != nil {
		return err
	}
	return c.comm.FenceSlot(c.scratch, 1, 0)
}

// Capacity returns the channel's fixed token capacity.
func (c *FixedSizeConsumer) Capacity() uint64 { return c.own.Capacity() }
