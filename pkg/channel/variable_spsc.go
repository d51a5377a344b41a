package channel

import (
	"github.com/hicr-project/hicr/pkg/circular"
	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

const sizeRecordWidth = 8 // sizeof(size_t) equivalent, one uint64 per message

// VariableSizeProducer implements the two-phase publish protocol of
// §4.5: a payload write that must fence before the size record that
// makes it visible is written, so a consumer observing depth >= k has,
// by transitivity, received the payloads for those k messages.
type VariableSizeProducer struct {
	comm *comm.Manager

	payloadBuffer   *memory.LocalMemorySlot
	sizesBuffer     *memory.LocalMemorySlot
	payloadCapacity uint64

	payloads *circular.Buffer // bytes
	counts   *circular.Buffer // messages

	peerPayloadsCoord *comm.GlobalSlot
	peerCountsCoord   *comm.GlobalSlot

	scratch *memory.LocalMemorySlot
}

// NewVariableSizeProducer wraps this side's payload/sizes buffers and
// coordination buffers as a producer. peerPayloadsCoord/peerCountsCoord
// must be the consumer's already-exchanged coordination buffers.
func NewVariableSizeProducer(
	mgr *comm.Manager, memMgr *memory.Manager,
	payloadBuffer, sizesBuffer *memory.LocalMemorySlot,
	ownPayloadsCoordSlot, ownCountsCoordSlot *memory.LocalMemorySlot,
	payloadCapacity, messageCapacity uint64,
	peerPayloadsCoord, peerCountsCoord *comm.GlobalSlot,
) (*VariableSizeProducer, error) {
	payloadsCoordBuf, err := circular.NewCoordinationBuffer(ownPayloadsCoordSlot)
	if err != nil {
		return nil, err
	}
	payloads, err := circular.NewBuffer(payloadsCoordBuf, payloadCapacity)
	if err != nil {
		return nil, err
	}
	countsCoordBuf, err := circular.NewCoordinationBuffer(ownCountsCoordSlot)
	if err != nil {
		return nil, err
	}
	counts, err := circular.NewBuffer(countsCoordBuf, messageCapacity)
	if err != nil {
		return nil, err
	}
	scratch, err := newScratch(memMgr)
	if err != nil {
		return nil, err
	}
	return &VariableSizeProducer{
		comm: mgr, payloadBuffer: payloadBuffer, sizesBuffer: sizesBuffer, payloadCapacity: payloadCapacity,
		payloads: payloads, counts: counts,
		peerPayloadsCoord: peerPayloadsCoord, peerCountsCoord: peerCountsCoord,
		scratch: scratch,
	}, nil
}

// Push publishes source (S = source.Size() bytes) following the
// payload-then-size two-phase protocol. Returns ErrFull if either the
// payload region or the message-count region is at capacity.
func (p *VariableSizeProducer) Push(source *memory.LocalMemorySlot) error {
	s := source.Size()
	if p.payloads.Depth()+s > p.payloadCapacity {
		return hicr.ErrFull(p.payloadCapacity).WithContext("requested", s)
	}
	if p.counts.Depth()+1 > p.counts.Capacity() {
		return hicr.ErrFull(p.counts.Capacity())
	}

	headPos := p.payloads.HeadPosition()
	memcpyCount := uint64(1)
	if headPos+s <= p.payloadCapacity {
		if err := p.comm.MemcpyLocal(p.payloadBuffer, headPos, source, 0, s); err != nil {
			return err
		}
	} else {
		firstLen := p.payloadCapacity - headPos
		if err := p.comm.MemcpyLocal(p.payloadBuffer, headPos, source, 0, firstLen); err != nil {
			return err
		}
		if err := p.comm.MemcpyLocal(p.payloadBuffer, 0, source, firstLen, s-firstLen); err != nil {
			return err
		}
		memcpyCount = 2
	}
	if err := p.comm.FenceSlot(source, memcpyCount, 0); err != nil {
		return err
	}
	if err := p.payloads.AdvanceHead(s); err != nil {
		return err
	}
	if err := p.propagateHead(p.payloads, p.peerPayloadsCoord); err != nil {
		return err
	}

	if err := p.scratch.AtomicStore64(0, s); err != nil {
		return err
	}
	countHeadPos := p.counts.HeadPosition()
	if err := p.comm.MemcpyLocal(p.sizesBuffer, countHeadPos*sizeRecordWidth, p.scratch, 0, sizeRecordWidth); err != nil {
		return err
	}
	if err := p.comm.FenceSlot(p.scratch, 1, 0); err != nil {
		return err
	}
	if err := p.counts.AdvanceHead(1); err != nil {
		return err
	}
	return p.propagateHead(p.counts, p.peerCountsCoord)
}

func (p *VariableSizeProducer) propagateHead(buf *circular.Buffer, peerCoord *comm.GlobalSlot) error {
	newHead := buf.Coordination().Head()
	if err := p.scratch.AtomicStore64(0, newHead); err != nil {
		return err
	}
	if err := p.comm.MemcpyToGlobal(peerCoord, circular.OffsetHead, p.scratch, 0, 8); err != nil {
		return err
	}
	return p.comm.FenceSlot(p.scratch, 1, 0)
}

// VariableSizeConsumer implements the consuming side of §4.5.
type VariableSizeConsumer struct {
	comm *comm.Manager

	payloadBuffer   *comm.GlobalSlot
	sizesBuffer     *comm.GlobalSlot
	payloadCapacity uint64

	payloads *circular.Buffer
	counts   *circular.Buffer

	peerPayloadsCoord *comm.GlobalSlot
	peerCountsCoord   *comm.GlobalSlot

	scratch *memory.LocalMemorySlot
}

// NewVariableSizeConsumer wraps the producer's (already exchanged)
// payload/sizes buffers and this side's own coordination buffers.
func NewVariableSizeConsumer(
	mgr *comm.Manager, memMgr *memory.Manager,
	payloadBuffer, sizesBuffer *comm.GlobalSlot,
	ownPayloadsCoordSlot, ownCountsCoordSlot *memory.LocalMemorySlot,
	payloadCapacity, messageCapacity uint64,
	peerPayloadsCoord, peerCountsCoord *comm.GlobalSlot,
) (*VariableSizeConsumer, error) {
	payloadsCoordBuf, err := circular.NewCoordinationBuffer(ownPayloadsCoordSlot)
	if err != nil {
		return nil, err
	}
	payloads, err := circular.NewBuffer(payloadsCoordBuf, payloadCapacity)
	if err != nil {
		return nil, err
	}
	countsCoordBuf, err := circular.NewCoordinationBuffer(ownCountsCoordSlot)
	if err != nil {
		return nil, err
	}
	counts, err := circular.NewBuffer(countsCoordBuf, messageCapacity)
	if err != nil {
		return nil, err
	}
	scratch, err := newScratch(memMgr)
	if err != nil {
		return nil, err
	}
	return &VariableSizeConsumer{
		comm: mgr, payloadBuffer: payloadBuffer, sizesBuffer: sizesBuffer, payloadCapacity: payloadCapacity,
		payloads: payloads, counts: counts,
		peerPayloadsCoord: peerPayloadsCoord, peerCountsCoord: peerCountsCoord,
		scratch: scratch,
	}, nil
}

// Depth returns the number of complete messages currently pending. The
// counts buffer's head only advances after its payload has fenced, so
// this is always a safe lower bound on delivered payloads (§4.5 rationale).
func (c *VariableSizeConsumer) Depth() uint64 { return c.counts.Depth() }

// Peek returns the byte offset of the oldest pending message within the
// producer's payload buffer, and its size.
func (c *VariableSizeConsumer) Peek() (offset uint64, size uint64, err error) {
	if c.counts.Depth() == 0 {
		return 0, 0, hicr.ErrEmpty()
	}
	tailIdx := c.counts.TailPosition()
	if err := c.comm.MemcpyFromGlobal(c.scratch, 0, c.sizesBuffer, tailIdx*sizeRecordWidth, sizeRecordWidth); err != nil {
		return 0, 0, err
	}
	if err := c.comm.FenceSlot(c.scratch, 0, 1); err != nil {
		return 0, 0, err
	}
	size, _ = c.scratch.AtomicLoad64(0)
	return c.payloads.TailPosition(), size, nil
}

// ReadPayload copies the oldest pending message's bytes into dst
// (dst.Size() must equal size from Peek), undoing the producer's
// wrap-around split if the message crossed the end of the buffer.
func (c *VariableSizeConsumer) ReadPayload(dst *memory.LocalMemorySlot, offset, size uint64) error {
	if dst.Size() != size {
		return hicr.ErrInvalidArgument("destination size does not match message size")
	}
	if offset+size <= c.payloadCapacity {
		if err := c.comm.MemcpyFromGlobal(dst, 0, c.payloadBuffer, offset, size); err != nil {
			return err
		}
	} else {
		firstLen := c.payloadCapacity - offset
		if err := c.comm.MemcpyFromGlobal(dst, 0, c.payloadBuffer, offset, firstLen); err != nil {
			return err
		}
		if err := c.comm.MemcpyFromGlobal(dst, firstLen, c.payloadBuffer, 0, size-firstLen); err != nil {
			return err
		}
	}
	return c.comm.FenceSlot(dst, 0, 1)
}

// Pop retires the n oldest messages, summing their sizes to advance the
// payload tail by the correct byte count, then propagates both tail
// counters to the producer (§4.5 consumer pop).
func (c *VariableSizeConsumer) Pop(n uint64) error {
	if n > c.counts.Depth() {
		return hicr.ErrEmpty().WithContext("depth", c.counts.Depth()).WithContext("requested", n)
	}
	var payloadBytes uint64
	tail := c.counts.TailPosition()
	for i := uint64(0); i < n; i++ {
		idx := (tail + i) % c.counts.Capacity()
		if err := c.comm.MemcpyFromGlobal(c.scratch, 0, c.sizesBuffer, idx*sizeRecordWidth, sizeRecordWidth); err != nil {
			return err
		}
		if err := c.comm.FenceSlot(c.scratch, 0, 1); err != nil {
			return err
		}
		v, _ := c.scratch.AtomicLoad64(0)
		payloadBytes += v
	}

	if err := c.counts.AdvanceTail(n); err != nil {
		return err
	}
	if err := c.propagateTail(c.counts, c.peerCountsCoord); err != nil {
		return err
	}
	if err := c.payloads.AdvanceTail(payloadBytes); err != nil {
		return err
	}
	return c.propagateTail(c.payloads, c.peerPayloadsCoord)
}

func (c *VariableSizeConsumer) propagateTail(buf *circular.Buffer, peerCoord *comm.GlobalSlot) error {
	newTail := buf.Coordination().Tail()
	if err := c.scratch.AtomicStore64(0, newTail); err != nil {
		return err
	}
	if err := c.comm.MemcpyToGlobal(peerCoord, circular.OffsetTail, c.scratch, 0, 8); err != nil {
		return err
	}
	return c.comm.FenceSlot(c.scratch, 1, 0)
}
