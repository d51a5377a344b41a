package channel

import (
	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// LockingMPSCProducer wraps a VariableSizeProducer with the consumer's
// global lock: every push acquires it, performs the ordinary SPSC push
// protocol, then releases (§4.6 "locking variant"). Blocking on a full
// channel is achieved by releasing the lock between retries rather than
// holding it across a caller-level backoff loop.
type LockingMPSCProducer struct {
	inner *VariableSizeProducer
	comm  *comm.Manager
	lock  *comm.GlobalSlot // the consumer's counts-coordination slot, used as the lock's identity
}

// NewLockingMPSCProducer adapts an existing VariableSizeProducer to
// serialize its pushes behind lock, which must identify the consumer's
// counts-coordination global slot (the lock scope §4.6).
func NewLockingMPSCProducer(inner *VariableSizeProducer, mgr *comm.Manager, lock *comm.GlobalSlot) *LockingMPSCProducer {
	return &LockingMPSCProducer{inner: inner, comm: mgr, lock: lock}
}

// Push acquires the consumer's global lock, attempts the SPSC push
// protocol, and releases the lock regardless of outcome. On ErrFull it
// releases and returns immediately; callers that want blocking semantics
// retry Push themselves, which re-acquires the lock each attempt.
func (p *LockingMPSCProducer) Push(source *memory.LocalMemorySlot) error {
	if err := p.comm.AcquireGlobalLock(p.lock); err != nil {
		return err
	}
	pushErr := p.inner.Push(source)
	if releaseErr := p.comm.ReleaseGlobalLock(p.lock); releaseErr != nil && pushErr == nil {
		return releaseErr
	}
	return pushErr
}

// pendingMessage names one message a NonLockingMPSCConsumer has observed
// arrive on a particular producer's SPSC channel but not yet popped.
type pendingMessage struct {
	producerIndex int
	offset        uint64
	size          uint64
}

// NonLockingMPSCConsumer fans in P independent SPSC consumer channels
// without a shared lock: UpdateDepth polls each channel for newly
// arrived messages and appends them to an arrival-order FIFO; Peek/Pop
// operate on the FIFO head (§4.6 "non-locking variant"). The consumer
// side is required to be single-threaded (§8 open question — source
// leaves concurrent updateDepth undefined).
type NonLockingMPSCConsumer struct {
	channels []*VariableSizeConsumer
	fifo     []pendingMessage
	observed []uint64 // per-producer count of that channel's pending messages already appended to fifo
}

// NewNonLockingMPSCConsumer fans in the given per-producer SPSC consumer
// channels, polled in index order.
func NewNonLockingMPSCConsumer(channels []*VariableSizeConsumer) *NonLockingMPSCConsumer {
	return &NonLockingMPSCConsumer{channels: channels, observed: make([]uint64, len(channels))}
}

// UpdateDepth polls every producer channel and appends any freshly
// observed messages to the arrival-order FIFO.
func (c *NonLockingMPSCConsumer) UpdateDepth() error {
	for idx, ch := range c.channels {
		depth := ch.Depth()
		for c.observed[idx] < depth {
			offset, size, err := ch.peekAt(c.observed[idx])
			if err != nil {
				return err
			}
			c.fifo = append(c.fifo, pendingMessage{producerIndex: idx, offset: offset, size: size})
			c.observed[idx]++
		}
	}
	return nil
}

// Peek returns the oldest pending message's (channelId, offset, size).
func (c *NonLockingMPSCConsumer) Peek() (channelID int, offset uint64, size uint64, err error) {
	if len(c.fifo) == 0 {
		return 0, 0, 0, hicr.ErrEmpty()
	}
	m := c.fifo[0]
	return m.producerIndex, m.offset, m.size, nil
}

// ReadPayload copies the oldest pending message's bytes into dst.
func (c *NonLockingMPSCConsumer) ReadPayload(dst *memory.LocalMemorySlot) error {
	if len(c.fifo) == 0 {
		return hicr.ErrEmpty()
	}
	m := c.fifo[0]
	return c.channels[m.producerIndex].ReadPayload(dst, m.offset, m.size)
}

// Pop consumes n entries from the FIFO head, popping one element from
// each channel the FIFO names (§4.6). n must not exceed the FIFO length.
func (c *NonLockingMPSCConsumer) Pop(n uint64) error {
	if n > uint64(len(c.fifo)) {
		return hicr.ErrEmpty().WithContext("pending", len(c.fifo)).WithContext("requested", n)
	}
	for i := uint64(0); i < n; i++ {
		m := c.fifo[i]
		if err := c.channels[m.producerIndex].Pop(1); err != nil {
			return err
		}
		c.observed[m.producerIndex]--
	}
	c.fifo = c.fifo[n:]
	return nil
}

// peekAt returns the offset/size of the message at position i within
// this channel's pending window, used by UpdateDepth to enumerate newly
// arrived messages one at a time without disturbing the channel's own
// tail.
func (c *VariableSizeConsumer) peekAt(i uint64) (offset uint64, size uint64, err error) {
	if i >= c.counts.Depth() {
		return 0, 0, hicr.ErrOutOfRange(i, 1, c.counts.Depth())
	}
	idx := (c.counts.TailPosition() + i) % c.counts.Capacity()
	if err := c.comm.MemcpyFromGlobal(c.scratch, 0, c.sizesBuffer, idx*sizeRecordWidth, sizeRecordWidth); err != nil {
		return 0, 0, err
	}
	if err := c.comm.FenceSlot(c.scratch, 0, 1); err != nil {
		return 0, 0, err
	}
	size, _ = c.scratch.AtomicLoad64(0)

	// Compute the payload offset of message i by summing the sizes of
	// the i messages ahead of it in the window.
	offset = c.payloads.TailPosition()
	for j := uint64(0); j < i; j++ {
		jIdx := (c.counts.TailPosition() + j) % c.counts.Capacity()
		if err := c.comm.MemcpyFromGlobal(c.scratch, 0, c.sizesBuffer, jIdx*sizeRecordWidth, sizeRecordWidth); err != nil {
			return 0, 0, err
		}
		if err := c.comm.FenceSlot(c.scratch, 0, 1); err != nil {
			return 0, 0, err
		}
		jSize, _ := c.scratch.AtomicLoad64(0)
		offset = (offset + jSize) % c.payloadCapacity
	}
	return offset, size, nil
}
