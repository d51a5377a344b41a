package circular

import "github.com/hicr-project/hicr/pkg/hicr"

// Buffer is a logical view derived from a CoordinationBuffer and a
// capacity (§3 CircularBuffer). It holds no storage of its own; all
// derived fields are computed on each read so the buffer tolerates
// remote updates to its backing counters without locking (§4.3).
type Buffer struct {
	coord    *CoordinationBuffer
	capacity uint64
}

// NewBuffer derives a circular-buffer view over coord with the given
// capacity (in elements, or bytes for a payload buffer).
func NewBuffer(coord *CoordinationBuffer, capacity uint64) (*Buffer, error) {
	if capacity == 0 {
		return nil, hicr.ErrInvalidArgument("circular buffer capacity must be > 0")
	}
	return &Buffer{coord: coord, capacity: capacity}, nil
}

// Capacity returns the buffer's fixed capacity.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// Coordination returns the backing CoordinationBuffer.
func (b *Buffer) Coordination() *CoordinationBuffer { return b.coord }

// Depth returns head - tail, the number of occupied slots (P1: 0 <= depth <= capacity).
func (b *Buffer) Depth() uint64 { return b.coord.Head() - b.coord.Tail() }

// HeadPosition returns (tail + depth) mod capacity, the next slot a
// producer writes to.
func (b *Buffer) HeadPosition() uint64 {
	return (b.coord.Tail() + b.Depth()) % b.capacity
}

// TailPosition returns tail mod capacity, the next slot a consumer reads from.
func (b *Buffer) TailPosition() uint64 {
	return b.coord.Tail() % b.capacity
}

// AdvanceHead is the producer-side mutator. It fails fatally (returns a
// Full error rather than corrupting state) if depth+n would exceed
// capacity (§4.3).
func (b *Buffer) AdvanceHead(n uint64) error {
	depth := b.Depth()
	if depth+n > b.capacity {
		return hicr.ErrFull(b.capacity).WithContext("depth", depth).WithContext("requested", n)
	}
	return b.coord.SetHead(b.coord.Head() + n)
}

// AdvanceTail is the consumer-side mutator. It fails fatally if n exceeds
// the current depth (§4.3).
func (b *Buffer) AdvanceTail(n uint64) error {
	depth := b.Depth()
	if n > depth {
		return hicr.ErrEmpty().WithContext("depth", depth).WithContext("requested", n)
	}
	return b.coord.SetTail(b.coord.Tail() + n)
}
