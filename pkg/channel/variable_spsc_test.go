package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
)

func newVariableSPSCPair(t *testing.T, payloadCapacity, messageCapacity uint64) (*VariableSizeProducer, *VariableSizeConsumer, *testRig) {
	producer, consumer, _, r := newVariableSPSCPairWithLock(t, payloadCapacity, messageCapacity)
	return producer, consumer, r
}

// newVariableSPSCPairWithLock additionally returns the consumer's
// counts-coordination remote handle, the identity a LockingMPSCProducer
// locks against (§4.6 "the lock scope").
func newVariableSPSCPairWithLock(t *testing.T, payloadCapacity, messageCapacity uint64) (*VariableSizeProducer, *VariableSizeConsumer, *comm.GlobalSlot, *testRig) {
	t.Helper()
	r := newTestRig(t)

	payloadBuffer, payloadBufferRemote := r.promoteProducer(payloadCapacity)
	sizesBuffer, sizesBufferRemote := r.promoteProducer(messageCapacity * sizeRecordWidth)
	producerPayloadsCoord, producerPayloadsCoordRemote := r.promoteProducer(16)
	producerCountsCoord, producerCountsCoordRemote := r.promoteProducer(16)
	consumerPayloadsCoord, consumerPayloadsCoordRemote := r.promoteConsumer(16)
	consumerCountsCoord, consumerCountsCoordRemote := r.promoteConsumer(16)

	producer, err := NewVariableSizeProducer(
		r.producerComm, r.producerMem,
		payloadBuffer, sizesBuffer,
		producerPayloadsCoord, producerCountsCoord,
		payloadCapacity, messageCapacity,
		consumerPayloadsCoordRemote, consumerCountsCoordRemote,
	)
	require.NoError(t, err)

	consumer, err := NewVariableSizeConsumer(
		r.consumerComm, r.consumerMem,
		payloadBufferRemote, sizesBufferRemote,
		consumerPayloadsCoord, consumerCountsCoord,
		payloadCapacity, messageCapacity,
		producerPayloadsCoordRemote, producerCountsCoordRemote,
	)
	require.NoError(t, err)

	return producer, consumer, consumerCountsCoordRemote, r
}

func TestVariableSPSCPushAndReadSingleMessage(t *testing.T) {
	producer, consumer, r := newVariableSPSCPair(t, 64, 8)

	src, err := r.producerMem.AllocateLocalMemorySlot(r.space, 10)
	require.NoError(t, err)
	require.NoError(t, r.producerMem.Memset(src, 0, 0xAB, 10))
	require.NoError(t, producer.Push(src))

	assert.Equal(t, uint64(1), consumer.Depth())

	offset, size, err := consumer.Peek()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	dst, err := r.consumerMem.AllocateLocalMemorySlot(r.space, size)
	require.NoError(t, err)
	require.NoError(t, consumer.ReadPayload(dst, offset, size))

	require.NoError(t, consumer.Pop(1))
	assert.Equal(t, uint64(0), consumer.Depth())
}

func TestVariableSPSCWrapAroundPayload(t *testing.T) {
	producer, consumer, r := newVariableSPSCPair(t, 16, 8)

	first, err := r.producerMem.AllocateLocalMemorySlot(r.space, 10)
	require.NoError(t, err)
	require.NoError(t, producer.Push(first))
	offset1, size1, err := consumer.Peek()
	require.NoError(t, err)
	dst1, err := r.consumerMem.AllocateLocalMemorySlot(r.space, size1)
	require.NoError(t, err)
	require.NoError(t, consumer.ReadPayload(dst1, offset1, size1))
	require.NoError(t, consumer.Pop(1))

	// Second push of 10 bytes: head is at 10, capacity is 16, so this
	// message wraps across the end of the payload buffer.
	second, err := r.producerMem.AllocateLocalMemorySlot(r.space, 10)
	require.NoError(t, err)
	require.NoError(t, r.producerMem.Memset(second, 0, 0xCD, 10))
	require.NoError(t, producer.Push(second))

	offset2, size2, err := consumer.Peek()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size2)
	dst2, err := r.consumerMem.AllocateLocalMemorySlot(r.space, size2)
	require.NoError(t, err)
	require.NoError(t, consumer.ReadPayload(dst2, offset2, size2))
	require.NoError(t, consumer.Pop(1))
}

func TestVariableSPSCPushFailsWhenPayloadFull(t *testing.T) {
	producer, _, r := newVariableSPSCPair(t, 8, 8)

	src, err := r.producerMem.AllocateLocalMemorySlot(r.space, 16)
	require.NoError(t, err)
	err = producer.Push(src)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.Full, herr.Code())
}

func TestVariableSPSCPopMoreThanDepthFails(t *testing.T) {
	_, consumer, _ := newVariableSPSCPair(t, 64, 8)

	err := consumer.Pop(1)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.Empty, herr.Code())
}
