package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/hicr"
)

func TestFixedSPSCPushAndRead(t *testing.T) {
	r := newTestRig(t)
	const capacity, tokenSize = 4, 8

	tokenBuffer, tokenBufferRemote := r.promoteProducer(capacity * tokenSize)
	producerCoordSlot, producerCoordRemote := r.promoteProducer(16)
	consumerCoordSlot, consumerCoordRemote := r.promoteConsumer(16)

	producer, err := NewFixedSizeProducer(r.producerComm, r.producerMem, tokenBuffer, producerCoordSlot, capacity, tokenSize, consumerCoordRemote)
	require.NoError(t, err)
	consumer, err := NewFixedSizeConsumer(r.consumerComm, r.consumerMem, tokenBufferRemote, consumerCoordSlot, capacity, tokenSize, producerCoordRemote)
	require.NoError(t, err)

	src, err := r.producerMem.AllocateLocalMemorySlot(r.space, tokenSize)
	require.NoError(t, err)
	require.NoError(t, src.AtomicStore64(0, 42))
	require.NoError(t, producer.Push(src))

	assert.Equal(t, uint64(1), consumer.Depth())

	dst, err := r.consumerMem.AllocateLocalMemorySlot(r.space, tokenSize)
	require.NoError(t, err)
	require.NoError(t, consumer.Read(0, dst))
	v, err := dst.AtomicLoad64(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	require.NoError(t, consumer.Pop(1))
	assert.Equal(t, uint64(0), consumer.Depth())
}

func TestFixedSPSCPushFailsWhenFull(t *testing.T) {
	r := newTestRig(t)
	const capacity, tokenSize = 2, 8

	tokenBuffer, _ := r.promoteProducer(capacity * tokenSize)
	producerCoordSlot, _ := r.promoteProducer(16)
	_, consumerCoordRemote := r.promoteConsumer(16)

	producer, err := NewFixedSizeProducer(r.producerComm, r.producerMem, tokenBuffer, producerCoordSlot, capacity, tokenSize, consumerCoordRemote)
	require.NoError(t, err)

	for i := 0; i < capacity; i++ {
		src, err := r.producerMem.AllocateLocalMemorySlot(r.space, tokenSize)
		require.NoError(t, err)
		require.NoError(t, producer.Push(src))
	}

	overflow, err := r.producerMem.AllocateLocalMemorySlot(r.space, tokenSize)
	require.NoError(t, err)
	err = producer.Push(overflow)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.Full, herr.Code())
}

func TestFixedSPSCReadOutOfRange(t *testing.T) {
	r := newTestRig(t)
	const capacity, tokenSize = 4, 8

	tokenBuffer, tokenBufferRemote := r.promoteProducer(capacity * tokenSize)
	_, producerCoordRemote := r.promoteProducer(16)
	consumerCoordSlot, _ := r.promoteConsumer(16)

	consumer, err := NewFixedSizeConsumer(r.consumerComm, r.consumerMem, tokenBufferRemote, consumerCoordSlot, capacity, tokenSize, producerCoordRemote)
	require.NoError(t, err)
	_ = tokenBuffer

	dst, err := r.consumerMem.AllocateLocalMemorySlot(r.space, tokenSize)
	require.NoError(t, err)
	err = consumer.Read(0, dst)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.OutOfRange, herr.Code())
}
