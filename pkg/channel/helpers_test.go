package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// testRig wires a two-participant in-process cluster (producer/consumer)
// sharing one ShmemBackend, each with its own Manager and memory.Manager,
// mirroring how two real processes would set up a channel.
type testRig struct {
	t *testing.T

	space hicr.MemorySpace

	backend          *comm.ShmemBackend
	producerInstance hicr.InstanceID
	consumerInstance hicr.InstanceID
	producerComm     *comm.Manager
	consumerComm     *comm.Manager
	producerMem      *memory.Manager
	consumerMem      *memory.Manager

	nextKey hicr.Key
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	backend := comm.NewSharedMemoryCluster(2)
	producerInstance := hicr.NewInstanceID()
	consumerInstance := hicr.NewInstanceID()
	return &testRig{
		t:                t,
		space:            hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<20),
		backend:          backend,
		producerInstance: producerInstance,
		consumerInstance: consumerInstance,
		producerComm:     comm.NewManager(producerInstance, backend, 0),
		consumerComm:     comm.NewManager(consumerInstance, backend, 0),
		producerMem:      memory.NewManager(memory.BindingFirstTouch),
		consumerMem:      memory.NewManager(memory.BindingFirstTouch),
		nextKey:          1,
	}
}

func (r *testRig) key() hicr.Key {
	k := r.nextKey
	r.nextKey++
	return k
}

// promoteProducer allocates and promotes a slot of size bytes, owned by
// the producer side, returning both the local slot and a remote handle.
func (r *testRig) promoteProducer(size uint64) (*memory.LocalMemorySlot, *comm.GlobalSlot) {
	slot, err := r.producerMem.AllocateLocalMemorySlot(r.space, size)
	require.NoError(r.t, err)
	k := r.key()
	_, err = r.producerComm.PromoteLocalMemorySlot(1, k, slot)
	require.NoError(r.t, err)
	return slot, comm.RemoteGlobalSlot(r.producerInstance, 1, k, size)
}

// promoteConsumer allocates and promotes a slot of size bytes, owned by
// the consumer side.
func (r *testRig) promoteConsumer(size uint64) (*memory.LocalMemorySlot, *comm.GlobalSlot) {
	slot, err := r.consumerMem.AllocateLocalMemorySlot(r.space, size)
	require.NoError(r.t, err)
	k := r.key()
	_, err = r.consumerComm.PromoteLocalMemorySlot(1, k, slot)
	require.NoError(r.t, err)
	return slot, comm.RemoteGlobalSlot(r.consumerInstance, 1, k, size)
}
