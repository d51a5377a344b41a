package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

type storeRig struct {
	space  hicr.MemorySpace
	owner  *Store
	reader *Store
}

func newStoreRig(t *testing.T, compress bool) *storeRig {
	t.Helper()
	backend := comm.NewSharedMemoryCluster(2)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<20)

	ownerInstance := hicr.NewInstanceID()
	readerInstance := hicr.NewInstanceID()
	ownerComm := comm.NewManager(ownerInstance, backend, 0)
	readerComm := comm.NewManager(readerInstance, backend, 0)
	ownerMem := memory.NewManager(memory.BindingFirstTouch)
	readerMem := memory.NewManager(memory.BindingFirstTouch)

	return &storeRig{
		space:  space,
		owner:  NewStore(1, ownerInstance, space, ownerComm, ownerMem, compress),
		reader: NewStore(1, readerInstance, space, readerComm, readerMem, compress),
	}
}

func TestPublishAndGetRoundTripUncompressed(t *testing.T) {
	r := newStoreRig(t, false)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	obj, err := r.owner.CreateObject(payload, 1)
	require.NoError(t, err)
	require.NoError(t, r.owner.Publish(obj))

	handle, err := r.owner.Serialize(obj)
	require.NoError(t, err)
	assert.False(t, handle.Compressed)

	remoteObj := r.reader.Deserialize(handle)
	slot, err := r.reader.Get(remoteObj)
	require.NoError(t, err)
	require.NoError(t, r.reader.Fence())

	assert.Equal(t, payload, slot.Pointer())
}

func TestPublishAndGetRoundTripCompressed(t *testing.T) {
	r := newStoreRig(t, true)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	obj, err := r.owner.CreateObject(payload, 2)
	require.NoError(t, err)
	require.NoError(t, r.owner.Publish(obj))

	handle, err := r.owner.Serialize(obj)
	require.NoError(t, err)
	assert.True(t, handle.Compressed)
	assert.LessOrEqual(t, handle.WireSize, handle.Size)

	remoteObj := r.reader.Deserialize(handle)
	_, err = r.reader.Get(remoteObj)
	require.NoError(t, err)
	require.NoError(t, r.reader.FenceObject(remoteObj))

	slot, err := r.reader.Get(remoteObj)
	require.NoError(t, err)
	assert.Equal(t, payload, slot.Pointer())
}

func TestPublishRejectsRepublish(t *testing.T) {
	r := newStoreRig(t, false)
	obj, err := r.owner.CreateObject([]byte("hello"), 3)
	require.NoError(t, err)
	require.NoError(t, r.owner.Publish(obj))

	err = r.owner.Publish(obj)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.InvalidArgument, herr.Code())
}

func TestSerializeRejectsUnpublishedObject(t *testing.T) {
	r := newStoreRig(t, false)
	obj, err := r.owner.CreateObject([]byte("hello"), 4)
	require.NoError(t, err)

	_, err = r.owner.Serialize(obj)
	require.Error(t, err)
}

func TestConcurrentGetCoalescesIntoOneCache(t *testing.T) {
	r := newStoreRig(t, false)
	obj, err := r.owner.CreateObject([]byte("coalesce me"), 5)
	require.NoError(t, err)
	require.NoError(t, r.owner.Publish(obj))
	handle, err := r.owner.Serialize(obj)
	require.NoError(t, err)

	remoteObj := r.reader.Deserialize(handle)

	slotA, err := r.reader.Get(remoteObj)
	require.NoError(t, err)
	slotB, err := r.reader.Get(remoteObj)
	require.NoError(t, err)
	assert.Same(t, slotA, slotB)
}

func TestDestroyRemovesObjectAndFreesNonOwnerCache(t *testing.T) {
	r := newStoreRig(t, false)
	obj, err := r.owner.CreateObject([]byte("bye"), 6)
	require.NoError(t, err)
	require.NoError(t, r.owner.Publish(obj))
	handle, err := r.owner.Serialize(obj)
	require.NoError(t, err)

	remoteObj := r.reader.Deserialize(handle)
	_, err = r.reader.Get(remoteObj)
	require.NoError(t, err)
	require.NoError(t, r.reader.Fence())

	require.NoError(t, r.reader.Destroy(remoteObj))
	require.NoError(t, r.owner.Destroy(obj))
}
