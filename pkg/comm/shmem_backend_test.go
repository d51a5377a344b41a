package comm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

func TestExchangeMergesContributionsAcrossParticipants(t *testing.T) {
	backend := NewSharedMemoryCluster(2)
	mem := memory.NewManager(memory.BindingFirstTouch)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<16)

	a := hicr.NewInstanceID()
	b := hicr.NewInstanceID()
	slotA, err := mem.AllocateLocalMemorySlot(space, 64)
	require.NoError(t, err)
	slotB, err := mem.AllocateLocalMemorySlot(space, 64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var resolvedA, resolvedB []resolvedTriple
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		resolvedA, errA = backend.Exchange(a, 1, []Contribution{{Key: 1, Local: slotA}})
	}()
	go func() {
		defer wg.Done()
		resolvedB, errB = backend.Exchange(b, 1, []Contribution{{Key: 2, Local: slotB}})
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Len(t, resolvedA, 2)
	assert.ElementsMatch(t, resolvedA, resolvedB)
}

func TestExchangeDuplicateKeyFailsEveryParticipant(t *testing.T) {
	backend := NewSharedMemoryCluster(2)
	mem := memory.NewManager(memory.BindingFirstTouch)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<16)

	a := hicr.NewInstanceID()
	b := hicr.NewInstanceID()
	slotA1, err := mem.AllocateLocalMemorySlot(space, 8)
	require.NoError(t, err)
	slotA2, err := mem.AllocateLocalMemorySlot(space, 8)
	require.NoError(t, err)
	slotB, err := mem.AllocateLocalMemorySlot(space, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = backend.Exchange(a, 2, []Contribution{
			{Key: 5, Local: slotA1},
			{Key: 5, Local: slotA2},
		})
	}()
	go func() {
		defer wg.Done()
		_, errB = backend.Exchange(b, 2, []Contribution{{Key: 5, Local: slotB}})
	}()
	wg.Wait()

	var herrA, herrB *hicr.Error
	require.ErrorAs(t, errA, &herrA)
	assert.Equal(t, hicr.DuplicateKey, herrA.Code())
	require.ErrorAs(t, errB, &herrB)
	assert.Equal(t, hicr.DuplicateKey, herrB.Code())
}

func TestMemcpyLocalToLocalBytesLandBeforeFenceButCountersNeedIt(t *testing.T) {
	backend := NewSharedMemoryCluster(1)
	mem := memory.NewManager(memory.BindingFirstTouch)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<16)

	src, err := mem.AllocateLocalMemorySlot(space, 16)
	require.NoError(t, err)
	dst, err := mem.AllocateLocalMemorySlot(space, 16)
	require.NoError(t, err)
	require.NoError(t, src.AtomicStore64(0, 0xcafe))

	err = backend.Memcpy(Endpoint{Local: dst}, 0, Endpoint{Local: src}, 0, 8)
	require.NoError(t, err)

	v, err := dst.AtomicLoad64(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xcafe), v)
	assert.Equal(t, uint64(0), src.MessagesSent())
	assert.Equal(t, uint64(0), dst.MessagesReceived())

	require.NoError(t, backend.FenceSlot(src, 1, 0))
	require.NoError(t, backend.FenceSlot(dst, 0, 1))
	assert.Equal(t, uint64(1), src.MessagesSent())
	assert.Equal(t, uint64(1), dst.MessagesReceived())
}

func TestTryAcquireLockRejectsSecondHolder(t *testing.T) {
	backend := NewSharedMemoryCluster(1)
	owner := hicr.NewInstanceID()
	holderA := hicr.NewInstanceID()
	holderB := hicr.NewInstanceID()

	ok, err := backend.TryAcquireLock(1, 1, owner, holderA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.TryAcquireLock(1, 1, owner, holderB)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.ReleaseLock(1, 1, owner, holderA))

	ok, err = backend.TryAcquireLock(1, 1, owner, holderB)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLockRejectsNonHolder(t *testing.T) {
	backend := NewSharedMemoryCluster(1)
	owner := hicr.NewInstanceID()
	holderA := hicr.NewInstanceID()
	holderB := hicr.NewInstanceID()

	ok, err := backend.TryAcquireLock(1, 1, owner, holderA)
	require.NoError(t, err)
	require.True(t, ok)

	err = backend.ReleaseLock(1, 1, owner, holderB)
	require.Error(t, err)
}
