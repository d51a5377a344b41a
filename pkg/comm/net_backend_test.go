package comm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// dialWithRetry tolerates the listener goroutine NewNetBackend spawns not
// yet being bound when Dial is first attempted.
func dialWithRetry(t *testing.T, b *NetBackend, id hicr.InstanceID, url string) {
	t.Helper()
	var err error
	for i := 0; i < 50; i++ {
		if err = b.Dial(id, url); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
}

func newNetPair(t *testing.T, portA, portB int) (*NetBackend, *NetBackend, hicr.InstanceID, hicr.InstanceID) {
	t.Helper()
	instanceA := hicr.NewInstanceID()
	instanceB := hicr.NewInstanceID()

	a := NewNetBackend(instanceA, memory.NewManager(memory.BindingFirstTouch), fmt.Sprintf("127.0.0.1:%d", portA))
	b := NewNetBackend(instanceB, memory.NewManager(memory.BindingFirstTouch), fmt.Sprintf("127.0.0.1:%d", portB))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	dialWithRetry(t, a, instanceB, fmt.Sprintf("ws://127.0.0.1:%d/hicr", portB))
	return a, b, instanceA, instanceB
}

func TestNetBackendMemcpyAcrossProcessesRequiresFence(t *testing.T) {
	a, b, instanceA, instanceB := newNetPair(t, 19011, 19012)

	managerA := NewManager(instanceA, a, 0)
	managerB := NewManager(instanceB, b, 0)
	localMemB := memory.NewManager(memory.BindingFirstTouch)
	localMemA := memory.NewManager(memory.BindingFirstTouch)

	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<20)
	owned, err := localMemB.AllocateLocalMemorySlot(space, 4)
	require.NoError(t, err)
	require.NoError(t, localMemB.Memset(owned, 0, 0x7A, 4))

	_, err = managerB.PromoteLocalMemorySlot(1, 1, owned)
	require.NoError(t, err)

	remote := RemoteGlobalSlot(instanceB, 1, 1, 4)
	dst, err := localMemA.AllocateLocalMemorySlot(space, 4)
	require.NoError(t, err)

	require.NoError(t, managerA.MemcpyFromGlobal(dst, 0, remote, 0, 4))
	require.NoError(t, managerA.Fence(1))

	assert := require.New(t)
	assert.Equal([]byte{0x7A, 0x7A, 0x7A, 0x7A}, dst.Pointer())
}

func TestNetBackendLockRoundTripsThroughOwningPeer(t *testing.T) {
	a, b, instanceA, instanceB := newNetPair(t, 19013, 19014)

	managerA := NewManager(instanceA, a, 0)
	managerB := NewManager(instanceB, b, 0)
	localMemB := memory.NewManager(memory.BindingFirstTouch)

	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1<<20)
	owned, err := localMemB.AllocateLocalMemorySlot(space, 4)
	require.NoError(t, err)
	_, err = managerB.PromoteLocalMemorySlot(2, 1, owned)
	require.NoError(t, err)

	remote := RemoteGlobalSlot(instanceB, 2, 1, 4)

	require.NoError(t, managerA.AcquireGlobalLock(remote))

	err = managerB.TryAcquireGlobalLock(RemoteGlobalSlot(instanceB, 2, 1, 4))
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert := require.New(t)
	assert.Equal(hicr.LockNotAcquired, herr.Code())

	require.NoError(t, managerA.ReleaseGlobalLock(remote))
	require.NoError(t, managerB.TryAcquireGlobalLock(RemoteGlobalSlot(instanceB, 2, 1, 4)))
}
