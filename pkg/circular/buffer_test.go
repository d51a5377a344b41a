package circular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

func newTestBuffer(t *testing.T, capacity uint64) *Buffer {
	t.Helper()
	mgr := memory.NewManager(memory.BindingFirstTouch)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1024)
	slot, err := mgr.AllocateLocalMemorySlot(space, Size)
	require.NoError(t, err)
	coord, err := NewCoordinationBuffer(slot)
	require.NoError(t, err)
	buf, err := NewBuffer(coord, capacity)
	require.NoError(t, err)
	return buf
}

func TestDepthInvariantHolds(t *testing.T) {
	buf := newTestBuffer(t, 8)
	require.NoError(t, buf.AdvanceHead(5))
	assert.Equal(t, uint64(5), buf.Depth())
	require.NoError(t, buf.AdvanceTail(2))
	assert.Equal(t, uint64(3), buf.Depth())
}

func TestAdvanceHeadFailsWhenFull(t *testing.T) {
	buf := newTestBuffer(t, 4)
	require.NoError(t, buf.AdvanceHead(4))

	err := buf.AdvanceHead(1)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.Full, herr.Code())
}

func TestAdvanceTailFailsWhenEmpty(t *testing.T) {
	buf := newTestBuffer(t, 4)

	err := buf.AdvanceTail(1)
	require.Error(t, err)
	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.Empty, herr.Code())
}

func TestHeadTailPositionsWrapAtCapacity(t *testing.T) {
	buf := newTestBuffer(t, 4)
	require.NoError(t, buf.AdvanceHead(3))
	require.NoError(t, buf.AdvanceTail(3))
	require.NoError(t, buf.AdvanceHead(3))

	assert.Equal(t, uint64(3), buf.Depth())
	assert.Equal(t, uint64(3), buf.TailPosition())
	assert.Equal(t, uint64(2), buf.HeadPosition())
}

func TestNewBufferRejectsZeroCapacity(t *testing.T) {
	mgr := memory.NewManager(memory.BindingFirstTouch)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1024)
	slot, err := mgr.AllocateLocalMemorySlot(space, Size)
	require.NoError(t, err)
	coord, err := NewCoordinationBuffer(slot)
	require.NoError(t, err)

	_, err = NewBuffer(coord, 0)
	require.Error(t, err)
}

func TestNewCoordinationBufferRejectsUndersizedSlot(t *testing.T) {
	mgr := memory.NewManager(memory.BindingFirstTouch)
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, 1024)
	slot, err := mgr.AllocateLocalMemorySlot(space, 8)
	require.NoError(t, err)

	_, err = NewCoordinationBuffer(slot)
	require.Error(t, err)
}
