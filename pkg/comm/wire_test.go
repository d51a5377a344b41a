package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicr-project/hicr/pkg/hicr"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	g := &GlobalSlot{
		OwnerInstanceID: hicr.InstanceID(7),
		Tag:             hicr.Tag(3),
		Key:             hicr.Key(99),
		Size:            4096,
	}

	b := Serialize(g)
	require.Len(t, b, DescriptorSize)

	got, err := Deserialize(b)
	require.NoError(t, err)
	assert.Equal(t, g.OwnerInstanceID, got.OwnerInstanceID)
	assert.Equal(t, g.Tag, got.Tag)
	assert.Equal(t, g.Key, got.Key)
	assert.Equal(t, g.Size, got.Size)
	assert.False(t, got.IsOwner())
}

func TestDeserializeRejectsShortBuffer(t *testing.T) {
	_, err := Deserialize(make([]byte, 10))
	require.Error(t, err)

	var herr *hicr.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hicr.InvalidArgument, herr.Code())
}
