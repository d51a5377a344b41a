package comm

import (
	"encoding/binary"

	"github.com/hicr-project/hicr/pkg/hicr"
)

// DescriptorSize is the fixed wire size of a serialized GlobalSlot
// descriptor: ownerInstanceID, tag, key, size, each an 8-byte
// little-endian word. Used in place of a schema-compiler-generated
// format (capnproto2 would need its generator run, which is out of
// reach here) — a manual fixed layout, in the style of
// kernel/threads/sab/epoch_allocator.go's loadFromSAB/writeToSAB.
const DescriptorSize = 32

func put64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func get64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

// Serialize encodes a GlobalSlot descriptor (not its payload bytes) into
// a fixed 32-byte little-endian record, suitable for shipping over a
// network backend's control channel (§4.2 serializeGlobalMemorySlot).
func Serialize(g *GlobalSlot) []byte {
	b := make([]byte, DescriptorSize)
	put64(b[0:8], uint64(g.OwnerInstanceID))
	put64(b[8:16], uint64(g.Tag))
	put64(b[16:24], uint64(g.Key))
	put64(b[24:32], g.Size)
	return b
}

// Deserialize decodes a descriptor previously produced by Serialize.
// The returned GlobalSlot has no backing local slot (IsOwner is false)
// until the caller resolves it against a Backend.
func Deserialize(b []byte) (*GlobalSlot, error) {
	if len(b) < DescriptorSize {
		return nil, hicr.ErrInvalidArgument("descriptor shorter than 32 bytes")
	}
	return &GlobalSlot{
		OwnerInstanceID: hicr.InstanceID(get64(b[0:8])),
		Tag:             hicr.Tag(get64(b[8:16])),
		Key:             hicr.Key(get64(b[16:24])),
		Size:            get64(b[24:32]),
	}, nil
}
