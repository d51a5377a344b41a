package objectstore

import (
	"sync"

	"github.com/hicr-project/hicr/internal/logging"
	"github.com/hicr-project/hicr/pkg/comm"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// Store is the distributed object store's per-process front-end (§4.7):
// a tag, an instance identity, a memory space, and the map from
// (instanceId, blockId) to DataObject.
type Store struct {
	tag      hicr.Tag
	instance hicr.InstanceID
	space    hicr.MemorySpace
	comm     *comm.Manager
	memMgr   *memory.Manager
	compress bool

	mu      sync.RWMutex
	objects map[hicr.Key]*DataObject

	log *logging.Logger
}

// NewStore constructs an object store scoped to tag, owned by instance,
// allocating cache and wire slots from space. When compress is true,
// Publish brotli-compresses payloads before exposing them globally.
func NewStore(tag hicr.Tag, instance hicr.InstanceID, space hicr.MemorySpace, commMgr *comm.Manager, memMgr *memory.Manager, compress bool) *Store {
	return &Store{
		tag: tag, instance: instance, space: space,
		comm: commMgr, memMgr: memMgr, compress: compress,
		objects: make(map[hicr.Key]*DataObject),
		log:     logging.New("objectstore"),
	}
}

// CreateObject registers data as a new object owned by this instance
// under blockID, with no RMA state yet (§4.7).
func (s *Store) CreateObject(data []byte, blockID uint32) (*DataObject, error) {
	local, err := s.memMgr.RegisterLocalMemorySlot(s.space, data, uint64(len(data)))
	if err != nil {
		return nil, err
	}
	return s.CreateObjectFromSlot(local, blockID)
}

// CreateObjectFromSlot is the LocalMemorySlot-taking overload of
// createObject (§4.7).
func (s *Store) CreateObjectFromSlot(local *memory.LocalMemorySlot, blockID uint32) (*DataObject, error) {
	obj := &DataObject{Tag: s.tag, Owner: s.instance, BlockID: blockID, Size: local.Size(), local: local}
	s.mu.Lock()
	s.objects[obj.key()] = obj
	s.mu.Unlock()
	return obj, nil
}

// Publish promotes obj.localSlot to a global slot under the store's tag
// (non-collective). Republishing a still-published object is an error.
func (s *Store) Publish(obj *DataObject) error {
	if !obj.IsOwner() {
		return hicr.ErrInvalidArgument("publish: object is not owned by this instance")
	}
	if obj.published {
		return hicr.ErrInvalidArgument("publish: object is already published")
	}

	wireSlot := obj.local
	wireSize := obj.Size
	if s.compress {
		compressed, err := compressBytes(obj.local.Pointer())
		if err != nil {
			return err
		}
		wireSize = uint64(len(compressed))
		wireSlot, err = s.memMgr.RegisterLocalMemorySlot(s.space, compressed, wireSize)
		if err != nil {
			return err
		}
	}

	g, err := s.comm.PromoteLocalMemorySlot(s.tag, obj.key(), wireSlot)
	if err != nil {
		return err
	}
	obj.global = g
	obj.WireSize = wireSize
	obj.published = true
	return nil
}

// Serialize produces a trivially copyable descriptor for obj (§4.7).
func (s *Store) Serialize(obj *DataObject) (Handle, error) {
	if !obj.published {
		return Handle{}, hicr.ErrInvalidArgument("serialize: object is not published")
	}
	return Handle{
		Tag: obj.Tag, Owner: obj.Owner, BlockID: obj.BlockID,
		Size: obj.Size, WireSize: obj.WireSize, Compressed: s.compress,
	}, nil
}

// Deserialize reconstructs a non-owning DataObject from h: its global
// slot is the wire form, its local slot is null until the first Get
// (§4.7).
func (s *Store) Deserialize(h Handle) *DataObject {
	obj := &DataObject{
		Tag: h.Tag, Owner: h.Owner, BlockID: h.BlockID,
		Size: h.Size, WireSize: h.WireSize, published: true,
		global: &comm.GlobalSlot{OwnerInstanceID: h.Owner, Tag: h.Tag, Key: compoundKey(h.Owner, h.BlockID), Size: h.WireSize},
	}
	s.mu.Lock()
	s.objects[obj.key()] = obj
	s.mu.Unlock()
	return obj
}

// Get returns the object's local slot. Owners get their slot directly.
// Non-owners lazily allocate a cache on first call and post the
// transfer; the returned slot's contents are undefined until a
// subsequent Fence or FenceObject completes. Concurrent Gets on the same
// object are idempotent and coalesce into at most one transfer between
// fences (§4.7 concurrency note).
func (s *Store) Get(obj *DataObject) (*memory.LocalMemorySlot, error) {
	if obj.IsOwner() {
		return obj.local, nil
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.cache != nil {
		return obj.cache, nil
	}

	cache, err := s.memMgr.AllocateLocalMemorySlot(s.space, obj.Size)
	if err != nil {
		return nil, err
	}
	target := cache
	if s.compress {
		scratch, err := s.memMgr.AllocateLocalMemorySlot(s.space, obj.WireSize)
		if err != nil {
			return nil, err
		}
		obj.wireScratch = scratch
		target = scratch
	}

	if err := s.comm.MemcpyFromGlobal(target, 0, obj.global, 0, obj.WireSize); err != nil {
		return nil, err
	}
	obj.cache = cache
	obj.fetchPosted = true
	return obj.cache, nil
}

// Fence is the collective completion of every outstanding get/put posted
// on this store's tag (§4.7).
func (s *Store) Fence() error {
	if err := s.comm.Fence(s.tag); err != nil {
		return err
	}
	s.mu.RLock()
	objs := make([]*DataObject, 0, len(s.objects))
	for _, o := range s.objects {
		objs = append(objs, o)
	}
	s.mu.RUnlock()
	for _, o := range objs {
		if err := s.settleDecompression(o); err != nil {
			return err
		}
	}
	return nil
}

// FenceObject is the one-sided completion restricted to a single
// object's local slot (§4.7).
func (s *Store) FenceObject(obj *DataObject) error {
	obj.mu.Lock()
	slot := obj.cache
	if s.compress {
		slot = obj.wireScratch
	}
	posted := obj.fetchPosted
	obj.mu.Unlock()
	if !posted {
		return nil
	}
	if err := s.comm.FenceSlot(slot, 0, 1); err != nil {
		return err
	}
	return s.settleDecompression(obj)
}

// settleDecompression copies the decompressed bytes of a completed
// fetch into the object's visible cache. A no-op if there is nothing
// pending or compression is disabled (the direct-memcpy cache already
// holds the final bytes in that case).
func (s *Store) settleDecompression(obj *DataObject) error {
	if !s.compress {
		return nil
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.wireScratch == nil || obj.cache == nil {
		return nil
	}
	decompressed, err := decompressBytes(obj.wireScratch.Pointer(), obj.Size)
	if err != nil {
		return err
	}
	copy(obj.cache.Pointer(), decompressed)
	obj.wireScratch = nil
	return nil
}

// Destroy frees a non-owner's local cache, destroys the global slot on
// both sides, and removes the store's map entry (§4.7).
func (s *Store) Destroy(obj *DataObject) error {
	obj.mu.Lock()
	cache := obj.cache
	obj.mu.Unlock()
	if !obj.IsOwner() && cache != nil {
		if err := s.memMgr.FreeLocalMemorySlot(cache); err != nil {
			return err
		}
	}
	if obj.global != nil {
		wireSlot := obj.global.LocalSlot()
		if err := s.comm.DestroyPromotedGlobalMemorySlot(obj.global); err != nil {
			return err
		}
		if s.compress && obj.IsOwner() && wireSlot != nil && wireSlot != obj.local {
			if err := s.memMgr.DeregisterLocalMemorySlot(wireSlot); err != nil {
				return err
			}
		}
	}
	s.mu.Lock()
	delete(s.objects, obj.key())
	s.mu.Unlock()
	return nil
}
