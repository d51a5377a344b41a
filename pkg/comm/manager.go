package comm

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"

	"github.com/hicr-project/hicr/internal/logging"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// Manager is a single participant's CommunicationManager (§4.2): it binds
// to one Backend at construction and never rebinds (§9), and maintains
// this process's view of every GlobalSlot it has exchanged, promoted, or
// resolved by lookup.
type Manager struct {
	instance hicr.InstanceID
	backend  Backend

	mu       sync.RWMutex
	registry map[triple]*GlobalSlot

	// seen is a fast-reject filter checked before the authoritative
	// registry map on every getGlobalMemorySlot lookup and before every
	// exchange contribution, so a miss short-circuits without touching
	// the mutex-protected map (bloom false positives still fall through
	// to the real map, so correctness never depends on the filter).
	seen   *bloom.BloomFilter
	seenMu sync.Mutex

	breaker *gobreaker.CircuitBreaker

	heldLocksMu sync.Mutex
	heldLocks   map[triple]bool

	log *logging.Logger
}

// NewManager constructs a CommunicationManager bound to backend for the
// given instance identity. The bloomCapacity hint sizes the fast-reject
// filter; it is a performance hint only, not a correctness constraint.
func NewManager(instance hicr.InstanceID, backend Backend, bloomCapacity uint) *Manager {
	if bloomCapacity == 0 {
		bloomCapacity = 1024
	}
	return &Manager{
		instance:  instance,
		backend:   backend,
		registry:  make(map[triple]*GlobalSlot),
		seen:      bloom.NewWithEstimates(uint(bloomCapacity), 0.01),
		heldLocks: make(map[triple]bool),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "hicr-communication-manager",
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
		}),
		log: logging.New("comm.manager"),
	}
}

func bloomKey(t triple) []byte {
	b := make([]byte, 24)
	put64(b[0:8], uint64(t.tag))
	put64(b[8:16], uint64(t.key))
	put64(b[16:24], uint64(t.owner))
	return b
}

func (m *Manager) remember(t triple) {
	m.seenMu.Lock()
	m.seen.Add(bloomKey(t))
	m.seenMu.Unlock()
}

func (m *Manager) mightExist(t triple) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	return m.seen.Test(bloomKey(t))
}

// ExchangeGlobalMemorySlots performs the collective all-gather described
// in §4.2: every participant contributes its (key, local) pairs under
// tag, and every participant observes the same merged result, or every
// participant observes the same DuplicateKey error (§7).
func (m *Manager) ExchangeGlobalMemorySlots(tag hicr.Tag, slots map[hicr.Key]*memory.LocalMemorySlot) error {
	contributions := make([]Contribution, 0, len(slots))
	for k, local := range slots {
		t := triple{tag: tag, key: k, owner: m.instance}
		if m.mightExist(t) {
			m.mu.RLock()
			_, exists := m.registry[t]
			m.mu.RUnlock()
			if exists {
				return hicr.ErrDuplicateKey(uint64(tag), uint64(k))
			}
		}
		contributions = append(contributions, Contribution{Key: k, Local: local})
	}

	resolved, err := m.backend.Exchange(m.instance, tag, contributions)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resolved {
		t := triple{tag: tag, key: r.Key, owner: r.Owner}
		g := &GlobalSlot{OwnerInstanceID: r.Owner, Tag: tag, Key: r.Key, Size: r.Size}
		if r.Owner == m.instance {
			g.local = slots[r.Key]
		}
		m.registry[t] = g
		m.remember(t)
	}
	return nil
}

// PromoteLocalMemorySlot registers local as cluster-visible under
// (tag,key) without a collective barrier (§4.2).
func (m *Manager) PromoteLocalMemorySlot(tag hicr.Tag, key hicr.Key, local *memory.LocalMemorySlot) (*GlobalSlot, error) {
	if err := m.backend.Promote(m.instance, tag, key, local); err != nil {
		return nil, err
	}
	g := &GlobalSlot{OwnerInstanceID: m.instance, Tag: tag, Key: key, Size: local.Size(), local: local}
	t := g.triple()
	m.mu.Lock()
	m.registry[t] = g
	m.mu.Unlock()
	m.remember(t)
	return g, nil
}

// DestroyPromotedGlobalMemorySlot removes a non-collectively-promoted
// slot. For an owned slot it first calls FenceSlot with zero expected
// counts, which returns at once; transfers still in flight on the slot
// are not waited for.
func (m *Manager) DestroyPromotedGlobalMemorySlot(g *GlobalSlot) error {
	if g.IsOwner() {
		if err := m.backend.FenceSlot(g.local, 0, 0); err != nil {
			return err
		}
	}
	if err := m.backend.DestroyPromoted(g.Tag, g.Key, g.OwnerInstanceID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.registry, g.triple())
	m.mu.Unlock()
	return nil
}

// GetGlobalMemorySlot returns the previously exchanged or promoted slot
// for (tag,key,owner), or NotFound if this process never observed it.
func (m *Manager) GetGlobalMemorySlot(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) (*GlobalSlot, error) {
	t := triple{tag: tag, key: key, owner: owner}
	if !m.mightExist(t) {
		return nil, hicr.ErrNotFound(uint64(tag), uint64(key))
	}
	m.mu.RLock()
	g, ok := m.registry[t]
	m.mu.RUnlock()
	if !ok {
		return nil, hicr.ErrNotFound(uint64(tag), uint64(key))
	}
	return g, nil
}

func (m *Manager) endpoint(g *GlobalSlot) Endpoint { return Endpoint{Global: g} }

// Memcpy issues a one-sided copy between two global slots (or local
// slots wrapped via MemcpyLocal), posting asynchronously: it may return
// before the copy completes remotely (§4.2 contract 1). A covering Fence
// or FenceSlot is required before the counters are safe to read.
func (m *Manager) Memcpy(dst *GlobalSlot, dstOffset uint64, src *GlobalSlot, srcOffset uint64, size uint64) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.backend.Memcpy(m.endpoint(dst), dstOffset, m.endpoint(src), srcOffset, size)
	})
	return unwrapBreaker(err, "memcpy")
}

// MemcpyLocal copies directly between two LocalMemorySlots without
// involving the global registry (supplemented feature D.3). The byte
// copy itself is synchronous; the sent/received counters still only
// settle on a covering Fence or FenceSlot, same as any other transfer.
func (m *Manager) MemcpyLocal(dst *memory.LocalMemorySlot, dstOffset uint64, src *memory.LocalMemorySlot, srcOffset uint64, size uint64) error {
	return m.backend.Memcpy(Endpoint{Local: dst}, dstOffset, Endpoint{Local: src}, srcOffset, size)
}

// MemcpyToGlobal posts a one-sided write from a local slot into a
// (possibly remote) global slot — the channel protocols' counter and
// token propagation step.
func (m *Manager) MemcpyToGlobal(dst *GlobalSlot, dstOffset uint64, src *memory.LocalMemorySlot, srcOffset uint64, size uint64) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.backend.Memcpy(m.endpoint(dst), dstOffset, Endpoint{Local: src}, srcOffset, size)
	})
	return unwrapBreaker(err, "memcpy")
}

// MemcpyFromGlobal posts a one-sided read from a (possibly remote)
// global slot into a local slot.
func (m *Manager) MemcpyFromGlobal(dst *memory.LocalMemorySlot, dstOffset uint64, src *GlobalSlot, srcOffset uint64, size uint64) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.backend.Memcpy(Endpoint{Local: dst}, dstOffset, m.endpoint(src), srcOffset, size)
	})
	return unwrapBreaker(err, "memcpy")
}

// Fence blocks until every memcpy this process posted against tag has
// completed both locally and remotely (§4.2 contract 2).
func (m *Manager) Fence(tag hicr.Tag) error {
	_, err := m.breaker.Execute(func() (interface{}, error) { return nil, m.backend.Fence(tag) })
	return unwrapBreaker(err, "fence")
}

// FenceSlot is the non-collective, single-slot variant of Fence.
func (m *Manager) FenceSlot(slot *memory.LocalMemorySlot, expectedSent, expectedReceived uint64) error {
	return m.backend.FenceSlot(slot, expectedSent, expectedReceived)
}

// QueryMemorySlotUpdates refreshes g's cached sent/received counters
// without blocking on a fence. Idempotent: repeated calls with no
// intervening traffic are safe no-ops (supplemented feature D.1).
func (m *Manager) QueryMemorySlotUpdates(g *GlobalSlot) error {
	return m.backend.QueryUpdates(g)
}

// TryAcquireGlobalLock attempts to acquire the mutex tied to g without
// blocking, returning LockNotAcquired if another participant holds it.
func (m *Manager) TryAcquireGlobalLock(g *GlobalSlot) error {
	t := g.triple()
	m.heldLocksMu.Lock()
	if m.heldLocks[t] {
		m.heldLocksMu.Unlock()
		return hicr.ErrInvalidArgument("acquireGlobalLock: already held by this participant (re-entrant acquire is unsafe)")
	}
	m.heldLocksMu.Unlock()

	ok, err := m.backend.TryAcquireLock(g.Tag, g.Key, g.OwnerInstanceID, m.instance)
	if err != nil {
		return err
	}
	if !ok {
		return hicr.ErrLockNotAcquired("held by another participant")
	}
	m.heldLocksMu.Lock()
	m.heldLocks[t] = true
	m.heldLocksMu.Unlock()
	return nil
}

// AcquireGlobalLock blocks until the lock tied to g is obtained,
// defensively rejecting a double-acquire by the same participant rather
// than deadlocking against itself (supplemented feature D.4).
func (m *Manager) AcquireGlobalLock(g *GlobalSlot) error {
	t := g.triple()
	m.heldLocksMu.Lock()
	if m.heldLocks[t] {
		m.heldLocksMu.Unlock()
		return hicr.ErrInvalidArgument("acquireGlobalLock: already held by this participant (re-entrant acquire is unsafe)")
	}
	m.heldLocksMu.Unlock()

	if err := m.backend.AcquireLock(g.Tag, g.Key, g.OwnerInstanceID, m.instance); err != nil {
		return err
	}
	m.heldLocksMu.Lock()
	m.heldLocks[t] = true
	m.heldLocksMu.Unlock()
	return nil
}

// ReleaseGlobalLock releases a lock this participant holds.
func (m *Manager) ReleaseGlobalLock(g *GlobalSlot) error {
	t := g.triple()
	if err := m.backend.ReleaseLock(g.Tag, g.Key, g.OwnerInstanceID, m.instance); err != nil {
		return err
	}
	m.heldLocksMu.Lock()
	delete(m.heldLocks, t)
	m.heldLocksMu.Unlock()
	return nil
}

// Instance returns this manager's participant identity.
func (m *Manager) Instance() hicr.InstanceID { return m.instance }
