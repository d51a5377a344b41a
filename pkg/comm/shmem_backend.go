package comm

import (
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"golang.org/x/sync/errgroup"

	"github.com/hicr-project/hicr/internal/logging"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// ShmemBackend is the in-process "shared memory" fabric backing a
// cluster of participants that all live in the same address space — the
// Go analogue of the source's pthreads backend, where a one-sided
// memcpy is a literal byte copy because every participant already shares
// memory (§1 "shared-memory (pthreads)"). A network-separated cluster
// uses NetBackend (backend_net.go) instead; both satisfy Backend.
type ShmemBackend struct {
	size int // number of participants expected to join a collective

	mu    sync.Mutex
	slots map[triple]*memory.LocalMemorySlot

	barriers map[hicr.Tag]*exchangeBarrier

	locksMu sync.Mutex
	locks   map[triple]*lockState

	pendingMu sync.Mutex
	pending   map[hicr.Tag][]pendingTransfer

	limiterStore store.Store
	limiter      *limiter.TokenBucket
	breaker      *gobreaker.CircuitBreaker

	log *logging.Logger
}

type lockState struct {
	mu     sync.Mutex
	held   bool
	holder hicr.InstanceID
}

// pendingTransfer is a counter update a Memcpy queued and a covering
// Fence must apply (§4.2 "may post and return before completion").
type pendingTransfer struct {
	src *memory.LocalMemorySlot
	dst *memory.LocalMemorySlot
}

type exchangeBarrier struct {
	mu           sync.Mutex
	need         int
	contributors map[hicr.InstanceID]bool
	all          map[triple]*memory.LocalMemorySlot
	done         chan struct{}
	err          error
}

// NewSharedMemoryCluster creates a fabric shared by participantCount
// CommunicationManagers, each simulating an independent rank.
func NewSharedMemoryCluster(participantCount int) *ShmemBackend {
	limiterStore := store.NewMemoryStore(time.Minute)
	tb, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     50,
		Duration: time.Second,
		Burst:    10,
	}, limiterStore)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hicr-shmem-backend",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &ShmemBackend{
		size:         participantCount,
		slots:        make(map[triple]*memory.LocalMemorySlot),
		barriers:     make(map[hicr.Tag]*exchangeBarrier),
		locks:        make(map[triple]*lockState),
		pending:      make(map[hicr.Tag][]pendingTransfer),
		limiterStore: limiterStore,
		limiter:      tb,
		breaker:      breaker,
		log:          logging.New("comm.shmem"),
	}
}

func (b *ShmemBackend) Exchange(instance hicr.InstanceID, tag hicr.Tag, contributions []Contribution) ([]resolvedTriple, error) {
	b.mu.Lock()
	bar, ok := b.barriers[tag]
	if !ok {
		bar = &exchangeBarrier{
			need:         b.size,
			contributors: make(map[hicr.InstanceID]bool),
			all:          make(map[triple]*memory.LocalMemorySlot),
			done:         make(chan struct{}),
		}
		b.barriers[tag] = bar
	}
	b.mu.Unlock()

	bar.mu.Lock()
	if bar.contributors[instance] {
		bar.mu.Unlock()
		return nil, hicr.ErrInvalidArgument("instance already contributed to this exchange")
	}
	bar.contributors[instance] = true

	for _, c := range contributions {
		for existing := range bar.all {
			if existing.key == c.Key {
				bar.err = hicr.ErrDuplicateKey(uint64(tag), uint64(c.Key))
			}
		}
		bar.all[triple{tag: tag, key: c.Key, owner: instance}] = c.Local
	}

	complete := len(bar.contributors) == bar.need
	if complete {
		close(bar.done)
	}
	bar.mu.Unlock()

	<-bar.done

	if bar.err != nil {
		return nil, bar.err
	}

	// Materialize resolved triples concurrently; errgroup fans out the
	// per-triple bookkeeping and aggregates the first failure, matching
	// the "no participant observes a half-completed collective" policy.
	var eg errgroup.Group
	var mergeMu sync.Mutex
	var out []resolvedTriple

	for t, local := range bar.all {
		t, local := t, local
		eg.Go(func() error {
			b.mu.Lock()
			if _, exists := b.slots[t]; !exists {
				b.slots[t] = local
			}
			b.mu.Unlock()

			mergeMu.Lock()
			out = append(out, resolvedTriple{Owner: t.owner, Key: t.key, Size: sizeOf(local)})
			mergeMu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	delete(b.barriers, tag)
	b.mu.Unlock()

	return out, nil
}

func sizeOf(local *memory.LocalMemorySlot) uint64 {
	if local == nil {
		return 0
	}
	return local.Size()
}

func (b *ShmemBackend) Promote(instance hicr.InstanceID, tag hicr.Tag, key hicr.Key, local *memory.LocalMemorySlot) error {
	t := triple{tag: tag, key: key, owner: instance}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.slots[t]; exists {
		return hicr.ErrDuplicateKey(uint64(tag), uint64(key))
	}
	b.slots[t] = local
	return nil
}

func (b *ShmemBackend) DestroyPromoted(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) error {
	t := triple{tag: tag, key: key, owner: owner}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, t)
	b.locksMu.Lock()
	delete(b.locks, t)
	b.locksMu.Unlock()
	return nil
}

func (b *ShmemBackend) Resolve(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) (*memory.LocalMemorySlot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[triple{tag: tag, key: key, owner: owner}]
	return s, ok
}

func (b *ShmemBackend) Memcpy(dst Endpoint, dstOff uint64, src Endpoint, srcOff uint64, size uint64) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		if dstOff+size > dst.size() || srcOff+size > src.size() {
			return nil, hicr.ErrOutOfRange(dstOff, size, dst.size())
		}

		srcSlot := b.resolveEndpoint(src)
		dstSlot := b.resolveEndpoint(dst)
		if srcSlot == nil || dstSlot == nil {
			return nil, hicr.ErrBackendFailure("memcpy", hicr.ErrInvalidArgument("unresolvable endpoint"))
		}

		copy(dstSlot.Pointer()[dstOff:dstOff+size], srcSlot.Pointer()[srcOff:srcOff+size])

		// The byte copy is always synchronous, including local-to-local
		// (supplemented feature D.3), but the sent/received counters are
		// always settled by the covering Fence/FenceSlot, never applied
		// here — a caller that samples its fence baseline after Memcpy
		// has already returned must still see the increment pending.
		tag := endpointTag(dst, src)
		b.pendingMu.Lock()
		b.pending[tag] = append(b.pending[tag], pendingTransfer{src: srcSlot, dst: dstSlot})
		b.pendingMu.Unlock()
		return nil, nil
	})
	return unwrapBreaker(err, "memcpy")
}

func (b *ShmemBackend) resolveEndpoint(e Endpoint) *memory.LocalMemorySlot {
	if e.Local != nil {
		return e.Local
	}
	if e.Global.local != nil {
		return e.Global.local
	}
	s, _ := b.Resolve(e.Global.Tag, e.Global.Key, e.Global.OwnerInstanceID)
	return s
}

func endpointTag(dst, src Endpoint) hicr.Tag {
	if dst.Global != nil {
		return dst.Global.Tag
	}
	if src.Global != nil {
		return src.Global.Tag
	}
	return 0
}

func (b *ShmemBackend) Fence(tag hicr.Tag) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		b.pendingMu.Lock()
		batch := b.pending[tag]
		delete(b.pending, tag)
		b.pendingMu.Unlock()

		for _, t := range batch {
			t.src.IncrementSent(1)
			t.dst.IncrementReceived(1)
		}
		return nil, nil
	})
	return unwrapBreaker(err, "fence")
}

func (b *ShmemBackend) FenceSlot(slot *memory.LocalMemorySlot, expectedSent, expectedRecv uint64) error {
	// The slot's bytes are already correct (shared memory); this only
	// needs to ensure the counters catch up to at least the expected
	// deltas by draining any pending transfers that reference this slot
	// across every tag, regardless of which Fence(tag) would otherwise
	// have handled them.
	startSent, startRecv := slot.MessagesSent(), slot.MessagesReceived()
	for slot.MessagesSent() < startSent+expectedSent || slot.MessagesReceived() < startRecv+expectedRecv {
		b.drainPendingFor(slot)
		if slot.MessagesSent() < startSent+expectedSent || slot.MessagesReceived() < startRecv+expectedRecv {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func (b *ShmemBackend) drainPendingFor(slot *memory.LocalMemorySlot) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for tag, batch := range b.pending {
		kept := batch[:0]
		for _, t := range batch {
			if t.src == slot || t.dst == slot {
				t.src.IncrementSent(1)
				t.dst.IncrementReceived(1)
				continue
			}
			kept = append(kept, t)
		}
		b.pending[tag] = kept
	}
}

func (b *ShmemBackend) QueryUpdates(g *GlobalSlot) error {
	if g.local != nil {
		g.sent, g.received = g.local.MessagesSent(), g.local.MessagesReceived()
		return nil
	}
	slot, ok := b.Resolve(g.Tag, g.Key, g.OwnerInstanceID)
	if !ok {
		return hicr.ErrNotFound(uint64(g.Tag), uint64(g.Key))
	}
	g.sent, g.received = slot.MessagesSent(), slot.MessagesReceived()
	return nil
}

func (b *ShmemBackend) state(t triple) *lockState {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	s, ok := b.locks[t]
	if !ok {
		s = &lockState{}
		b.locks[t] = s
	}
	return s
}

func (b *ShmemBackend) TryAcquireLock(tag hicr.Tag, key hicr.Key, owner, holder hicr.InstanceID) (bool, error) {
	s := b.state(triple{tag, key, owner})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held && s.holder == holder {
		return false, hicr.ErrInvalidArgument("lock already held by this participant (re-entrant acquire is unsafe)")
	}
	if s.held {
		return false, nil
	}
	s.held, s.holder = true, holder
	return true, nil
}

func (b *ShmemBackend) AcquireLock(tag hicr.Tag, key hicr.Key, owner, holder hicr.InstanceID) error {
	limiterKey := lockLimiterKey(tag, key, owner)
	for {
		ok, err := b.TryAcquireLock(tag, key, owner, holder)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Pace retries instead of busy-spinning (§5 "releasing the lock
		// between retries"), using the shared rate limiter.
		for !b.limiter.Allow(limiterKey) {
			time.Sleep(time.Millisecond)
		}
	}
}

func (b *ShmemBackend) ReleaseLock(tag hicr.Tag, key hicr.Key, owner, holder hicr.InstanceID) error {
	s := b.state(triple{tag, key, owner})
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || s.holder != holder {
		return hicr.ErrInvalidArgument("release: lock not held by this participant")
	}
	s.held = false
	return nil
}

func lockLimiterKey(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) string {
	return strconv.FormatUint(uint64(tag), 10) + ":" +
		strconv.FormatUint(uint64(key), 10) + ":" +
		strconv.FormatUint(uint64(owner), 10)
}

func unwrapBreaker(err error, op string) error {
	if err == nil {
		return nil
	}
	if herr, ok := err.(*hicr.Error); ok {
		return herr
	}
	return hicr.ErrBackendFailure(op, err)
}
