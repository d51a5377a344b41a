package comm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/hicr-project/hicr/internal/logging"
	"github.com/hicr-project/hicr/pkg/hicr"
	"github.com/hicr-project/hicr/pkg/memory"
)

// NetBackend emulates one-sided RMA over a WebSocket control+data channel
// between OS processes, standing in for a real RDMA/MPI-RMA backend
// (§6 "Backend identification") without requiring real RDMA hardware.
// Grounded on kernel/core/mesh/transport/transport_native.go's
// WebSocketConnection: a single full-duplex connection per peer, a
// receive loop dispatching to a handler, framed JSON messages.
type NetBackend struct {
	instance hicr.InstanceID
	mgr      *memory.Manager
	log      *logging.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	peers map[hicr.InstanceID]*peerConn
	// owned holds slots this instance has made network-visible, served
	// to peers on resolve/read/write requests.
	owned map[triple]*memory.LocalMemorySlot

	pendingMu sync.Mutex
	pending   map[string]chan netFrame

	exMu    sync.Mutex
	exState map[hicr.Tag]*netExchange

	lockMu sync.Mutex
	locks  map[triple]*lockState

	pendingXferMu sync.Mutex
	pendingXfer   map[hicr.Tag][]pendingTransfer

	limiterStore store.Store
	limiter      *limiter.TokenBucket
}

type peerConn struct {
	id   hicr.InstanceID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) writeJSON(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// netFrame is the wire envelope for every request/response exchanged
// between two NetBackend instances.
type netFrame struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	From    hicr.InstanceID `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

type netExchange struct {
	need         int
	contributors map[hicr.InstanceID][]Contribution
	done         chan struct{}
	result       []resolvedTriple
	err          error
	coordinator  hicr.InstanceID
}

// NewNetBackend constructs a backend bound to listenAddr, serving
// resolve/exchange/lock/fence requests from peers reached via Dial.
func NewNetBackend(instance hicr.InstanceID, mgr *memory.Manager, listenAddr string) *NetBackend {
	limiterStore := store.NewMemoryStore(time.Minute)
	tb, _ := limiter.NewTokenBucket(limiter.Config{Rate: 50, Duration: time.Second, Burst: 10}, limiterStore)

	b := &NetBackend{
		instance:     instance,
		mgr:          mgr,
		log:          logging.New("comm.net"),
		upgrader:     websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 16},
		peers:        make(map[hicr.InstanceID]*peerConn),
		owned:        make(map[triple]*memory.LocalMemorySlot),
		pending:      make(map[string]chan netFrame),
		exState:      make(map[hicr.Tag]*netExchange),
		locks:        make(map[triple]*lockState),
		pendingXfer:  make(map[hicr.Tag][]pendingTransfer),
		limiterStore: limiterStore,
		limiter:      tb,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/hicr", b.handleIncoming)
	b.server = &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.log.Error("net backend listener exited", logging.Err(err))
		}
	}()
	return b
}

// Dial connects to a peer's /hicr endpoint and registers it under id for
// subsequent Exchange/Memcpy/lock traffic.
func (b *NetBackend) Dial(id hicr.InstanceID, wsURL string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return hicr.ErrBackendFailure("dial", err)
	}
	pc := &peerConn{id: id, conn: conn}
	b.mu.Lock()
	b.peers[id] = pc
	b.mu.Unlock()
	go b.receiveLoop(pc)
	return nil
}

func (b *NetBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.peers {
		p.conn.Close()
	}
	return b.server.Close()
}

func (b *NetBackend) handleIncoming(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("upgrade failed", logging.Err(err))
		return
	}
	pc := &peerConn{conn: conn}
	go b.receiveLoop(pc)
}

func (b *NetBackend) receiveLoop(pc *peerConn) {
	defer pc.conn.Close()
	for {
		var f netFrame
		if err := pc.conn.ReadJSON(&f); err != nil {
			return
		}
		if pc.id == 0 && f.From != 0 {
			pc.id = f.From
			b.mu.Lock()
			b.peers[f.From] = pc
			b.mu.Unlock()
		}
		if isResponseOp(f.Op) {
			b.pendingMu.Lock()
			ch, ok := b.pending[f.ID]
			b.pendingMu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		go b.handleRequest(pc, f)
	}
}

func isResponseOp(op string) bool {
	return len(op) > 4 && op[len(op)-4:] == "Resp"
}

func (b *NetBackend) call(pc *peerConn, op string, payload interface{}, timeout time.Duration) (netFrame, error) {
	id := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return netFrame{}, err
	}
	ch := make(chan netFrame, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := pc.writeJSON(netFrame{ID: id, Op: op, From: b.instance, Payload: body}); err != nil {
		return netFrame{}, hicr.ErrBackendFailure(op, err)
	}

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return resp, hicr.ErrBackendFailure(op, fmt.Errorf("%s", resp.Err))
		}
		return resp, nil
	case <-time.After(timeout):
		return netFrame{}, hicr.ErrBackendFailure(op, fmt.Errorf("timed out waiting for %s", op))
	}
}

func (b *NetBackend) peerFor(owner hicr.InstanceID) (*peerConn, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pc, ok := b.peers[owner]
	return pc, ok
}

// --- Backend interface -----------------------------------------------

type exchangePayload struct {
	Tag           hicr.Tag       `json:"tag"`
	Contributions []wireContrib  `json:"contributions"`
}

type wireContrib struct {
	Key  hicr.Key `json:"key"`
	Size uint64   `json:"size"`
}

func (b *NetBackend) Exchange(instance hicr.InstanceID, tag hicr.Tag, contributions []Contribution) ([]resolvedTriple, error) {
	// The coordinator is elected as the lowest known InstanceID (self or
	// any dialed peer); every participant ships its contribution there
	// and blocks for the merged broadcast.
	coordinator := b.instance
	b.mu.RLock()
	for id := range b.peers {
		if id < coordinator {
			coordinator = id
		}
	}
	b.mu.RUnlock()

	wire := make([]wireContrib, len(contributions))
	for i, c := range contributions {
		wire[i] = wireContrib{Key: c.Key, Size: c.Local.Size()}
		t := triple{tag: tag, key: c.Key, owner: b.instance}
		b.mu.Lock()
		b.owned[t] = c.Local
		b.mu.Unlock()
	}

	if coordinator == b.instance {
		return b.coordinateExchange(tag, b.instance, wire)
	}

	pc, ok := b.peerFor(coordinator)
	if !ok {
		return nil, hicr.ErrBackendFailure("exchange", fmt.Errorf("no connection to coordinator %d", coordinator))
	}
	resp, err := b.call(pc, "exchange", exchangePayload{Tag: tag, Contributions: wire}, 30*time.Second)
	if err != nil {
		return nil, err
	}
	var out []resolvedTriple
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, hicr.ErrBackendFailure("exchange", err)
	}
	return out, nil
}

// coordinateExchange runs when this instance is the elected coordinator.
// It records this instance's own contribution and blocks until every
// participant (each dialed peer plus this instance) has contributed;
// peer contributions arrive through handleRequest's "exchange" case,
// which shares the same netExchange bookkeeping. With no dialed peers
// the collective completes immediately.
func (b *NetBackend) coordinateExchange(tag hicr.Tag, from hicr.InstanceID, wire []wireContrib) ([]resolvedTriple, error) {
	b.exMu.Lock()
	ex, ok := b.exState[tag]
	if !ok {
		need := len(b.peers) + 1
		ex = &netExchange{need: need, contributors: make(map[hicr.InstanceID][]Contribution), done: make(chan struct{}), coordinator: b.instance}
		b.exState[tag] = ex
	}
	b.exMu.Unlock()

	contribs := make([]Contribution, len(wire))
	for i, w := range wire {
		contribs[i] = Contribution{Key: w.Key}
	}

	ex.done = b.recordContribution(ex, tag, from, contribs, wire)
	<-ex.done
	if ex.err != nil {
		return nil, ex.err
	}
	return ex.result, nil
}

func (b *NetBackend) recordContribution(ex *netExchange, tag hicr.Tag, from hicr.InstanceID, contribs []Contribution, wire []wireContrib) chan struct{} {
	seen := make(map[hicr.Key]bool)
	for owner, cs := range ex.contributors {
		if owner == from {
			continue
		}
		for _, c := range cs {
			seen[c.Key] = true
		}
	}
	ex.contributors[from] = contribs
	for _, w := range wire {
		if seen[w.Key] {
			ex.err = hicr.ErrDuplicateKey(uint64(tag), uint64(w.Key))
		}
		seen[w.Key] = true
	}

	if len(ex.contributors) == ex.need {
		var out []resolvedTriple
		for owner, cs := range ex.contributors {
			for _, c := range cs {
				var size uint64
				if owner == b.instance {
					b.mu.RLock()
					if local, ok := b.owned[triple{tag, c.Key, owner}]; ok {
						size = local.Size()
					}
					b.mu.RUnlock()
				}
				out = append(out, resolvedTriple{Owner: owner, Key: c.Key, Size: size})
			}
		}
		ex.result = out
		close(ex.done)
		b.exMu.Lock()
		delete(b.exState, tag)
		b.exMu.Unlock()
	}
	return ex.done
}

func (b *NetBackend) Promote(instance hicr.InstanceID, tag hicr.Tag, key hicr.Key, local *memory.LocalMemorySlot) error {
	t := triple{tag: tag, key: key, owner: instance}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.owned[t]; exists {
		return hicr.ErrDuplicateKey(uint64(tag), uint64(key))
	}
	b.owned[t] = local
	return nil
}

func (b *NetBackend) DestroyPromoted(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) error {
	t := triple{tag: tag, key: key, owner: owner}
	b.mu.Lock()
	delete(b.owned, t)
	b.mu.Unlock()
	b.lockMu.Lock()
	delete(b.locks, t)
	b.lockMu.Unlock()
	return nil
}

func (b *NetBackend) Resolve(tag hicr.Tag, key hicr.Key, owner hicr.InstanceID) (*memory.LocalMemorySlot, bool) {
	t := triple{tag: tag, key: key, owner: owner}
	if owner == b.instance {
		b.mu.RLock()
		s, ok := b.owned[t]
		b.mu.RUnlock()
		return s, ok
	}

	pc, ok := b.peerFor(owner)
	if !ok {
		return nil, false
	}
	resp, err := b.call(pc, "read", readPayload{Tag: tag, Key: key}, 10*time.Second)
	if err != nil {
		return nil, false
	}
	var rr readResult
	if err := json.Unmarshal(resp.Payload, &rr); err != nil {
		return nil, false
	}
	space := hicr.NewMemorySpace(hicr.MemorySpaceHost, uint64(len(rr.Data)))
	local, err := b.mgr.RegisterLocalMemorySlot(space, rr.Data, uint64(len(rr.Data)))
	if err != nil {
		return nil, false
	}
	return local, true
}

type readPayload struct {
	Tag hicr.Tag `json:"tag"`
	Key hicr.Key `json:"key"`
}

type readResult struct {
	Data []byte `json:"data"`
}

func (b *NetBackend) Memcpy(dst Endpoint, dstOff uint64, src Endpoint, srcOff uint64, size uint64) error {
	if dstOff+size > dst.size() || srcOff+size > src.size() {
		return hicr.ErrOutOfRange(dstOff, size, dst.size())
	}

	srcSlot, ok := b.resolveEndpointRemote(src)
	if !ok {
		return hicr.ErrBackendFailure("memcpy", fmt.Errorf("unresolvable source endpoint"))
	}
	payload := srcSlot.Pointer()[srcOff : srcOff+size]

	if dst.Local != nil || (dst.Global != nil && dst.Global.IsOwner()) {
		dstSlot := b.resolveEndpointLocalOnly(dst)
		copy(dstSlot.Pointer()[dstOff:dstOff+size], payload)
		b.queuePendingCounters(dst, src, srcSlot, dstSlot)
		return nil
	}

	// Remote destination: ship the bytes over the wire.
	owner := dst.Global.OwnerInstanceID
	pc, ok := b.peerFor(owner)
	if !ok {
		return hicr.ErrBackendFailure("memcpy", fmt.Errorf("no connection to owner %d", owner))
	}
	_, err := b.call(pc, "write", writePayload{Tag: dst.Global.Tag, Key: dst.Global.Key, Offset: dstOff, Data: payload}, 10*time.Second)
	return err
}

// queuePendingCounters always defers the counter update to the covering
// Fence/FenceSlot, including for a local-to-local copy: the byte copy
// above already applied synchronously, but a caller that samples its
// fence baseline right after Memcpy returns must still see this
// transfer as pending, not already counted.
func (b *NetBackend) queuePendingCounters(dst, src Endpoint, srcSlot, dstSlot *memory.LocalMemorySlot) {
	tag := endpointTag(dst, src)
	b.pendingXferMu.Lock()
	b.pendingXfer[tag] = append(b.pendingXfer[tag], pendingTransfer{src: srcSlot, dst: dstSlot})
	b.pendingXferMu.Unlock()
}

func (b *NetBackend) resolveEndpointRemote(e Endpoint) (*memory.LocalMemorySlot, bool) {
	if e.Local != nil {
		return e.Local, true
	}
	return b.Resolve(e.Global.Tag, e.Global.Key, e.Global.OwnerInstanceID)
}

func (b *NetBackend) resolveEndpointLocalOnly(e Endpoint) *memory.LocalMemorySlot {
	if e.Local != nil {
		return e.Local
	}
	if e.Global.local != nil {
		return e.Global.local
	}
	s, _ := b.Resolve(e.Global.Tag, e.Global.Key, e.Global.OwnerInstanceID)
	return s
}

type writePayload struct {
	Tag    hicr.Tag `json:"tag"`
	Key    hicr.Key `json:"key"`
	Offset uint64   `json:"offset"`
	Data   []byte   `json:"data"`
}

func (b *NetBackend) Fence(tag hicr.Tag) error {
	b.pendingXferMu.Lock()
	batch := b.pendingXfer[tag]
	delete(b.pendingXfer, tag)
	b.pendingXferMu.Unlock()
	for _, t := range batch {
		t.src.IncrementSent(1)
		t.dst.IncrementReceived(1)
	}

	b.mu.RLock()
	peers := make([]*peerConn, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()
	for _, p := range peers {
		if _, err := b.call(p, "fence", fencePayload{Tag: tag}, 10*time.Second); err != nil {
			return err
		}
	}
	return nil
}

type fencePayload struct {
	Tag hicr.Tag `json:"tag"`
}

func (b *NetBackend) FenceSlot(slot *memory.LocalMemorySlot, expectedSent, expectedRecv uint64) error {
	startSent, startRecv := slot.MessagesSent(), slot.MessagesReceived()
	for slot.MessagesSent() < startSent+expectedSent || slot.MessagesReceived() < startRecv+expectedRecv {
		b.drainPendingXferFor(slot)
		if slot.MessagesSent() < startSent+expectedSent || slot.MessagesReceived() < startRecv+expectedRecv {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func (b *NetBackend) drainPendingXferFor(slot *memory.LocalMemorySlot) {
	b.pendingXferMu.Lock()
	defer b.pendingXferMu.Unlock()
	for tag, batch := range b.pendingXfer {
		kept := batch[:0]
		for _, t := range batch {
			if t.src == slot || t.dst == slot {
				t.src.IncrementSent(1)
				t.dst.IncrementReceived(1)
				continue
			}
			kept = append(kept, t)
		}
		b.pendingXfer[tag] = kept
	}
}

func (b *NetBackend) QueryUpdates(g *GlobalSlot) error {
	if g.local != nil {
		g.sent, g.received = g.local.MessagesSent(), g.local.MessagesReceived()
		return nil
	}
	pc, ok := b.peerFor(g.OwnerInstanceID)
	if !ok {
		return hicr.ErrNotFound(uint64(g.Tag), uint64(g.Key))
	}
	resp, err := b.call(pc, "queryUpdates", readPayload{Tag: g.Tag, Key: g.Key}, 10*time.Second)
	if err != nil {
		return err
	}
	var counters struct{ Sent, Received uint64 }
	if err := json.Unmarshal(resp.Payload, &counters); err != nil {
		return hicr.ErrBackendFailure("queryUpdates", err)
	}
	g.sent, g.received = counters.Sent, counters.Received
	return nil
}

func (b *NetBackend) lockState(t triple) *lockState {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	s, ok := b.locks[t]
	if !ok {
		s = &lockState{}
		b.locks[t] = s
	}
	return s
}

type lockPayload struct {
	Tag    hicr.Tag        `json:"tag"`
	Key    hicr.Key        `json:"key"`
	Owner  hicr.InstanceID `json:"owner"`
	Holder hicr.InstanceID `json:"holder"`
}

func (b *NetBackend) TryAcquireLock(tag hicr.Tag, key hicr.Key, owner, holder hicr.InstanceID) (bool, error) {
	if owner == b.instance {
		s := b.lockState(triple{tag, key, owner})
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.held {
			return false, nil
		}
		s.held, s.holder = true, holder
		return true, nil
	}
	pc, ok := b.peerFor(owner)
	if !ok {
		return false, hicr.ErrBackendFailure("tryAcquireLock", fmt.Errorf("no connection to owner %d", owner))
	}
	resp, err := b.call(pc, "tryAcquireLock", lockPayload{Tag: tag, Key: key, Owner: owner, Holder: holder}, 10*time.Second)
	if err != nil {
		return false, err
	}
	var r struct{ Ok bool }
	json.Unmarshal(resp.Payload, &r)
	return r.Ok, nil
}

func (b *NetBackend) AcquireLock(tag hicr.Tag, key hicr.Key, owner, holder hicr.InstanceID) error {
	limiterKey := lockLimiterKey(tag, key, owner)
	for {
		ok, err := b.TryAcquireLock(tag, key, owner, holder)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		for !b.limiter.Allow(limiterKey) {
			time.Sleep(time.Millisecond)
		}
	}
}

func (b *NetBackend) ReleaseLock(tag hicr.Tag, key hicr.Key, owner, holder hicr.InstanceID) error {
	if owner == b.instance {
		s := b.lockState(triple{tag, key, owner})
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.held || s.holder != holder {
			return hicr.ErrInvalidArgument("release: lock not held by this participant")
		}
		s.held = false
		return nil
	}
	pc, ok := b.peerFor(owner)
	if !ok {
		return hicr.ErrBackendFailure("releaseLock", fmt.Errorf("no connection to owner %d", owner))
	}
	_, err := b.call(pc, "releaseLock", lockPayload{Tag: tag, Key: key, Owner: owner, Holder: holder}, 10*time.Second)
	return err
}

// handleRequest serves a request a peer sent us, writing the matching
// "<op>Resp" frame back over the same connection.
func (b *NetBackend) handleRequest(pc *peerConn, f netFrame) {
	reply := func(payload interface{}, err error) {
		resp := netFrame{ID: f.ID, Op: f.Op + "Resp", From: b.instance}
		if err != nil {
			resp.Err = err.Error()
		} else {
			body, _ := json.Marshal(payload)
			resp.Payload = body
		}
		pc.writeJSON(resp)
	}

	switch f.Op {
	case "read":
		var p readPayload
		json.Unmarshal(f.Payload, &p)
		b.mu.RLock()
		slot, ok := b.owned[triple{p.Tag, p.Key, b.instance}]
		b.mu.RUnlock()
		if !ok {
			reply(nil, hicr.ErrNotFound(uint64(p.Tag), uint64(p.Key)))
			return
		}
		reply(readResult{Data: append([]byte(nil), slot.Pointer()...)}, nil)

	case "write":
		var p writePayload
		json.Unmarshal(f.Payload, &p)
		b.mu.RLock()
		slot, ok := b.owned[triple{p.Tag, p.Key, b.instance}]
		b.mu.RUnlock()
		if !ok {
			reply(nil, hicr.ErrNotFound(uint64(p.Tag), uint64(p.Key)))
			return
		}
		copy(slot.Pointer()[p.Offset:p.Offset+uint64(len(p.Data))], p.Data)
		slot.IncrementReceived(1)
		reply(struct{}{}, nil)

	case "fence":
		var p fencePayload
		json.Unmarshal(f.Payload, &p)
		reply(struct{}{}, nil)

	case "queryUpdates":
		var p readPayload
		json.Unmarshal(f.Payload, &p)
		b.mu.RLock()
		slot, ok := b.owned[triple{p.Tag, p.Key, b.instance}]
		b.mu.RUnlock()
		if !ok {
			reply(nil, hicr.ErrNotFound(uint64(p.Tag), uint64(p.Key)))
			return
		}
		reply(struct{ Sent, Received uint64 }{slot.MessagesSent(), slot.MessagesReceived()}, nil)

	case "tryAcquireLock":
		var p lockPayload
		json.Unmarshal(f.Payload, &p)
		ok, err := b.TryAcquireLock(p.Tag, p.Key, p.Owner, p.Holder)
		reply(struct{ Ok bool }{ok}, err)

	case "releaseLock":
		var p lockPayload
		json.Unmarshal(f.Payload, &p)
		reply(struct{}{}, b.ReleaseLock(p.Tag, p.Key, p.Owner, p.Holder))

	case "exchange":
		var p exchangePayload
		json.Unmarshal(f.Payload, &p)
		contribs := make([]Contribution, len(p.Contributions))
		for i, w := range p.Contributions {
			contribs[i] = Contribution{Key: w.Key}
		}
		b.exMu.Lock()
		ex, ok := b.exState[p.Tag]
		if !ok {
			need := len(b.peers) + 1
			ex = &netExchange{need: need, contributors: make(map[hicr.InstanceID][]Contribution), done: make(chan struct{}), coordinator: b.instance}
			b.exState[p.Tag] = ex
		}
		b.exMu.Unlock()
		done := b.recordContribution(ex, p.Tag, f.From, contribs, p.Contributions)
		go func() {
			<-done
			if ex.err != nil {
				reply(nil, ex.err)
				return
			}
			reply(ex.result, nil)
		}()

	default:
		reply(nil, hicr.ErrUnsupported(f.Op))
	}
}
