package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/goswarm/internal/bitmap"
	"github.com/datallboy/goswarm/internal/checksum"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/storage"
	"github.com/datallboy/goswarm/internal/wire"
)

const opsBuffer = 256

var ErrHandleStopped = errors.New("session handle stopped")

// host is what a handle needs from the session that owns it.
type host interface {
	// peersFor returns the peers that announced hash, sorted by ID
	peersFor(hash string) []*PeerRecord
	announce(hash string, local bitmap.Bitmap)
	poke(hash string, p *PeerRecord, local bitmap.Bitmap)
	dial(hash string, p *PeerRecord)
}

// SessionHandle drives the exchange of one content item. Every field below
// ops is owned by the goroutine started with run; the outside world talks to
// it by posting closures.
type SessionHandle struct {
	manifest *domain.Manifest
	hash     string
	layout   *bitmap.Layout

	host    host
	storage storage.Storage
	catalog Catalog
	hooks   Hooks
	clock   Clock
	timeout time.Duration
	log     *logger.Logger

	ops      chan func()
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	ctx      context.Context

	local      bitmap.Bitmap
	pending    []*PendingRequest
	fetches    map[int]*segmentFetch
	scheduling bool
	rerun      bool
}

type handleDeps struct {
	host    host
	storage storage.Storage
	catalog Catalog
	hooks   Hooks
	clock   Clock
	timeout time.Duration
	log     *logger.Logger
}

func newHandle(m *domain.Manifest, local bitmap.Bitmap, deps handleDeps) *SessionHandle {
	return &SessionHandle{
		manifest: m,
		hash:     m.Hash,
		layout:   bitmap.NewLayout(m.ChunkCounts()),
		host:     deps.host,
		storage:  deps.storage,
		catalog:  deps.catalog,
		hooks:    deps.hooks,
		clock:    deps.clock,
		timeout:  deps.timeout,
		log:      deps.log,
		ops:      make(chan func(), opsBuffer),
		done:     make(chan struct{}),
		local:    local,
		fetches:  make(map[int]*segmentFetch),
	}
}

func (h *SessionHandle) Hash() string               { return h.hash }
func (h *SessionHandle) Manifest() *domain.Manifest { return h.manifest }

// start launches the actor. It stops when ctx ends or Stop is called.
func (h *SessionHandle) start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	go h.run()
}

func (h *SessionHandle) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown(h.ctx.Err())
			return
		case fn := <-h.ops:
			fn()
		}
	}
}

// Stop ends the actor and waits for it. Outstanding waiters receive
// ErrHandleStopped.
func (h *SessionHandle) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
			<-h.done
		}
	})
}

func (h *SessionHandle) shutdown(cause error) {
	for _, req := range h.pending {
		h.detach(req)
	}
	for _, f := range h.fetches {
		for _, cb := range f.waiters {
			cb(nil, fmt.Errorf("%w: %v", ErrHandleStopped, cause))
		}
	}
	h.pending = nil
	h.fetches = map[int]*segmentFetch{}
}

// post queues fn on the actor. It is dropped once the actor has exited.
func (h *SessionHandle) post(fn func()) {
	select {
	case h.ops <- fn:
	case <-h.done:
	}
}

// do runs fn on the actor and waits for it.
func (h *SessionHandle) do(fn func()) bool {
	ran := make(chan struct{})
	h.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-h.done:
		return false
	}
}

// RequestSegment asks for segment index. cb fires exactly once with the
// segment bytes or the error that ended the attempt.
func (h *SessionHandle) RequestSegment(index int, cb SegmentCallback) {
	h.post(func() { h.requestSegment(index, cb) })
}

// FetchSegment is the blocking form of RequestSegment.
func (h *SessionHandle) FetchSegment(ctx context.Context, index int) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	ch := make(chan result, 1)
	h.RequestSegment(index, func(data []byte, err error) {
		ch <- result{data, err}
	})

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHandleStopped
	}
}

func (h *SessionHandle) requestSegment(index int, cb SegmentCallback) {
	stream := h.manifest.Active()
	if index < 0 || index >= len(stream.Segments) {
		cb(nil, fmt.Errorf("%w: %d of %d", domain.ErrSegmentOutOfRange, index, len(stream.Segments)))
		return
	}

	if f, ok := h.fetches[index]; ok {
		f.waiters = append(f.waiters, cb)
		return
	}

	f := &segmentFetch{index: index, state: fetchLoading, waiters: []SegmentCallback{cb}}
	h.fetches[index] = f

	// Chunks we own are read back individually if the whole segment is not stored
	var owned []int
	for c := 0; c < h.layout.Chunks(index); c++ {
		if h.local.Get(h.layout.Bit(index, c)) {
			owned = append(owned, c)
		}
	}

	ctx := h.ctx
	go func() {
		data, err := h.loadSegment(ctx, index)
		if err == nil {
			h.post(func() { h.onStorageHit(f, data) })
			return
		}

		prefill := make(map[int][]byte, len(owned))
		for _, c := range owned {
			offset, length := stream.ChunkRange(index, c)
			chunk, err := h.storage.RetrieveSegment(ctx, h.hash, index, offset, length)
			if err != nil {
				continue
			}
			if ok, _ := checksum.Verify(h.manifest.Algorithm, chunk, stream.Segments[index].Checksums[c]); ok {
				prefill[c] = chunk
			}
		}
		h.post(func() { h.onStorageMiss(f, owned, prefill) })
	}()
}

// loadSegment reads a whole stored segment and verifies every chunk of it.
func (h *SessionHandle) loadSegment(ctx context.Context, index int) ([]byte, error) {
	stream := h.manifest.Active()
	seg := stream.Segments[index]

	data, err := h.storage.RetrieveSegment(ctx, h.hash, index, 0, seg.Length)
	if err != nil {
		return nil, err
	}

	for c, want := range seg.Checksums {
		offset, length := stream.ChunkRange(index, c)
		ok, err := checksum.Verify(h.manifest.Algorithm, data[offset:offset+length], want)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: stored chunk %d/%d", domain.ErrChecksumMismatch, index, c)
		}
	}
	return data, nil
}

func (h *SessionHandle) onStorageHit(f *segmentFetch, data []byte) {
	gained := false
	for c := 0; c < h.layout.Chunks(f.index); c++ {
		bit := h.layout.Bit(f.index, c)
		if !h.local.Get(bit) {
			h.local.Set(bit)
			gained = true
		}
	}
	if gained {
		h.host.announce(h.hash, h.local.Clone())
	}
	delete(h.fetches, f.index)
	for _, cb := range f.waiters {
		cb(data, nil)
	}
}

func (h *SessionHandle) onStorageMiss(f *segmentFetch, owned []int, prefill map[int][]byte) {
	stream := h.manifest.Active()
	seg := stream.Segments[f.index]

	f.state = fetchActive
	f.buf = make([]byte, seg.Length)

	for _, c := range owned {
		if _, ok := prefill[c]; !ok {
			// Lost from storage since the bitmap was seeded
			h.local.Clear(h.layout.Bit(f.index, c))
		}
	}

	for c := range seg.Checksums {
		offset, length := stream.ChunkRange(f.index, c)
		req := &PendingRequest{
			Hash:    h.hash,
			Segment: f.index,
			Chunk:   c,
			bit:     h.layout.Bit(f.index, c),
			fetch:   f,
			offset:  offset,
			length:  length,
		}
		f.requests = append(f.requests, req)

		if data, ok := prefill[c]; ok {
			copy(req.slice(), data)
			req.received = length
			req.done = true
			f.completed = append(f.completed, c)
			continue
		}
		h.pending = append(h.pending, req)
	}

	if len(f.completed) == len(f.requests) {
		h.finishSegment(f)
		return
	}

	h.schedule()
}

// schedule runs scheduling passes until no trigger arrived during the last one.
func (h *SessionHandle) schedule() {
	if h.scheduling {
		h.rerun = true
		return
	}

	h.scheduling = true
	for {
		h.rerun = false
		h.pass()
		if !h.rerun {
			break
		}
	}
	h.scheduling = false
}

func (h *SessionHandle) pass() {
	var peers []*PeerRecord

	for _, req := range h.pending {
		if req.done || req.peer != nil {
			continue
		}

		if peers == nil {
			peers = h.host.peersFor(h.hash)
			if len(peers) == 0 {
				return
			}
		}

		for _, p := range peers {
			if !p.Connected() || !p.IsEligibleFor(req) {
				continue
			}
			if !p.Assign(req) {
				continue
			}
			if h.send(req, p) {
				break
			}
		}
	}
}

// send issues the wire request for req to p, which already holds the slot.
func (h *SessionHandle) send(req *PendingRequest, p *PeerRecord) bool {
	b, err := wire.EncodePeer(wire.Request{Hash: h.hash, Segment: req.Segment, Chunk: req.Chunk})
	if err == nil {
		if t := p.Transport(); t != nil {
			err = t.Send(b)
		} else {
			err = errors.New("no transport")
		}
	}

	if err != nil {
		p.Release(req)
		h.log.Debug("Request %d/%d to %s failed: %v", req.Segment, req.Chunk, p.ID, err)
		return false
	}

	req.peer = p
	h.arm(req)
	return true
}

func (h *SessionHandle) arm(req *PendingRequest) {
	if req.timer != nil {
		req.timer.Stop()
	}
	req.gen++
	gen := req.gen
	req.timer = h.clock.AfterFunc(h.timeout, func() {
		h.post(func() { h.onTimeout(req, gen) })
	})
}

// detach frees req from its peer and forgets any partial bytes.
func (h *SessionHandle) detach(req *PendingRequest) {
	if req.peer != nil {
		req.peer.Release(req)
		req.peer = nil
	}
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	req.gen++
	req.received = 0
}

func (h *SessionHandle) onTimeout(req *PendingRequest, gen uint64) {
	if req.gen != gen || req.peer == nil || req.done {
		return
	}

	h.log.Debug("Request %s/%d/%d to %s timed out", h.hash, req.Segment, req.Chunk, req.peer.ID)
	h.detach(req)
	h.schedule()
}

// Deliver hands an inbound chunk fragment from p to the handle.
func (h *SessionHandle) Deliver(p *PeerRecord, msg *wire.Chunk) {
	h.post(func() { h.onChunk(p, msg) })
}

func (h *SessionHandle) onChunk(p *PeerRecord, msg *wire.Chunk) {
	var req *PendingRequest
	for _, r := range h.pending {
		if r.Segment == msg.Segment && r.Chunk == msg.Chunk && r.peer == p && !r.done {
			req = r
			break
		}
	}
	if req == nil {
		h.log.Debug("Dropping unsolicited fragment %d/%d from %s", msg.Segment, msg.Chunk, p.ID)
		return
	}

	end := int64(msg.Offset) + int64(len(msg.Data))
	if msg.Offset < 0 || end > req.length {
		h.log.Warn("Dropping fragment %d/%d from %s: range [%d,%d) exceeds chunk length %d",
			msg.Segment, msg.Chunk, p.ID, msg.Offset, end, req.length)
		return
	}

	if int64(msg.Offset) != req.received {
		h.log.Debug("Dropping fragment %d/%d from %s at offset %d, expected %d",
			msg.Segment, msg.Chunk, p.ID, msg.Offset, req.received)
		return
	}

	h.arm(req)
	copy(req.slice()[msg.Offset:], msg.Data)
	req.received += int64(len(msg.Data))

	if req.received < req.length {
		if h.hooks.OnProgress != nil {
			h.hooks.OnProgress(h.hash, req.Segment, req.Chunk, req.received, req.length)
		}
		return
	}

	h.complete(req)
}

func (h *SessionHandle) complete(req *PendingRequest) {
	f := req.fetch
	want := h.manifest.Active().Segments[req.Segment].Checksums[req.Chunk]

	ok, err := checksum.Verify(h.manifest.Algorithm, req.slice(), want)
	if err != nil || !ok {
		h.log.Warn("Checksum mismatch on %s/%d/%d from %s", h.hash, req.Segment, req.Chunk, req.peer.ID)
		h.detach(req)
		h.schedule()
		return
	}

	h.detach(req)
	req.received = req.length
	req.done = true
	h.local.Set(req.bit)

	if h.hooks.OnChunk != nil {
		h.hooks.OnChunk(h.hash, req.Segment, req.Chunk)
	}

	f.completed = append(f.completed, req.Chunk)
	if len(f.completed) == len(f.requests) {
		h.finishSegment(f)
	}

	// The released peer may serve another request
	h.schedule()
}

// finishSegment runs once per fetch: it drops the fetch's requests, persists
// the buffer off the actor and then notifies every waiter.
func (h *SessionHandle) finishSegment(f *segmentFetch) {
	if f.state == fetchPersisting {
		return
	}
	f.state = fetchPersisting

	live := h.pending[:0]
	for _, r := range h.pending {
		if r.fetch != f {
			live = append(live, r)
		}
	}
	h.pending = live

	ctx := h.ctx
	go func() {
		err := h.storage.StoreSegment(ctx, h.hash, f.index, 0, f.buf)
		h.post(func() { h.onPersisted(f, err) })
	}()
}

func (h *SessionHandle) onPersisted(f *segmentFetch, err error) {
	delete(h.fetches, f.index)

	if err != nil {
		h.log.Error("Failed to store segment %d of %s: %v", f.index, h.hash, err)
	}

	for _, cb := range f.waiters {
		if err != nil {
			cb(nil, err)
		} else {
			cb(f.buf, nil)
		}
	}

	if err != nil {
		return
	}

	h.log.Info("Segment %d of %s complete (%d bytes)", f.index, h.hash, len(f.buf))
	h.host.announce(h.hash, h.local.Clone())

	if h.catalog != nil {
		length := int64(len(f.buf))
		go func() {
			if err := h.catalog.MarkSegmentComplete(context.Background(), h.hash, f.index, length); err != nil {
				h.log.Warn("Failed to record segment %d of %s: %v", f.index, h.hash, err)
			}
		}()
	}
	if h.hooks.OnSegment != nil {
		h.hooks.OnSegment(h.hash, f.index, int64(len(f.buf)))
	}
}

// PeerLeft releases everything p was serving for this content.
func (h *SessionHandle) PeerLeft(p *PeerRecord) {
	h.post(func() {
		released := 0
		for _, req := range h.pending {
			if req.peer == p {
				h.detach(req)
				released++
			}
		}
		if released > 0 {
			h.log.Debug("Released %d request(s) held by departed peer %s", released, p.ID)
		}
		h.schedule()
	})
}

// PeerUpdated reacts to a new or changed bitmap from p.
func (h *SessionHandle) PeerUpdated(p *PeerRecord) {
	h.post(func() {
		theirs, ok := p.Bitmap(h.hash)
		if !ok {
			return
		}

		h.schedule()

		if p.Reachable() {
			return
		}
		// poke first, dial marks the peer reachable
		if bitmap.HasSomethingTheyLack(h.local, theirs) {
			h.host.poke(h.hash, p, h.local.Clone())
		}
		if bitmap.HasSomethingTheyLack(theirs, h.local) {
			h.host.dial(h.hash, p)
		}
	})
}

// Kick runs a scheduling pass, typically after a transport opened.
func (h *SessionHandle) Kick() {
	h.post(h.schedule)
}

// Bitmap returns a copy of the local ownership bitmap.
func (h *SessionHandle) Bitmap() (bitmap.Bitmap, error) {
	var bm bitmap.Bitmap
	if !h.do(func() { bm = h.local.Clone() }) {
		return bm, ErrHandleStopped
	}
	return bm, nil
}

type RequestStatus struct {
	Segment  int    `json:"segment"`
	Chunk    int    `json:"chunk"`
	Peer     string `json:"peer,omitempty"`
	Received int64  `json:"received"`
	Length   int64  `json:"length"`
}

type HandleStatus struct {
	Hash     string          `json:"hash"`
	Segments int             `json:"segments"`
	Chunks   int             `json:"chunks"`
	Have     int             `json:"have"`
	Bytes    int64           `json:"bytes"`
	Fetching []int           `json:"fetching"`
	Pending  []RequestStatus `json:"pending"`
}

// Status snapshots the handle for display.
func (h *SessionHandle) Status() (HandleStatus, error) {
	var st HandleStatus
	ok := h.do(func() {
		st = HandleStatus{
			Hash:     h.hash,
			Segments: h.layout.Segments(),
			Chunks:   h.layout.Len(),
			Have:     h.local.Count(),
			Bytes:    h.manifest.Active().TotalLength(),
			Fetching: make([]int, 0, len(h.fetches)),
			Pending:  make([]RequestStatus, 0, len(h.pending)),
		}
		for idx := range h.fetches {
			st.Fetching = append(st.Fetching, idx)
		}
		for _, r := range h.pending {
			rs := RequestStatus{Segment: r.Segment, Chunk: r.Chunk, Received: r.received, Length: r.length}
			if r.peer != nil {
				rs.Peer = r.peer.ID
			}
			st.Pending = append(st.Pending, rs)
		}
	})
	if !ok {
		return st, ErrHandleStopped
	}
	sort.Ints(st.Fetching)
	return st, nil
}

// SeedBitmap probes storage for every chunk of the active stream and sets the
// bits whose stored bytes still verify.
func SeedBitmap(ctx context.Context, store storage.Storage, m *domain.Manifest) (bitmap.Bitmap, error) {
	layout := bitmap.NewLayout(m.ChunkCounts())
	bm := bitmap.New(layout.Len())
	stream := m.Active()

	for s, seg := range stream.Segments {
		data, err := store.RetrieveSegment(ctx, m.Hash, s, 0, seg.Length)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return bm, fmt.Errorf("probe segment %d: %w", s, err)
		}

		for c, want := range seg.Checksums {
			offset, length := stream.ChunkRange(s, c)
			if ok, _ := checksum.Verify(m.Algorithm, data[offset:offset+length], want); ok {
				bm.Set(layout.Bit(s, c))
			}
		}
	}
	return bm, nil
}
