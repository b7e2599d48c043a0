package swarm

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/goswarm/internal/bitmap"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/storage"
	"github.com/datallboy/goswarm/internal/wire"
)

const testChunkSize = 4

// testManifest builds a one-stream manifest whose segments are cut into
// 4 byte chunks.
func testManifest(t *testing.T, trackers []string, segments ...string) *domain.Manifest {
	t.Helper()

	stream := domain.Stream{ChunkSize: testChunkSize, Init: []byte("init")}
	for i, seg := range segments {
		ms := domain.MediaSegment{Timecode: int64(i) * 2000, Length: int64(len(seg))}
		for off := 0; off < len(seg); off += testChunkSize {
			end := min(off+testChunkSize, len(seg))
			sum := sha256.Sum256([]byte(seg[off:end]))
			ms.Checksums = append(ms.Checksums, sum[:])
		}
		stream.Segments = append(stream.Segments, ms)
	}

	m := &domain.Manifest{Algorithm: "sha256", Streams: []domain.Stream{stream}, Trackers: trackers}
	m.Hash = domain.ContentHash(m.Algorithm, m.Streams)
	require.NoError(t, m.Validate())
	return m
}

type fakeTransport struct {
	mu       sync.Mutex
	state    TransportState
	sent     [][]byte
	buffered uint64
	sendErr  error
	closed   bool
}

func connectedTransport() *fakeTransport {
	return &fakeTransport{state: StateConnected}
}

func (t *fakeTransport) Send(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), b...))
	return nil
}

func (t *fakeTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *fakeTransport) BufferedAmount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffered
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.state = StateClosed
	return nil
}

func (t *fakeTransport) messages() []wire.PeerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []wire.PeerMessage
	for _, b := range t.sent {
		m, err := wire.DecodePeer(b)
		if err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) requests() []wire.Request {
	var out []wire.Request
	for _, m := range t.messages() {
		if r, ok := m.(*wire.Request); ok {
			out = append(out, *r)
		}
	}
	return out
}

type fakeTimer struct {
	c       *fakeClock
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every timer that is neither stopped nor already fired.
func (c *fakeClock) fireAll() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

type fakeHost struct {
	mu        sync.Mutex
	peers     []*PeerRecord
	announced int
	pokes     []string
	dials     []string
}

func (h *fakeHost) addPeer(p *PeerRecord) {
	h.mu.Lock()
	h.peers = append(h.peers, p)
	h.mu.Unlock()
}

func (h *fakeHost) peersFor(hash string) []*PeerRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*PeerRecord
	for _, p := range h.peers {
		if _, ok := p.Bitmap(hash); ok {
			out = append(out, p)
		}
	}
	return out
}

func (h *fakeHost) announce(string, bitmap.Bitmap) {
	h.mu.Lock()
	h.announced++
	h.mu.Unlock()
}

func (h *fakeHost) poke(_ string, p *PeerRecord, _ bitmap.Bitmap) {
	h.mu.Lock()
	h.pokes = append(h.pokes, p.ID)
	h.mu.Unlock()
}

func (h *fakeHost) dial(_ string, p *PeerRecord) {
	h.mu.Lock()
	h.dials = append(h.dials, p.ID)
	h.mu.Unlock()
}

func (h *fakeHost) announceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.announced
}

// countingStorage records StoreSegment calls on top of an in-memory backend.
type countingStorage struct {
	storage.Storage

	mu     sync.Mutex
	stored [][]byte
	fail   error
}

func newCountingStorage(t *testing.T) *countingStorage {
	t.Helper()
	fs, err := storage.NewFileStorage(afero.NewMemMapFs(), "/")
	require.NoError(t, err)
	return &countingStorage{Storage: fs}
}

func (s *countingStorage) StoreSegment(ctx context.Context, hash string, segment int, offset int64, data []byte) error {
	s.mu.Lock()
	s.stored = append(s.stored, append([]byte(nil), data...))
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Storage.StoreSegment(ctx, hash, segment, offset, data)
}

func (s *countingStorage) storeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

var errDiskFull = errors.New("disk full")

type handleFixture struct {
	h       *SessionHandle
	m       *domain.Manifest
	host    *fakeHost
	clock   *fakeClock
	storage *countingStorage
}

func newHandleFixture(t *testing.T, segments ...string) *handleFixture {
	t.Helper()

	m := testManifest(t, []string{"ws://tracker"}, segments...)
	f := &handleFixture{
		m:       m,
		host:    &fakeHost{},
		clock:   &fakeClock{},
		storage: newCountingStorage(t),
	}
	f.h = newHandle(m, bitmap.New(bitmap.NewLayout(m.ChunkCounts()).Len()), handleDeps{
		host:    f.host,
		storage: f.storage,
		clock:   f.clock,
		timeout: time.Second,
		log:     logger.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.h.start(ctx)
	t.Cleanup(func() {
		cancel()
		f.h.Stop()
	})
	return f
}

// seeder returns a connected peer advertising every chunk of the fixture.
func (f *handleFixture) seeder(id string) (*PeerRecord, *fakeTransport) {
	p := newPeerRecord(id, "ws://tracker")
	full := bitmap.New(f.h.layout.Len())
	for i := 0; i < full.Len(); i++ {
		full.Set(i)
	}
	p.SetBitmap(f.m.Hash, full)
	tr := connectedTransport()
	p.SetTransport(tr)
	f.host.addPeer(p)
	return p, tr
}

// sync waits for everything already posted to the handle to run.
func (f *handleFixture) sync() {
	f.h.do(func() {})
}

func (f *handleFixture) fragment(p *PeerRecord, segment, chunk, offset int, data string) {
	f.h.Deliver(p, &wire.Chunk{Hash: f.m.Hash, Segment: segment, Chunk: chunk, Offset: offset, Data: []byte(data)})
	f.sync()
}

func (f *handleFixture) bit(segment, chunk int) bool {
	var set bool
	f.h.do(func() { set = f.h.local.Get(f.h.layout.Bit(segment, chunk)) })
	return set
}

func (f *handleFixture) pendingFor(segment, chunk int) *PendingRequest {
	var out *PendingRequest
	f.h.do(func() {
		for _, r := range f.h.pending {
			if r.Segment == segment && r.Chunk == chunk {
				out = r
			}
		}
	})
	return out
}

type callbackRecorder struct {
	mu    sync.Mutex
	calls int
	data  []byte
	err   error
}

func (r *callbackRecorder) cb(data []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.data = data
	r.err = err
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// assignee returns the ID of the peer serving (segment, chunk), "" when unassigned.
func (f *handleFixture) assignee(segment, chunk int) string {
	var id string
	f.h.do(func() {
		for _, r := range f.h.pending {
			if r.Segment == segment && r.Chunk == chunk && r.peer != nil {
				id = r.peer.ID
			}
		}
	})
	return id
}

func (f *handleFixture) received(segment, chunk int) int64 {
	var n int64
	f.h.do(func() {
		for _, r := range f.h.pending {
			if r.Segment == segment && r.Chunk == chunk {
				n = r.received
			}
		}
	})
	return n
}

func wantRequest(m *domain.Manifest, segment, chunk int) wire.Request {
	return wire.Request{Hash: m.Hash, Segment: segment, Chunk: chunk}
}
