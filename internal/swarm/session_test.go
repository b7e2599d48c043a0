package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/goswarm/internal/bitmap"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/wire"
)

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) SaveManifest(ctx context.Context, man *domain.Manifest) error {
	return m.Called(ctx, man).Error(0)
}

func (m *mockCatalog) DeleteManifest(ctx context.Context, hash string) error {
	return m.Called(ctx, hash).Error(0)
}

func (m *mockCatalog) MarkSegmentComplete(ctx context.Context, hash string, segment int, length int64) error {
	return m.Called(ctx, hash, segment, length).Error(0)
}

type fakeTracker struct {
	url       string
	onMessage func(wire.TrackerMessage)
	onClose   func(error)

	mu     sync.Mutex
	sent   []wire.TrackerMessage
	closed bool
}

func (t *fakeTracker) Send(msg wire.TrackerMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTracker) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// drop simulates the server going away.
func (t *fakeTracker) drop() {
	t.Close()
	t.onClose(errors.New("connection reset"))
}

func (t *fakeTracker) messages() []wire.TrackerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.TrackerMessage(nil), t.sent...)
}

func (t *fakeTracker) count(kind wire.TrackerType) int {
	n := 0
	for _, m := range t.messages() {
		if m.TrackerType() == kind {
			n++
		}
	}
	return n
}

type fakeTrackers struct {
	mu    sync.Mutex
	conns []*fakeTracker
}

func (f *fakeTrackers) dial(_ context.Context, url string, onMessage func(wire.TrackerMessage), onClose func(error)) (Tracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTracker{url: url, onMessage: onMessage, onClose: onClose}
	f.conns = append(f.conns, t)
	return t, nil
}

func (f *fakeTrackers) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTrackers) last() *fakeTracker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type fakeConnector struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
}

func (c *fakeConnector) Dial(peerID string, _ TransportEvents) (Transport, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := &fakeTransport{state: StateConnecting}
	c.transports[peerID] = tr
	return tr, []byte("offer:" + peerID), nil
}

func (c *fakeConnector) Signal(peerID string, payload []byte, _ TransportEvents) (Transport, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasPrefix(string(payload), "offer:") {
		tr := connectedTransport()
		c.transports[peerID] = tr
		return tr, []byte("answer"), nil
	}
	if tr, ok := c.transports[peerID]; ok {
		tr.setState(StateConnected)
	}
	return nil, nil, nil
}

func (c *fakeConnector) transport(peerID string) *fakeTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transports[peerID]
}

type sessionFixture struct {
	s         *Session
	trackers  *fakeTrackers
	connector *fakeConnector
	clock     *fakeClock
	catalog   *mockCatalog
	storage   *countingStorage
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		trackers:  &fakeTrackers{},
		connector: &fakeConnector{transports: make(map[string]*fakeTransport)},
		clock:     &fakeClock{},
		catalog:   &mockCatalog{},
		storage:   newCountingStorage(t),
	}
	f.catalog.On("SaveManifest", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.catalog.On("DeleteManifest", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.catalog.On("MarkSegmentComplete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f.s = NewSession(context.Background(), Options{PeerID: "local", FragmentSize: 3}, Deps{
		Storage:   f.storage,
		Catalog:   f.catalog,
		Trackers:  f.trackers.dial,
		Connector: f.connector,
		Clock:     f.clock,
		Logger:    logger.Nop(),
	})
	t.Cleanup(f.s.Close)
	return f
}

func (f *sessionFixture) add(t *testing.T, m *domain.Manifest) *SessionHandle {
	t.Helper()
	h, err := f.s.AddManifest(context.Background(), m)
	require.NoError(t, err)
	return h
}

func (f *sessionFixture) waitTracker(t *testing.T, n int) *fakeTracker {
	t.Helper()
	require.Eventually(t, func() bool { return f.trackers.dialed() >= n }, eventually, time.Millisecond)
	return f.trackers.last()
}

func fullBitmap(n int) []byte {
	bm := bitmap.New(n)
	for i := 0; i < n; i++ {
		bm.Set(i)
	}
	return bm.Bytes()
}

func TestAddManifestAnnouncesOncePerTracker(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://Tracker.example", "ws://tracker.example"}, "abcd")

	f.add(t, m)
	tr := f.waitTracker(t, 1)

	require.Eventually(t, func() bool { return tr.count(wire.TrackerAnnounce) >= 1 }, eventually, time.Millisecond)
	assert.Equal(t, 1, f.trackers.dialed(), "URLs differing only in case share a connection")

	ann := tr.messages()[0].(wire.Announce)
	assert.Equal(t, m.Hash, ann.Hash)
	assert.Equal(t, bitmap.New(1).Bytes(), ann.Bitmap)

	f.catalog.AssertCalled(t, "SaveManifest", mock.Anything, m)

	// Adding again is a no-op
	again, err := f.s.AddManifest(context.Background(), m)
	require.NoError(t, err)
	h, _ := f.s.Handle(m.Hash)
	assert.Same(t, h, again)
}

func TestAddManifestRejectsInvalid(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, nil, "abcd")
	m.Hash = "deadbeef"

	_, err := f.s.AddManifest(context.Background(), m)
	assert.ErrorIs(t, err, domain.ErrInvalidManifest)
}

func TestSwarmDownloadThroughSession(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcdefgh")
	h := f.add(t, m)
	tr := f.waitTracker(t, 1)
	require.Eventually(t, func() bool { return tr.count(wire.TrackerAnnounce) == 1 }, eventually, time.Millisecond)

	// A seeder enters; we lack everything so we dial it
	tr.onMessage(&wire.Enter{Hash: m.Hash, PeerID: "seed", Bitmap: fullBitmap(2)})
	require.Eventually(t, func() bool { return tr.count(wire.TrackerSdp) == 1 }, eventually, time.Millisecond)

	var offer wire.Sdp
	for _, msg := range tr.messages() {
		if sdp, ok := msg.(wire.Sdp); ok {
			offer = sdp
		}
	}
	assert.Equal(t, "seed", offer.PeerID)
	assert.Equal(t, []byte("offer:seed"), offer.Payload)

	// The answer arrives and the transport opens
	tr.onMessage(&wire.Sdp{Hash: m.Hash, PeerID: "seed", Payload: []byte("answer")})
	transport := f.connector.transport("seed")
	require.Eventually(t, func() bool { return transport.State() == StateConnected }, eventually, time.Millisecond)
	f.s.PeerState("seed", transport, StateConnected)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := h.FetchSegment(context.Background(), 0)
		done <- result{data, err}
	}()

	waitRequests(t, transport, 1)
	f.s.PeerMessage("seed", transport, mustEncode(t, wire.Chunk{Hash: m.Hash, Segment: 0, Chunk: 0, Data: []byte("abcd")}))
	waitRequests(t, transport, 2)
	f.s.PeerMessage("seed", transport, mustEncode(t, wire.Chunk{Hash: m.Hash, Segment: 0, Chunk: 1, Data: []byte("efgh")}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, []byte("abcdefgh"), r.data)
	case <-time.After(eventually):
		t.Fatal("segment never completed")
	}

	// Completion re-announces the full bitmap
	require.Eventually(t, func() bool { return tr.count(wire.TrackerAnnounce) == 2 }, eventually, time.Millisecond)
	require.Eventually(t, func() bool { return f.catalogCalled("MarkSegmentComplete") }, eventually, time.Millisecond)
}

func (f *sessionFixture) catalogCalled(method string) bool {
	for _, c := range f.catalog.Calls {
		if c.Method == method {
			return true
		}
	}
	return false
}

func mustEncode(t *testing.T, m wire.PeerMessage) []byte {
	t.Helper()
	b, err := wire.EncodePeer(m)
	require.NoError(t, err)
	return b
}

func TestInboundOfferAndServe(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcdefgh")
	require.NoError(t, f.storage.Storage.StoreSegment(context.Background(), m.Hash, 0, 0, []byte("abcdefgh")))
	f.add(t, m)
	tr := f.waitTracker(t, 1)

	tr.onMessage(&wire.Sdp{Hash: m.Hash, PeerID: "leech", Payload: []byte("offer:local")})
	require.Eventually(t, func() bool { return f.connector.transport("leech") != nil }, eventually, time.Millisecond)
	require.Eventually(t, func() bool { return tr.count(wire.TrackerSdp) == 1 }, eventually, time.Millisecond)

	transport := f.connector.transport("leech")
	require.Eventually(t, func() bool {
		for _, p := range f.s.Peers() {
			if p.ID == "leech" && p.State == "connected" {
				return true
			}
		}
		return false
	}, eventually, time.Millisecond)

	f.s.PeerMessage("leech", transport, mustEncode(t, wire.Request{Hash: m.Hash, Segment: 0, Chunk: 1}))
	require.Eventually(t, func() bool { return len(transport.messages()) == 2 }, eventually, time.Millisecond)

	first := transport.messages()[0].(*wire.Chunk)
	assert.Equal(t, []byte("efg"), first.Data)
}

func TestLeaveAndDisconnect(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcd")
	f.add(t, m)
	tr := f.waitTracker(t, 1)

	tr.onMessage(&wire.Enter{Hash: m.Hash, PeerID: "p1", Bitmap: fullBitmap(1)})
	require.Eventually(t, func() bool { return len(f.s.Peers()) == 1 }, eventually, time.Millisecond)
	assert.Equal(t, []string{m.Hash}, f.s.Peers()[0].Contents)

	// Our own announcements echoed back are ignored
	tr.onMessage(&wire.Enter{Hash: m.Hash, PeerID: "local", Bitmap: fullBitmap(1)})
	assert.Len(t, f.s.Peers(), 1)

	// Wait for the dial to settle so the peer has a transport
	require.Eventually(t, func() bool { return f.connector.transport("p1") != nil }, eventually, time.Millisecond)
	transport := f.connector.transport("p1")
	require.Eventually(t, func() bool {
		p := f.s.Peers()
		return len(p) == 1 && p[0].State == "connecting"
	}, eventually, time.Millisecond)

	tr.onMessage(&wire.Leave{Hash: m.Hash, PeerID: "p1"})
	require.Len(t, f.s.Peers(), 1, "peer with an open transport is kept")
	assert.Empty(t, f.s.Peers()[0].Contents)

	f.s.PeerState("p1", transport, StateClosed)
	assert.Empty(t, f.s.Peers())
}

func TestMalformedPeerMessageDropped(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcd")
	f.add(t, m)
	tr := f.waitTracker(t, 1)

	tr.onMessage(&wire.Sdp{Hash: m.Hash, PeerID: "p1", Payload: []byte("offer:local")})
	require.Eventually(t, func() bool { return f.connector.transport("p1") != nil }, eventually, time.Millisecond)
	transport := f.connector.transport("p1")

	assert.NotPanics(t, func() {
		f.s.PeerMessage("p1", transport, []byte{0xff, 'x'})
		f.s.PeerMessage("p1", transport, nil)
		f.s.PeerMessage("ghost", transport, mustEncode(t, wire.Ping{Nonce: 1}))
	})
}

func TestTrackerReconnectReannounces(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcd")
	f.add(t, m)
	first := f.waitTracker(t, 1)
	require.Eventually(t, func() bool { return first.count(wire.TrackerAnnounce) == 1 }, eventually, time.Millisecond)

	first.drop()
	require.Equal(t, 1, f.clock.fireAll())

	second := f.waitTracker(t, 2)
	require.Eventually(t, func() bool { return second.count(wire.TrackerAnnounce) == 1 }, eventually, time.Millisecond)
	assert.Equal(t, m.Hash, second.messages()[0].(wire.Announce).Hash)
}

func TestRemoveManifestDenounces(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcd")
	h := f.add(t, m)
	tr := f.waitTracker(t, 1)
	require.Eventually(t, func() bool { return tr.count(wire.TrackerAnnounce) == 1 }, eventually, time.Millisecond)

	require.NoError(t, f.s.RemoveManifest(context.Background(), m.Hash))
	assert.Equal(t, 1, tr.count(wire.TrackerDenounce))
	assert.True(t, tr.closed, "last content on the tracker closes it")
	f.catalog.AssertCalled(t, "DeleteManifest", mock.Anything, m.Hash)

	_, ok := f.s.Handle(m.Hash)
	assert.False(t, ok)
	_, err := h.Status()
	assert.ErrorIs(t, err, ErrHandleStopped)

	err = f.s.RemoveManifest(context.Background(), m.Hash)
	assert.ErrorIs(t, err, domain.ErrUnknownContent)
}

func TestRefreshRequestsSwarm(t *testing.T) {
	f := newSessionFixture(t)
	m := testManifest(t, []string{"ws://tracker"}, "abcd")
	f.add(t, m)
	tr := f.waitTracker(t, 1)
	require.Eventually(t, func() bool { return tr.count(wire.TrackerAnnounce) == 1 }, eventually, time.Millisecond)

	require.NoError(t, f.s.Refresh(m.Hash))
	assert.Equal(t, 1, tr.count(wire.TrackerRequest))
	assert.ErrorIs(t, f.s.Refresh("nope"), domain.ErrUnknownContent)
}
