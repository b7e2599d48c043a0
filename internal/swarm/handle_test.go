package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/goswarm/internal/bitmap"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/logger"
)

const eventually = 2 * time.Second

func waitRequests(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.requests()) >= n }, eventually, time.Millisecond)
}

func TestRequestSegmentAssignsOneChunkPerPeer(t *testing.T) {
	f := newHandleFixture(t, "abcdefgh")
	p1, tr := f.seeder("p1")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr, 1)
	f.sync()

	var pending int
	f.h.do(func() { pending = len(f.h.pending) })
	assert.Equal(t, 2, pending)

	assert.Equal(t, "p1", f.assignee(0, 0))
	assert.Equal(t, "", f.assignee(0, 1))
	assert.Equal(t, 0, p1.Assigned().Chunk)
	assert.Len(t, tr.requests(), 1)
	assert.Zero(t, rec.count())
}

func TestFragmentsCompleteChunksAndSegment(t *testing.T) {
	f := newHandleFixture(t, "abcdefgh")
	p1, tr := f.seeder("p1")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr, 1)

	// Chunk 0 arrives in two fragments
	f.fragment(p1, 0, 0, 0, "ab")
	assert.False(t, f.bit(0, 0))
	assert.EqualValues(t, 2, f.received(0, 0))

	f.fragment(p1, 0, 0, 2, "cd")
	assert.True(t, f.bit(0, 0))
	assert.Zero(t, f.storage.storeCalls())

	// The freed slot picks up chunk 1
	waitRequests(t, tr, 2)
	assert.Equal(t, 1, tr.requests()[1].Chunk)

	f.fragment(p1, 0, 1, 0, "ef")
	f.fragment(p1, 0, 1, 2, "gh")
	assert.True(t, f.bit(0, 1))

	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	f.sync()
	assert.NoError(t, rec.err)
	assert.Equal(t, []byte("abcdefgh"), rec.data)
	assert.Equal(t, 1, f.storage.storeCalls())
	assert.Equal(t, []byte("abcdefgh"), f.storage.stored[0])
	assert.Equal(t, 1, f.host.announceCount())
	assert.Nil(t, p1.Assigned())
}

func TestDisconnectReassignsWithoutTouchingCompletedChunks(t *testing.T) {
	f := newHandleFixture(t, "abcdefgh")
	p1, tr1 := f.seeder("p1")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr1, 1)

	f.fragment(p1, 0, 0, 0, "abcd")
	waitRequests(t, tr1, 2)
	f.fragment(p1, 0, 1, 0, "ef")
	require.Equal(t, "p1", f.assignee(0, 1))

	// The session forgets p1 before telling the handle
	f.host.mu.Lock()
	f.host.peers = nil
	f.host.mu.Unlock()

	f.h.PeerLeft(p1)
	f.sync()
	assert.Nil(t, p1.Assigned())
	assert.Equal(t, "", f.assignee(0, 1))
	assert.Zero(t, f.received(0, 1))

	p2, tr2 := f.seeder("p2")
	f.h.PeerUpdated(p2)
	f.sync()

	waitRequests(t, tr2, 1)
	assert.Equal(t, wantRequest(f.m, 0, 1), tr2.requests()[0])
	assert.Equal(t, "p2", f.assignee(0, 1))
	assert.True(t, f.bit(0, 0))
	assert.Equal(t, "", f.assignee(0, 0))
}

func TestChecksumMismatchRetriesCleanly(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	p1, tr := f.seeder("p1")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr, 1)

	f.fragment(p1, 0, 0, 0, "xxxx")
	assert.False(t, f.bit(0, 0))
	assert.NotNil(t, f.pendingFor(0, 0))

	// Same peer is eligible again and gets a fresh request
	waitRequests(t, tr, 2)
	assert.Zero(t, f.received(0, 0))

	f.fragment(p1, 0, 0, 0, "abcd")
	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, []byte("abcd"), rec.data)
	assert.True(t, f.bit(0, 0))
}

func TestTimeoutReassigns(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	p1, tr1 := f.seeder("p1")

	f.h.RequestSegment(0, func([]byte, error) {})
	waitRequests(t, tr1, 1)

	f.fragment(p1, 0, 0, 0, "ab")
	require.EqualValues(t, 2, f.received(0, 0))

	// p1 stops being connected so the retry lands on p2
	tr1.setState(StateConnecting)
	_, tr2 := f.seeder("p2")

	assert.Equal(t, 1, f.clock.fireAll())
	f.sync()

	waitRequests(t, tr2, 1)
	assert.Nil(t, p1.Assigned())
	assert.Equal(t, "p2", f.assignee(0, 0))
	assert.Zero(t, f.received(0, 0))
}

func TestStaleTimerIgnored(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	p1, tr := f.seeder("p1")

	f.h.RequestSegment(0, func([]byte, error) {})
	waitRequests(t, tr, 1)

	var stale func()
	f.clock.mu.Lock()
	stale = f.clock.timers[0].f
	f.clock.mu.Unlock()

	// A fragment re-arms the timeout, the first timer no longer counts
	f.fragment(p1, 0, 0, 0, "ab")
	stale()
	f.sync()

	assert.Equal(t, "p1", f.assignee(0, 0))
	assert.EqualValues(t, 2, f.received(0, 0))
}

func TestCompletionIsIdempotent(t *testing.T) {
	f := newHandleFixture(t, "abcdefgh")
	p1, tr1 := f.seeder("p1")
	p2, tr2 := f.seeder("p2")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr1, 1)
	waitRequests(t, tr2, 1)
	require.Equal(t, "p1", f.assignee(0, 0))
	require.Equal(t, "p2", f.assignee(0, 1))

	// Out of order, with a duplicate of the last fragment
	f.fragment(p2, 0, 1, 0, "efgh")
	f.fragment(p1, 0, 0, 0, "abcd")
	f.fragment(p1, 0, 0, 0, "abcd")
	f.fragment(p2, 0, 1, 0, "efgh")

	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	f.sync()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, f.storage.storeCalls())
}

func TestSinglePeerServesOneRequestAcrossHandles(t *testing.T) {
	a := newHandleFixture(t, "abcd")
	b := newHandleFixture(t, "wxyz")

	shared := newPeerRecord("p1", "ws://tracker")
	full := bitmap.New(1)
	full.Set(0)
	shared.SetBitmap(a.m.Hash, full)
	shared.SetBitmap(b.m.Hash, full.Clone())
	tr := connectedTransport()
	shared.SetTransport(tr)
	a.host.addPeer(shared)
	b.host.addPeer(shared)

	a.h.RequestSegment(0, func([]byte, error) {})
	waitRequests(t, tr, 1)
	b.h.RequestSegment(0, func([]byte, error) {})
	b.sync()
	require.Eventually(t, func() bool {
		var n int
		b.h.do(func() { n = len(b.h.pending) })
		return n == 1
	}, eventually, time.Millisecond)

	assert.Len(t, tr.requests(), 1)
	assert.Equal(t, "", b.assignee(0, 0))
	assert.Equal(t, a.m.Hash, shared.Assigned().Hash)

	// Once a's chunk lands the slot frees up, b gets it on its next pass
	a.fragment(shared, 0, 0, 0, "abcd")
	b.h.Kick()
	b.sync()
	waitRequests(t, tr, 2)
	assert.Equal(t, b.m.Hash, tr.requests()[1].Hash)
}

func TestStoredSegmentServedFromStorage(t *testing.T) {
	f := newHandleFixture(t, "abcdefgh")
	require.NoError(t, f.storage.Storage.StoreSegment(context.Background(), f.m.Hash, 0, 0, []byte("abcdefgh")))
	_, tr := f.seeder("p1")

	data, err := f.h.FetchSegment(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), data)
	assert.True(t, f.bit(0, 0))
	assert.True(t, f.bit(0, 1))
	assert.Empty(t, tr.requests())
	assert.Equal(t, 1, f.host.announceCount())

	// Nothing new the second time, so nothing to announce
	_, err = f.h.FetchSegment(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.host.announceCount())
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	p1, tr := f.seeder("p1")

	var first, second callbackRecorder
	f.h.RequestSegment(0, first.cb)
	f.h.RequestSegment(0, second.cb)
	waitRequests(t, tr, 1)

	f.fragment(p1, 0, 0, 0, "abcd")
	require.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, eventually, time.Millisecond)
	assert.Len(t, tr.requests(), 1)
	assert.Equal(t, 1, f.storage.storeCalls())
}

func TestStorageFailureReachesCallback(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	f.storage.fail = errDiskFull
	p1, tr := f.seeder("p1")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr, 1)
	f.fragment(p1, 0, 0, 0, "abcd")

	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.ErrorIs(t, rec.err, errDiskFull)
	assert.Zero(t, f.host.announceCount())

	// The handle keeps running
	_, err := f.h.Status()
	assert.NoError(t, err)
}

func TestOutOfBoundsFragmentDropped(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	p1, tr := f.seeder("p1")

	f.h.RequestSegment(0, func([]byte, error) {})
	waitRequests(t, tr, 1)

	f.fragment(p1, 0, 0, 3, "xy")
	assert.Zero(t, f.received(0, 0))
	assert.Equal(t, "p1", f.assignee(0, 0))
}

func TestSegmentOutOfRange(t *testing.T) {
	f := newHandleFixture(t, "abcd")

	_, err := f.h.FetchSegment(context.Background(), 3)
	assert.ErrorIs(t, err, domain.ErrSegmentOutOfRange)
}

func TestPeerUpdatedDialsOrPokes(t *testing.T) {
	f := newHandleFixture(t, "abcdefgh")

	// They have everything, we have nothing: dial them
	rich := newPeerRecord("rich", "ws://tracker")
	full := bitmap.New(2)
	full.Set(0)
	full.Set(1)
	rich.SetBitmap(f.m.Hash, full)
	f.h.PeerUpdated(rich)
	f.sync()
	assert.Equal(t, []string{"rich"}, f.host.dials)

	// We own chunk 0, they own nothing: poke them
	f.h.do(func() { f.h.local.Set(0) })
	poor := newPeerRecord("poor", "ws://tracker")
	poor.SetBitmap(f.m.Hash, bitmap.New(2))
	f.h.PeerUpdated(poor)
	f.sync()
	assert.Equal(t, []string{"poor"}, f.host.pokes)

	// Already connected peers are left alone
	poor.SetTransport(connectedTransport())
	f.h.PeerUpdated(poor)
	f.sync()
	assert.Len(t, f.host.pokes, 1)

	// Each side lacks something: poke and dial
	mixed := newPeerRecord("mixed", "ws://tracker")
	other := bitmap.New(2)
	other.Set(1)
	mixed.SetBitmap(f.m.Hash, other)
	f.h.PeerUpdated(mixed)
	f.sync()
	assert.Equal(t, []string{"poor", "mixed"}, f.host.pokes)
	assert.Equal(t, []string{"rich", "mixed"}, f.host.dials)
}

func TestRepeatedFragmentIgnored(t *testing.T) {
	f := newHandleFixture(t, "abcd")
	p1, tr := f.seeder("p1")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	waitRequests(t, tr, 1)

	f.fragment(p1, 0, 0, 0, "ab")
	f.fragment(p1, 0, 0, 0, "ab")
	assert.EqualValues(t, 2, f.received(0, 0))
	assert.False(t, f.bit(0, 0))

	// A gap is not filled out of order either
	f.fragment(p1, 0, 0, 3, "d")
	assert.EqualValues(t, 2, f.received(0, 0))

	f.fragment(p1, 0, 0, 2, "cd")
	assert.True(t, f.bit(0, 0))
	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.NoError(t, rec.err)
	assert.Len(t, tr.requests(), 1)
}

func TestStopFailsWaiters(t *testing.T) {
	f := newHandleFixture(t, "abcd")

	var rec callbackRecorder
	f.h.RequestSegment(0, rec.cb)
	require.Eventually(t, func() bool {
		var n int
		f.h.do(func() { n = len(f.h.pending) })
		return n == 1
	}, eventually, time.Millisecond)

	f.h.Stop()
	assert.Equal(t, 1, rec.count())
	assert.ErrorIs(t, rec.err, ErrHandleStopped)
}

func TestSeedBitmap(t *testing.T) {
	m := testManifest(t, nil, "abcdefgh", "ijkl")
	st := newCountingStorage(t)
	ctx := context.Background()

	// Segment 0 stored with a corrupt second chunk, segment 1 missing
	require.NoError(t, st.Storage.StoreSegment(ctx, m.Hash, 0, 0, []byte("abcdXXXX")))

	bm, err := SeedBitmap(ctx, st, m)
	require.NoError(t, err)
	assert.Equal(t, 3, bm.Len())
	assert.True(t, bm.Get(0))
	assert.False(t, bm.Get(1))
	assert.False(t, bm.Get(2))
}

func TestPrefillFromOwnedChunks(t *testing.T) {
	m := testManifest(t, nil, "abcdefgh")
	st := newCountingStorage(t)
	host := &fakeHost{}
	clock := &fakeClock{}

	// Only chunk 0 is owned and the stored copy of chunk 1 is corrupt
	require.NoError(t, st.Storage.StoreSegment(context.Background(), m.Hash, 0, 0, []byte("abcdXXXX")))
	local := bitmap.New(2)
	local.Set(0)

	h := newHandle(m, local, handleDeps{host: host, storage: st, clock: clock, timeout: time.Second, log: logger.Nop()})
	h.start(context.Background())
	t.Cleanup(h.Stop)

	f := &handleFixture{h: h, m: m, host: host, clock: clock, storage: st}
	p1, tr := f.seeder("p1")

	var rec callbackRecorder
	h.RequestSegment(0, rec.cb)
	waitRequests(t, tr, 1)
	assert.Equal(t, 1, tr.requests()[0].Chunk)

	f.fragment(p1, 0, 1, 0, "efgh")
	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, []byte("abcdefgh"), rec.data)
}
