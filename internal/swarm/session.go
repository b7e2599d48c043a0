package swarm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/datallboy/goswarm/internal/bitmap"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/storage"
	"github.com/datallboy/goswarm/internal/wire"
)

type Options struct {
	PeerID         string
	RequestTimeout time.Duration
	// FragmentSize bounds the payload of one outbound chunk message
	FragmentSize   int
	UploadRate     int
	PollInterval   time.Duration
	ReconnectDelay time.Duration
}

// Hooks are optional observers. They run on the handle's goroutine.
type Hooks struct {
	OnProgress func(hash string, segment, chunk int, received, length int64)
	OnChunk    func(hash string, segment, chunk int)
	OnSegment  func(hash string, segment int, length int64)
}

// Catalog remembers which manifests this node serves and what it finished.
type Catalog interface {
	SaveManifest(ctx context.Context, m *domain.Manifest) error
	DeleteManifest(ctx context.Context, hash string) error
	MarkSegmentComplete(ctx context.Context, hash string, segment int, length int64) error
}

type Deps struct {
	Storage   storage.Storage
	Catalog   Catalog
	Trackers  TrackerDialer
	Connector Connector
	Clock     Clock
	Hooks     Hooks
	Logger    *logger.Logger
}

type trackerConn struct {
	key    string
	url    string
	conn   Tracker
	hashes map[string]struct{}

	epoch       uint64
	closedEpoch uint64
	retry       Timer
	removed     bool
}

// Session is the registry of handles and the router between trackers,
// transports and handles.
type Session struct {
	opts Options
	deps Deps
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handles  map[string]*SessionHandle
	bitmaps  map[string][]byte
	peers    map[string]*PeerRecord
	trackers map[string]*trackerConn
}

func NewSession(ctx context.Context, opts Options, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Second
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = 16384 - 256
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		opts:     opts,
		deps:     deps,
		log:      deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[string]*SessionHandle),
		bitmaps:  make(map[string][]byte),
		peers:    make(map[string]*PeerRecord),
		trackers: make(map[string]*trackerConn),
	}
}

func (s *Session) PeerID() string { return s.opts.PeerID }

// AddManifest registers content, seeds its bitmap from storage and announces
// it. Adding a known hash returns the existing handle.
func (s *Session) AddManifest(ctx context.Context, m *domain.Manifest) (*SessionHandle, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if h, ok := s.Handle(m.Hash); ok {
		return h, nil
	}

	local, err := SeedBitmap(ctx, s.deps.Storage, m)
	if err != nil {
		return nil, fmt.Errorf("failed to seed bitmap for %s: %w", m.Hash, err)
	}

	h := newHandle(m, local, handleDeps{
		host:    s,
		storage: s.deps.Storage,
		catalog: s.deps.Catalog,
		hooks:   s.deps.Hooks,
		clock:   s.deps.Clock,
		timeout: s.opts.RequestTimeout,
		log:     s.log,
	})

	s.mu.Lock()
	if existing, ok := s.handles[m.Hash]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.handles[m.Hash] = h
	s.bitmaps[m.Hash] = local.Bytes()
	s.mu.Unlock()

	h.start(s.ctx)

	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.SaveManifest(ctx, m); err != nil {
			s.log.Warn("Failed to persist manifest %s: %v", m.Hash, err)
		}
	}

	s.log.Info("Added %s: %d/%d chunks present", m.Hash, local.Count(), local.Len())

	for _, url := range lo.UniqBy(m.Trackers, normalizeURL) {
		s.track(url, m.Hash)
	}
	return h, nil
}

// RemoveManifest denounces hash and stops its handle.
func (s *Session) RemoveManifest(ctx context.Context, hash string) error {
	s.mu.Lock()
	h, ok := s.handles[hash]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownContent, hash)
	}
	delete(s.handles, hash)
	delete(s.bitmaps, hash)
	peers := lo.Values(s.peers)
	s.mu.Unlock()

	for _, url := range lo.UniqBy(h.manifest.Trackers, normalizeURL) {
		s.untrack(url, hash)
	}

	h.Stop()

	for _, p := range peers {
		p.DropContent(hash)
	}

	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.DeleteManifest(ctx, hash); err != nil {
			return fmt.Errorf("failed to delete manifest %s: %w", hash, err)
		}
	}
	return nil
}

func (s *Session) Handle(hash string) (*SessionHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[hash]
	return h, ok
}

// Handles lists every registered handle ordered by hash.
func (s *Session) Handles() []*SessionHandle {
	s.mu.RLock()
	hs := lo.Values(s.handles)
	s.mu.RUnlock()
	sort.Slice(hs, func(i, j int) bool { return hs[i].hash < hs[j].hash })
	return hs
}

type PeerInfo struct {
	ID         string   `json:"id"`
	TrackerURL string   `json:"tracker_url"`
	State      string   `json:"state"`
	Contents   []string `json:"contents"`
	Assigned   string   `json:"assigned,omitempty"`
	Uploaded   int64    `json:"uploaded"`
}

func (s *Session) Peers() []PeerInfo {
	s.mu.RLock()
	peers := lo.Values(s.peers)
	s.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	return lo.Map(peers, func(p *PeerRecord, _ int) PeerInfo {
		info := PeerInfo{
			ID:         p.ID,
			TrackerURL: p.TrackerURL,
			State:      StateNew.String(),
			Contents:   p.Contents(),
			Uploaded:   p.Uploaded(),
		}
		if t := p.Transport(); t != nil {
			info.State = t.State().String()
		}
		if req := p.Assigned(); req != nil {
			info.Assigned = fmt.Sprintf("%s/%d/%d", req.Hash, req.Segment, req.Chunk)
		}
		return info
	})
}

// Refresh asks every tracker of hash for the current swarm.
func (s *Session) Refresh(hash string) error {
	h, ok := s.Handle(hash)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownContent, hash)
	}
	for _, url := range lo.UniqBy(h.manifest.Trackers, normalizeURL) {
		s.sendTracker(url, wire.SwarmRequest{Hash: hash})
	}
	return nil
}

// Close stops every handle and drops every connection.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	handles := lo.Values(s.handles)
	peers := lo.Values(s.peers)
	trackers := lo.Values(s.trackers)
	s.handles = map[string]*SessionHandle{}
	s.peers = map[string]*PeerRecord{}
	s.trackers = map[string]*trackerConn{}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	for _, p := range peers {
		s.closePeer(p)
	}
	for _, tc := range trackers {
		tc.removed = true
		if tc.retry != nil {
			tc.retry.Stop()
		}
		if tc.conn != nil {
			tc.conn.Close()
		}
	}
}

func (s *Session) manifest(hash string) *domain.Manifest {
	if h, ok := s.Handle(hash); ok {
		return h.manifest
	}
	return nil
}

// Trackers

func normalizeURL(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

// track makes sure a connection to url exists and announces hash on it.
func (s *Session) track(url, hash string) {
	key := normalizeURL(url)

	s.mu.Lock()
	tc, ok := s.trackers[key]
	if !ok {
		tc = &trackerConn{key: key, url: url, hashes: make(map[string]struct{})}
		s.trackers[key] = tc
	}
	tc.hashes[hash] = struct{}{}
	conn := tc.conn
	bm := s.bitmaps[hash]
	s.mu.Unlock()

	if !ok {
		go s.connect(tc)
		return
	}
	if conn != nil {
		s.send(tc, conn, wire.Announce{Hash: hash, Bitmap: bm})
	}
}

func (s *Session) untrack(url, hash string) {
	key := normalizeURL(url)

	s.mu.Lock()
	tc, ok := s.trackers[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(tc.hashes, hash)
	conn := tc.conn
	last := len(tc.hashes) == 0
	if last {
		tc.removed = true
		delete(s.trackers, key)
		if tc.retry != nil {
			tc.retry.Stop()
		}
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.send(tc, conn, wire.Denounce{Hash: hash})
	if last {
		conn.Close()
	}
}

func (s *Session) connect(tc *trackerConn) {
	s.mu.Lock()
	if tc.removed || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	tc.epoch++
	epoch := tc.epoch
	s.mu.Unlock()

	conn, err := s.deps.Trackers(s.ctx, tc.url,
		func(msg wire.TrackerMessage) { s.onTrackerMessage(tc, msg) },
		func(err error) { s.onTrackerClosed(tc, epoch, err) },
	)
	if err != nil {
		s.log.Warn("Tracker %s unreachable: %v", tc.url, err)
		s.reconnectLater(tc)
		return
	}

	s.mu.Lock()
	if tc.removed || tc.closedEpoch == epoch {
		s.mu.Unlock()
		conn.Close()
		return
	}
	tc.conn = conn
	announces := make([]wire.Announce, 0, len(tc.hashes))
	for hash := range tc.hashes {
		announces = append(announces, wire.Announce{Hash: hash, Bitmap: s.bitmaps[hash]})
	}
	s.mu.Unlock()

	s.log.Info("Connected to tracker %s, announcing %d content(s)", tc.url, len(announces))
	for _, a := range announces {
		s.send(tc, conn, a)
	}
}

func (s *Session) onTrackerClosed(tc *trackerConn, epoch uint64, err error) {
	s.mu.Lock()
	tc.closedEpoch = epoch
	if tc.epoch == epoch {
		tc.conn = nil
	}
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.log.Warn("Tracker %s disconnected: %v", tc.url, err)
	s.reconnectLater(tc)
}

func (s *Session) reconnectLater(tc *trackerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tc.removed || s.ctx.Err() != nil || len(tc.hashes) == 0 {
		return
	}
	tc.retry = s.deps.Clock.AfterFunc(s.opts.ReconnectDelay, func() { s.connect(tc) })
}

func (s *Session) send(tc *trackerConn, conn Tracker, msg wire.TrackerMessage) {
	if err := conn.Send(msg); err != nil {
		s.log.Debug("Send %s to %s failed: %v", msg.TrackerType(), tc.url, err)
	}
}

// sendTracker drops msg if the tracker is not connected; the connection
// re-announces everything once it comes up.
func (s *Session) sendTracker(url string, msg wire.TrackerMessage) {
	s.mu.RLock()
	tc, ok := s.trackers[normalizeURL(url)]
	var conn Tracker
	if ok {
		conn = tc.conn
	}
	s.mu.RUnlock()

	if conn == nil {
		return
	}
	s.send(tc, conn, msg)
}

func (s *Session) onTrackerMessage(tc *trackerConn, msg wire.TrackerMessage) {
	switch m := msg.(type) {
	case *wire.KeepAlive:
	case *wire.Welcome:
		s.log.Debug("Tracker %s welcomed us as %s", tc.url, m.PeerID)
	case *wire.Enter:
		s.onPeerBitmap(tc.url, m.Hash, m.PeerID, m.Bitmap)
	case *wire.Poke:
		s.onPeerBitmap(tc.url, m.Hash, m.PeerID, m.Bitmap)
	case *wire.Leave:
		s.onLeave(m.Hash, m.PeerID)
	case *wire.Sdp:
		go s.onSdp(tc.url, m)
	default:
		s.log.Debug("Ignoring %s from tracker %s", msg.TrackerType(), tc.url)
	}
}

func (s *Session) onPeerBitmap(url, hash, peerID string, data []byte) {
	if peerID == s.opts.PeerID {
		return
	}
	h, ok := s.Handle(hash)
	if !ok {
		return
	}

	p := s.peer(peerID, url)
	p.SetBitmap(hash, bitmap.FromBytes(h.layout.Len(), data))
	h.PeerUpdated(p)
}

func (s *Session) onLeave(hash, peerID string) {
	s.mu.RLock()
	p, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	remaining := p.DropContent(hash)
	if h, ok := s.Handle(hash); ok {
		h.PeerLeft(p)
	}

	if remaining == 0 && !p.Reachable() {
		s.forget(p)
	}
}

func (s *Session) onSdp(url string, m *wire.Sdp) {
	if s.deps.Connector == nil {
		return
	}

	p := s.peer(m.PeerID, url)
	t, reply, err := s.deps.Connector.Signal(m.PeerID, m.Payload, s)
	if err != nil {
		s.log.Warn("Signaling with %s failed: %v", m.PeerID, err)
		return
	}

	if t != nil {
		old := p.Transport()
		p.SetTransport(t)
		if old != nil && old != t {
			old.Close()
		}
		// The channel may have opened before we started listening for it
		if t.State() == StateConnected {
			s.PeerState(m.PeerID, t, StateConnected)
		}
	}

	if reply != nil {
		s.sendTracker(url, wire.Sdp{Hash: m.Hash, PeerID: m.PeerID, Payload: reply})
	}
}

// peer returns the record for id, creating it and its uploader on first sight.
func (s *Session) peer(id, url string) *PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.peers[id]; ok {
		return p
	}

	p := newPeerRecord(id, url)
	p.uploader = newUploader(p, s.deps.Storage, s.manifest, s.opts, s.log)

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(s.ctx)
	go p.uploader.run(ctx)

	s.peers[id] = p
	return p
}

func (s *Session) forget(p *PeerRecord) {
	s.mu.Lock()
	if s.peers[p.ID] == p {
		delete(s.peers, p.ID)
	}
	s.mu.Unlock()
	s.closePeer(p)
}

func (s *Session) closePeer(p *PeerRecord) {
	if p.cancel != nil {
		p.cancel()
	}
	if t := p.Transport(); t != nil {
		t.Close()
	}
}

// host

func (s *Session) peersFor(hash string) []*PeerRecord {
	s.mu.RLock()
	peers := lo.Filter(lo.Values(s.peers), func(p *PeerRecord, _ int) bool {
		_, ok := p.Bitmap(hash)
		return ok
	})
	s.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (s *Session) announce(hash string, local bitmap.Bitmap) {
	h, ok := s.Handle(hash)
	if !ok {
		return
	}

	b := local.Bytes()
	s.mu.Lock()
	s.bitmaps[hash] = b
	s.mu.Unlock()

	for _, url := range lo.UniqBy(h.manifest.Trackers, normalizeURL) {
		s.sendTracker(url, wire.Announce{Hash: hash, Bitmap: b})
	}
}

func (s *Session) poke(hash string, p *PeerRecord, local bitmap.Bitmap) {
	s.sendTracker(p.TrackerURL, wire.Poke{Hash: hash, PeerID: p.ID, Bitmap: local.Bytes()})
}

func (s *Session) dial(hash string, p *PeerRecord) {
	if s.deps.Connector == nil || !p.dialing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer p.dialing.Store(false)

		t, offer, err := s.deps.Connector.Dial(p.ID, s)
		if err != nil {
			s.log.Warn("Failed to dial %s: %v", p.ID, err)
			return
		}
		p.SetTransport(t)
		s.sendTracker(p.TrackerURL, wire.Sdp{Hash: hash, PeerID: p.ID, Payload: offer})
	}()
}

// TransportEvents

func (s *Session) PeerMessage(peerID string, t Transport, data []byte) {
	s.mu.RLock()
	p, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok || p.Transport() != t {
		return
	}

	msg, err := wire.DecodePeer(data)
	if err != nil {
		s.log.Warn("Dropping message from %s: %v", peerID, err)
		return
	}

	switch m := msg.(type) {
	case *wire.Ping:
		s.log.Debug("Ping %d from %s", m.Nonce, peerID)
	case *wire.Request:
		p.uploader.enqueue(*m)
	case *wire.Chunk:
		if h, ok := s.Handle(m.Hash); ok {
			h.Deliver(p, m)
		}
	case *wire.Stop:
		p.uploader.stop(*m)
	}
}

func (s *Session) PeerState(peerID string, t Transport, state TransportState) {
	s.mu.RLock()
	p, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok || p.Transport() != t {
		return
	}

	switch state {
	case StateConnected:
		s.log.Info("Connected to peer %s", peerID)
		for _, hash := range p.Contents() {
			if h, ok := s.Handle(hash); ok {
				h.Kick()
			}
		}
	case StateClosed:
		s.log.Info("Peer %s disconnected", peerID)
		s.forget(p)
		for _, h := range s.Handles() {
			h.PeerLeft(p)
		}
	}
}
