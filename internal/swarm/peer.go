package swarm

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/datallboy/goswarm/internal/bitmap"
)

// PeerRecord is everything known about one remote peer. It is shared by
// every handle the peer participates in, so the request slot is atomic.
type PeerRecord struct {
	ID         string
	TrackerURL string

	mu        sync.RWMutex
	bitmaps   map[string]bitmap.Bitmap
	transport Transport

	slot     atomic.Pointer[PendingRequest]
	dialing  atomic.Bool
	uploader *uploader
	cancel   context.CancelFunc
}

func newPeerRecord(id, trackerURL string) *PeerRecord {
	return &PeerRecord{
		ID:         id,
		TrackerURL: trackerURL,
		bitmaps:    make(map[string]bitmap.Bitmap),
	}
}

// Bitmap returns the last bitmap the peer announced for hash.
func (p *PeerRecord) Bitmap(hash string) (bitmap.Bitmap, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bm, ok := p.bitmaps[hash]
	return bm, ok
}

func (p *PeerRecord) SetBitmap(hash string, bm bitmap.Bitmap) {
	p.mu.Lock()
	p.bitmaps[hash] = bm
	p.mu.Unlock()
}

// DropContent forgets hash and returns how many contents remain.
func (p *PeerRecord) DropContent(hash string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bitmaps, hash)
	return len(p.bitmaps)
}

// Contents lists the hashes the peer announced, sorted.
func (p *PeerRecord) Contents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.bitmaps))
	for h := range p.bitmaps {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (p *PeerRecord) Transport() Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transport
}

func (p *PeerRecord) SetTransport(t Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

// Connected reports whether the transport exists and is open.
func (p *PeerRecord) Connected() bool {
	t := p.Transport()
	return t != nil && t.State() == StateConnected
}

// Reachable is true while a connection is open or being established.
func (p *PeerRecord) Reachable() bool {
	if p.dialing.Load() {
		return true
	}
	t := p.Transport()
	if t == nil {
		return false
	}
	s := t.State()
	return s == StateConnecting || s == StateConnected
}

// IsEligibleFor reports whether the peer has the chunk and holds no request.
func (p *PeerRecord) IsEligibleFor(req *PendingRequest) bool {
	if p.slot.Load() != nil {
		return false
	}
	bm, ok := p.Bitmap(req.Hash)
	if !ok || req.bit >= bm.Len() {
		return false
	}
	return bm.Get(req.bit)
}

// Assign claims the slot for req. It fails when another request holds it.
func (p *PeerRecord) Assign(req *PendingRequest) bool {
	return p.slot.CompareAndSwap(nil, req)
}

// Release empties the slot if req still holds it.
func (p *PeerRecord) Release(req *PendingRequest) {
	p.slot.CompareAndSwap(req, nil)
}

// Assigned returns the request occupying the slot.
func (p *PeerRecord) Assigned() *PendingRequest {
	return p.slot.Load()
}

// Uploaded is the number of bytes served to this peer.
func (p *PeerRecord) Uploaded() int64 {
	if p.uploader == nil {
		return 0
	}
	return p.uploader.uploaded.Load()
}
