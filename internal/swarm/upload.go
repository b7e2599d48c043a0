package swarm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/storage"
	"github.com/datallboy/goswarm/internal/wire"
)

const uploadQueueSize = 64

type chunkKey struct {
	hash    string
	segment int
	chunk   int
}

// uploader serves the chunks a remote peer asks us for, one at a time.
type uploader struct {
	peer     *PeerRecord
	storage  storage.Storage
	manifest func(hash string) *domain.Manifest
	log      *logger.Logger

	fragmentSize int
	poll         time.Duration
	limiter      *rate.Limiter

	queue chan wire.Request

	mu      sync.Mutex
	current *chunkKey
	stopped atomic.Bool

	uploaded atomic.Int64
}

func newUploader(p *PeerRecord, store storage.Storage, manifest func(string) *domain.Manifest, opts Options, log *logger.Logger) *uploader {
	u := &uploader{
		peer:         p,
		storage:      store,
		manifest:     manifest,
		log:          log,
		fragmentSize: opts.FragmentSize,
		poll:         opts.PollInterval,
		queue:        make(chan wire.Request, uploadQueueSize),
	}

	if opts.UploadRate > 0 {
		burst := opts.UploadRate
		if burst < opts.FragmentSize {
			burst = opts.FragmentSize
		}
		u.limiter = rate.NewLimiter(rate.Limit(opts.UploadRate), burst)
	}

	return u
}

// enqueue never blocks; a full queue drops the request and the remote
// peer's timeout takes care of it.
func (u *uploader) enqueue(req wire.Request) {
	select {
	case u.queue <- req:
	default:
		u.log.Warn("Upload queue for %s full, dropping %s/%d/%d", u.peer.ID, req.Hash, req.Segment, req.Chunk)
	}
}

// stop cancels the chunk being served if it matches.
func (u *uploader) stop(msg wire.Stop) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.current != nil && *u.current == (chunkKey{msg.Hash, msg.Segment, msg.Chunk}) {
		u.stopped.Store(true)
	}
}

func (u *uploader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-u.queue:
			u.serve(ctx, req)
		}
	}
}

func (u *uploader) serve(ctx context.Context, req wire.Request) {
	m := u.manifest(req.Hash)
	if m == nil {
		u.log.Debug("Peer %s asked for unknown content %s", u.peer.ID, req.Hash)
		return
	}

	stream := m.Active()
	if req.Segment < 0 || req.Segment >= len(stream.Segments) || req.Chunk < 0 || req.Chunk >= m.ChunkCount(req.Segment) {
		u.log.Warn("Peer %s asked for out of range chunk %d/%d of %s", u.peer.ID, req.Segment, req.Chunk, req.Hash)
		return
	}

	offset, length := stream.ChunkRange(req.Segment, req.Chunk)
	data, err := u.storage.RetrieveSegment(ctx, req.Hash, req.Segment, offset, length)
	if err != nil {
		u.log.Debug("Cannot serve %s/%d/%d to %s: %v", req.Hash, req.Segment, req.Chunk, u.peer.ID, err)
		return
	}

	key := chunkKey{req.Hash, req.Segment, req.Chunk}
	u.mu.Lock()
	u.current = &key
	u.stopped.Store(false)
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.current = nil
		u.mu.Unlock()
	}()

	sent := 0
	for sent < len(data) {
		t := u.peer.Transport()
		if t == nil || t.State() != StateConnected {
			u.log.Debug("Transport to %s closed while serving %d/%d", u.peer.ID, req.Segment, req.Chunk)
			return
		}

		if u.stopped.Load() {
			u.log.Debug("Peer %s stopped %d/%d at offset %d", u.peer.ID, req.Segment, req.Chunk, sent)
			return
		}

		end := sent + u.fragmentSize
		if end > len(data) {
			end = len(data)
		}

		// Flow control: wait for the transport to drain and for upload budget
		if t.BufferedAmount() > 0 || (u.limiter != nil && !u.limiter.AllowN(time.Now(), end-sent)) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(u.poll):
			}
			continue
		}

		b, err := wire.EncodePeer(wire.Chunk{
			Hash:    req.Hash,
			Segment: req.Segment,
			Chunk:   req.Chunk,
			Offset:  sent,
			Data:    data[sent:end],
		})
		if err != nil {
			u.log.Error("Failed to encode chunk fragment: %v", err)
			return
		}

		if err := t.Send(b); err != nil {
			u.log.Debug("Send to %s failed: %v", u.peer.ID, err)
			return
		}
		sent = end
	}

	u.uploaded.Add(int64(len(data)))
	u.log.Debug("Served %s/%d/%d (%d bytes) to %s", req.Hash, req.Segment, req.Chunk, len(data), u.peer.ID)
}
