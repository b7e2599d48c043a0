package swarm

// PendingRequest is one chunk the handle still has to obtain. All requests of
// a segment share that segment's buffer and write disjoint ranges of it.
type PendingRequest struct {
	Hash    string
	Segment int
	Chunk   int

	bit      int
	fetch    *segmentFetch
	offset   int64
	length   int64
	received int64

	peer  *PeerRecord
	timer Timer
	// gen invalidates timers armed before the last detach or refresh
	gen uint64

	done bool
}

// Peer returns the peer currently serving the request, if any.
func (r *PendingRequest) Peer() *PeerRecord {
	return r.peer
}

func (r *PendingRequest) slice() []byte {
	return r.fetch.buf[r.offset : r.offset+r.length]
}

// SegmentCallback receives the assembled segment or the error that ended it.
// It runs on the handle's goroutine and must not block.
type SegmentCallback func(data []byte, err error)

type fetchState int

const (
	fetchLoading fetchState = iota
	fetchActive
	fetchPersisting
)

// segmentFetch is one in-flight segment and everyone waiting for it.
type segmentFetch struct {
	index    int
	state    fetchState
	buf      []byte
	requests []*PendingRequest
	// completed lists verified chunk indices in completion order
	completed []int
	waiters   []SegmentCallback
}
