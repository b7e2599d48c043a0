package domain

import (
	"fmt"
	"strings"

	"github.com/datallboy/goswarm/internal/checksum"
)

// MaxChunksPerSegment keeps a chunk index inside one byte.
const MaxChunksPerSegment = 256

// Manifest describes one content item. It is immutable once built and is
// shared read-only between the session and its handle.
type Manifest struct {
	Algorithm string   `json:"algorithm" bencode:"algorithm"`
	Hash      string   `json:"hash" bencode:"hash"`
	Streams   []Stream `json:"streams" bencode:"streams"`
	Trackers  []string `json:"trackers" bencode:"trackers"`
}

// Stream is one encoding of the content: an init segment followed by
// media segments cut into ChunkSize chunks.
type Stream struct {
	ChunkSize int64          `json:"chunk_size" bencode:"chunk_size"`
	Init      []byte         `json:"-" bencode:"init"`
	Segments  []MediaSegment `json:"segments" bencode:"segments"`
}

// MediaSegment carries the integrity ground truth for its chunks.
type MediaSegment struct {
	Timecode  int64    `json:"timecode" bencode:"timecode"` // milliseconds
	Length    int64    `json:"length" bencode:"length"`
	Checksums [][]byte `json:"-" bencode:"checksums"`
}

// Active is the stream the local bitmap is sized to.
func (m *Manifest) Active() *Stream {
	return &m.Streams[0]
}

// ChunkCount is the number of chunks in segment seg of the active stream.
func (m *Manifest) ChunkCount(seg int) int {
	return len(m.Active().Segments[seg].Checksums)
}

// ChunkCounts lists per-segment chunk counts of the active stream, in order.
func (m *Manifest) ChunkCounts() []int {
	segs := m.Active().Segments
	counts := make([]int, len(segs))
	for i, s := range segs {
		counts[i] = len(s.Checksums)
	}
	return counts
}

// ChunkRange returns the byte offset and length of a chunk inside its segment.
// The last chunk is truncated to the segment's remainder.
func (s *Stream) ChunkRange(seg, chunk int) (offset, length int64) {
	segment := s.Segments[seg]
	offset = int64(chunk) * s.ChunkSize
	end := offset + s.ChunkSize
	if end > segment.Length {
		end = segment.Length
	}
	return offset, end - offset
}

// TotalLength sums every segment length of the stream.
func (s *Stream) TotalLength() int64 {
	var total int64
	for _, seg := range s.Segments {
		total += seg.Length
	}
	return total
}

// Validate checks the structural invariants a decoded manifest must satisfy.
func (m *Manifest) Validate() error {
	if m.Algorithm == "" {
		return fmt.Errorf("%w: missing checksum algorithm", ErrInvalidManifest)
	}
	digest, err := checksum.New(m.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Hash == "" {
		return fmt.Errorf("%w: missing content hash", ErrInvalidManifest)
	}
	if len(m.Streams) == 0 {
		return fmt.Errorf("%w: no streams", ErrInvalidManifest)
	}

	for si, s := range m.Streams {
		if s.ChunkSize <= 0 || s.ChunkSize&(s.ChunkSize-1) != 0 {
			return fmt.Errorf("%w: stream %d chunk size %d is not a power of two", ErrInvalidManifest, si, s.ChunkSize)
		}
		for i, seg := range s.Segments {
			if len(seg.Checksums) > MaxChunksPerSegment {
				return fmt.Errorf("%w: stream %d segment %d has %d chunks, max %d",
					ErrInvalidManifest, si, i, len(seg.Checksums), MaxChunksPerSegment)
			}
			if seg.Length < 0 {
				return fmt.Errorf("%w: stream %d segment %d has negative length %d", ErrInvalidManifest, si, i, seg.Length)
			}
			// every chunk but the last is full, the last holds at least one byte
			n := int64(len(seg.Checksums))
			if seg.Length > n*s.ChunkSize || (n > 0 && seg.Length <= (n-1)*s.ChunkSize) {
				return fmt.Errorf("%w: stream %d segment %d length %d does not fit %d checksums of chunk size %d",
					ErrInvalidManifest, si, i, seg.Length, n, s.ChunkSize)
			}
			for c, sum := range seg.Checksums {
				if len(sum) != digest.Size() {
					return fmt.Errorf("%w: stream %d segment %d chunk %d checksum is %d bytes, want %d",
						ErrInvalidManifest, si, i, c, len(sum), digest.Size())
				}
			}
		}
	}

	if got := ContentHash(m.Algorithm, m.Streams); !strings.EqualFold(got, m.Hash) {
		return fmt.Errorf("%w: content hash %s does not match derived %s", ErrInvalidManifest, m.Hash, got)
	}

	return nil
}
