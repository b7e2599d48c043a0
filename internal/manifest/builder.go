// Package manifest builds and (de)serializes content manifests.
package manifest

import (
	"fmt"
	"time"

	"github.com/datallboy/goswarm/internal/checksum"
	"github.com/datallboy/goswarm/internal/domain"
)

// MinChunkSize is the smallest chunk size the builder picks.
const MinChunkSize = 16 * 1024

type Options struct {
	Algorithm string
	Trackers  []string
	// SegmentDuration spaces segment timecodes when none are given
	SegmentDuration time.Duration
	// ChunkSize overrides the automatic choice, must be a power of two
	ChunkSize int64
}

// ChooseChunkSize returns the smallest power of two, at least MinChunkSize,
// that keeps every segment within domain.MaxChunksPerSegment chunks.
func ChooseChunkSize(maxSegmentLength int64) int64 {
	size := int64(MinChunkSize)
	for (maxSegmentLength+size-1)/size > domain.MaxChunksPerSegment {
		size <<= 1
	}
	return size
}

// Build derives a single-stream manifest from an init segment and ordered
// media segments. timecodes may be nil.
func Build(opts Options, init []byte, segments [][]byte, timecodes []int64) (*domain.Manifest, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", domain.ErrInvalidManifest)
	}
	if timecodes != nil && len(timecodes) != len(segments) {
		return nil, fmt.Errorf("%w: %d timecodes for %d segments", domain.ErrInvalidManifest, len(timecodes), len(segments))
	}

	algo := opts.Algorithm
	if algo == "" {
		algo = checksum.Default
	}
	if _, err := checksum.New(algo); err != nil {
		return nil, err
	}

	var longest int64
	for _, s := range segments {
		if int64(len(s)) > longest {
			longest = int64(len(s))
		}
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = ChooseChunkSize(longest)
	}

	stream := domain.Stream{
		ChunkSize: chunkSize,
		Init:      init,
		Segments:  make([]domain.MediaSegment, len(segments)),
	}

	for i, data := range segments {
		seg := domain.MediaSegment{Length: int64(len(data))}
		if timecodes != nil {
			seg.Timecode = timecodes[i]
		} else {
			seg.Timecode = int64(i) * opts.SegmentDuration.Milliseconds()
		}

		for off := int64(0); off < seg.Length; off += chunkSize {
			end := off + chunkSize
			if end > seg.Length {
				end = seg.Length
			}
			sum, err := checksum.Sum(algo, data[off:end])
			if err != nil {
				return nil, err
			}
			seg.Checksums = append(seg.Checksums, sum)
		}
		stream.Segments[i] = seg
	}

	m := &domain.Manifest{
		Algorithm: algo,
		Streams:   []domain.Stream{stream},
		Trackers:  opts.Trackers,
	}
	m.Hash = domain.ContentHash(algo, m.Streams)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
