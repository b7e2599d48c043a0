package bitmap

import "fmt"

// Layout maps (segment, chunk) to a linear bit in segment-major, chunk-minor
// order. It is derived once from the manifest's active stream.
type Layout struct {
	offsets []int
	counts  []int
	total   int
}

// NewLayout walks the per-segment chunk counts in manifest order.
func NewLayout(chunkCounts []int) *Layout {
	l := &Layout{
		offsets: make([]int, len(chunkCounts)),
		counts:  append([]int(nil), chunkCounts...),
	}
	for i, n := range chunkCounts {
		l.offsets[i] = l.total
		l.total += n
	}
	return l
}

// Len is the total chunk count across every segment.
func (l *Layout) Len() int { return l.total }

// Segments is the number of segments covered.
func (l *Layout) Segments() int { return len(l.counts) }

// Chunks is the chunk count of one segment.
func (l *Layout) Chunks(segment int) int { return l.counts[segment] }

// Bit returns the linear bit index of a chunk.
func (l *Layout) Bit(segment, chunk int) int {
	if segment < 0 || segment >= len(l.counts) || chunk < 0 || chunk >= l.counts[segment] {
		panic(fmt.Sprintf("bitmap: chunk (%d,%d) out of range", segment, chunk))
	}
	return l.offsets[segment] + chunk
}

// Index returns the word and bit offset holding a chunk's ownership bit.
func (l *Layout) Index(segment, chunk int) (word int, bitOffset uint) {
	bit := l.Bit(segment, chunk)
	return bit / wordBits, uint(bit % wordBits)
}

// Locate is the inverse of Bit.
func (l *Layout) Locate(bit int) (segment, chunk int) {
	if bit < 0 || bit >= l.total {
		panic(fmt.Sprintf("bitmap: bit %d out of range", bit))
	}
	for i := len(l.offsets) - 1; i >= 0; i-- {
		if l.offsets[i] <= bit && l.counts[i] > 0 {
			return i, bit - l.offsets[i]
		}
	}
	panic("bitmap: unreachable")
}
