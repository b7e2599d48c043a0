// Package bitmap holds the chunk ownership vector of one content item.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	kbitmap "github.com/kelindar/bitmap"
)

const wordBits = 64

// Bitmap is a fixed-length ownership vector backed by 64-bit words.
// Bits past Len always read zero.
type Bitmap struct {
	words kbitmap.Bitmap
	n     int
}

// New returns an all-clear bitmap of n bits.
func New(n int) Bitmap {
	return Bitmap{words: make(kbitmap.Bitmap, (n+wordBits-1)/wordBits), n: n}
}

// Len is the number of addressable bits.
func (b Bitmap) Len() int { return b.n }

// Get reports whether bit i is set.
func (b Bitmap) Get(i int) bool {
	b.check(i)
	return b.words.Contains(uint32(i))
}

// Set marks bit i.
func (b *Bitmap) Set(i int) {
	b.check(i)
	b.words.Set(uint32(i))
}

// Clear unmarks bit i.
func (b *Bitmap) Clear(i int) {
	b.check(i)
	b.words.Remove(uint32(i))
}

// Count returns the number of set bits.
func (b Bitmap) Count() int {
	return b.words.Count()
}

// Full reports whether every addressable bit is set.
func (b Bitmap) Full() bool {
	return b.Count() == b.n
}

// Clone returns an independent copy.
func (b Bitmap) Clone() Bitmap {
	return Bitmap{words: append(kbitmap.Bitmap(nil), b.words...), n: b.n}
}

// Bytes encodes the words little-endian for the wire.
func (b Bitmap) Bytes() []byte {
	out := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// FromBytes decodes a wire bitmap of n bits. Missing words read as zero and
// bits past n are dropped so the trailing-zero invariant holds.
func FromBytes(n int, data []byte) Bitmap {
	b := New(n)
	for i := range b.words {
		if (i+1)*8 > len(data) {
			break
		}
		b.words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	if rem := n % wordBits; rem != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (uint64(1) << rem) - 1
	}
	return b
}

// HasSomethingTheyLack reports whether mine holds any bit that theirs does not.
// It stops at the first such word.
func HasSomethingTheyLack(mine, theirs Bitmap) bool {
	for i, w := range mine.words {
		var t uint64
		if i < len(theirs.words) {
			t = theirs.words[i]
		}
		if w&^t != 0 {
			return true
		}
	}
	return false
}

// Missing calls fn for every clear bit below Len, in order.
func (b Bitmap) Missing(fn func(i int)) {
	for wi, w := range b.words {
		inv := ^w
		for inv != 0 {
			bit := wi*wordBits + bits.TrailingZeros64(inv)
			if bit >= b.n {
				return
			}
			fn(bit)
			inv &= inv - 1
		}
	}
}

func (b Bitmap) check(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("bitmap: index %d out of range [0,%d)", i, b.n))
	}
}
