package domain

import (
	"encoding/hex"

	"github.com/datallboy/goswarm/internal/checksum"
)

// ContentHash derives the content identity from every stream's init segment
// followed by every chunk checksum, in manifest order.
// Returns "" when the algorithm is unknown.
func ContentHash(algorithm string, streams []Stream) string {
	h, err := checksum.New(algorithm)
	if err != nil {
		return ""
	}

	for _, s := range streams {
		h.Write(s.Init)
		for _, seg := range s.Segments {
			for _, sum := range seg.Checksums {
				h.Write(sum)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
