package store

import (
	"time"

	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/manifest"
)

// manifestDBO maps to the manifests table
type manifestDBO struct {
	Hash       string `db:"hash"`
	Algorithm  string `db:"algorithm"`
	Segments   int    `db:"segments"`
	TotalBytes int64  `db:"total_bytes"`
	Data       []byte `db:"data"`
	CreatedAt  int64  `db:"created_at"`
}

// Mapper: DBO to Domain Manifest
func (r *manifestDBO) ToDomain() (*domain.Manifest, error) {
	return manifest.Decode(r.Data)
}

// Mapper: Domain Manifest to DBO
func (r *manifestDBO) FromDomain(m *domain.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}

	r.Hash = m.Hash
	r.Algorithm = m.Algorithm
	r.Segments = len(m.Active().Segments)
	r.TotalBytes = m.Active().TotalLength()
	r.Data = data
	r.CreatedAt = time.Now().Unix()
	return nil
}

// SegmentRecord is one completed segment as stored.
type SegmentRecord struct {
	Hash        string    `json:"hash"`
	Segment     int       `json:"segment"`
	Length      int64     `json:"length"`
	CompletedAt time.Time `json:"completed_at"`
}
