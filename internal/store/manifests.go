package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/goswarm/internal/domain"
)

// SaveManifest inserts a manifest, keeping the original created_at on re-adds.
func (s *PersistentStore) SaveManifest(ctx context.Context, m *domain.Manifest) error {
	var dbo manifestDBO
	if err := dbo.FromDomain(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO manifests (hash, algorithm, segments, total_bytes, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			algorithm = excluded.algorithm,
			segments = excluded.segments,
			total_bytes = excluded.total_bytes,
			data = excluded.data`),
		dbo.Hash, dbo.Algorithm, dbo.Segments, dbo.TotalBytes, dbo.Data, dbo.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save manifest %s: %w", m.Hash, err)
	}
	return nil
}

// ListManifests returns every stored manifest, oldest first.
// Rows that no longer decode are skipped.
func (s *PersistentStore) ListManifests(ctx context.Context) ([]*domain.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT hash, data FROM manifests ORDER BY created_at ASC, hash ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	var out []*domain.Manifest
	for rows.Next() {
		var dbo manifestDBO
		if err := rows.Scan(&dbo.Hash, &dbo.Data); err != nil {
			return nil, err
		}

		m, err := dbo.ToDomain()
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetManifest returns nil, nil when the hash is unknown.
func (s *PersistentStore) GetManifest(ctx context.Context, hash string) (*domain.Manifest, error) {
	var dbo manifestDBO
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT hash, data FROM manifests WHERE hash = ? LIMIT 1"), hash).
		Scan(&dbo.Hash, &dbo.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	return dbo.ToDomain()
}

func (s *PersistentStore) DeleteManifest(ctx context.Context, hash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM completed_segments WHERE hash = ?"), hash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM manifests WHERE hash = ?"), hash); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSegmentComplete records a persisted segment. Repeats are ignored.
func (s *PersistentStore) MarkSegmentComplete(ctx context.Context, hash string, segment int, length int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO completed_segments (hash, segment, length, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash, segment) DO NOTHING`),
		hash, segment, length, time.Now().Unix(),
	)
	return err
}

// CompletedSegments lists completed segments of one manifest, by index.
func (s *PersistentStore) CompletedSegments(ctx context.Context, hash string) ([]SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT hash, segment, length, completed_at
		FROM completed_segments
		WHERE hash = ?
		ORDER BY segment ASC`), hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRecord
	for rows.Next() {
		var rec SegmentRecord
		var completedAt int64
		if err := rows.Scan(&rec.Hash, &rec.Segment, &rec.Length, &completedAt); err != nil {
			return nil, err
		}
		rec.CompletedAt = time.Unix(completedAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}
