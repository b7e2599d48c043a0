// Package storage persists verified segment bytes per content hash.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// ErrNotFound indicates the requested range is not (fully) stored.
var ErrNotFound = errors.New("segment not stored")

type Storage interface {
	// RetrieveSegment returns length bytes starting at offset, or ErrNotFound
	// when the range is not present.
	RetrieveSegment(ctx context.Context, hash string, segment int, offset, length int64) ([]byte, error)
	StoreSegment(ctx context.Context, hash string, segment int, offset int64, data []byte) error
	Close() error
}

// Open builds the backend named in the configuration.
func Open(backend, dir string) (Storage, error) {
	switch backend {
	case "fs":
		return NewFileStorage(afero.NewOsFs(), dir)
	case "memory":
		return NewFileStorage(afero.NewMemMapFs(), "/")
	case "badger":
		return NewBadgerStorage(dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
