package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStorage keeps each segment as a single value keyed by hash/segment.
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens a store in dir. An empty dir runs in memory.
func NewBadgerStorage(dir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStorage{db: db}, nil
}

func segmentKey(hash string, segment int) []byte {
	return []byte(fmt.Sprintf("seg/%s/%08d", hash, segment))
}

func (s *BadgerStorage) RetrieveSegment(ctx context.Context, hash string, segment int, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(hash, segment))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if int64(len(val)) < offset+length {
				return ErrNotFound
			}
			out = append([]byte(nil), val[offset:offset+length]...)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *BadgerStorage) StoreSegment(ctx context.Context, hash string, segment int, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := segmentKey(hash, segment)
	return s.db.Update(func(txn *badger.Txn) error {
		var current []byte
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if current, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if end := offset + int64(len(data)); int64(len(current)) < end {
			current = append(current, make([]byte, end-int64(len(current)))...)
		}
		copy(current[offset:], data)
		return txn.Set(key, current)
	})
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}
