package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/afero"
)

type fileHandle struct {
	mu   sync.Mutex
	file afero.File
}

// FileStorage keeps one file per segment under dir/<hash>/<segment>.seg.
type FileStorage struct {
	fs  afero.Fs
	dir string

	mu      sync.RWMutex
	handles map[string]*fileHandle
}

func NewFileStorage(fs afero.Fs, dir string) (*FileStorage, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FileStorage{
		fs:      fs,
		dir:     dir,
		handles: make(map[string]*fileHandle),
	}, nil
}

func (s *FileStorage) path(hash string, segment int) string {
	return filepath.Join(s.dir, hash, strconv.Itoa(segment)+".seg")
}

func (s *FileStorage) RetrieveSegment(ctx context.Context, hash string, segment int, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(hash, segment)
	if _, err := s.fs.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	h, err := s.getOrOpen(path)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < offset+length {
		return nil, ErrNotFound
	}

	buf := make([]byte, length)
	if _, err := h.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read segment %d: %w", segment, err)
	}
	return buf, nil
}

func (s *FileStorage) StoreSegment(ctx context.Context, hash string, segment int, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Join(s.dir, hash), 0755); err != nil {
		return fmt.Errorf("failed to create content dir: %w", err)
	}

	h, err := s.getOrOpen(s.path(hash, segment))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write segment %d: %w", segment, err)
	}
	return h.file.Sync()
}

func (s *FileStorage) getOrOpen(path string) (*fileHandle, error) {
	// Read-Lock: Check if handle exists
	s.mu.RLock()
	h, ok := s.handles[path]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok = s.handles[path]; ok {
		return h, nil
	}

	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open segment file: %w", err)
	}

	h = &fileHandle{file: f}
	s.handles[path] = h
	return h, nil
}

// Close releases every open handle.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for path, h := range s.handles {
		h.mu.Lock()
		if err := h.file.Close(); err != nil {
			errs = append(errs, err)
		}
		h.mu.Unlock()
		delete(s.handles, path)
	}
	return errors.Join(errs...)
}
