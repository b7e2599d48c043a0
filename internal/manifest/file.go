package manifest

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
	"github.com/spf13/afero"

	"github.com/datallboy/goswarm/internal/domain"
)

func Encode(m *domain.Manifest) ([]byte, error) {
	return bencode.Marshal(m)
}

// Decode parses and validates a bencoded manifest.
func Decode(data []byte) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := bencode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func Load(fs afero.Fs, path string) (*domain.Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Decode(data)
}

func Save(fs afero.Fs, path string, m *domain.Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0644)
}

// ReadSegments loads an init segment and media segment files for Build.
func ReadSegments(fs afero.Fs, initPath string, segmentPaths []string) ([]byte, [][]byte, error) {
	var init []byte
	if initPath != "" {
		var err error
		if init, err = afero.ReadFile(fs, initPath); err != nil {
			return nil, nil, fmt.Errorf("read init segment: %w", err)
		}
	}

	segments := make([][]byte, len(segmentPaths))
	for i, p := range segmentPaths {
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return nil, nil, fmt.Errorf("read segment %d: %w", i, err)
		}
		segments[i] = data
	}
	return init, segments, nil
}
