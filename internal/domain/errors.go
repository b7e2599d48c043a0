package domain

import "errors"

// ErrInvalidManifest indicates a manifest that violates its own layout
var ErrInvalidManifest = errors.New("invalid manifest")

// ErrUnknownContent indicates a content hash with no session handle
var ErrUnknownContent = errors.New("unknown content hash")

// ErrSegmentOutOfRange indicates a segment index past the active stream
var ErrSegmentOutOfRange = errors.New("segment index out of range")

// ErrChecksumMismatch indicates bytes that do not digest to the manifest value
var ErrChecksumMismatch = errors.New("checksum mismatch")
