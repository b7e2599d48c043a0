package controllers

import (
	"github.com/datallboy/goswarm/internal/store"
	"github.com/datallboy/goswarm/internal/swarm"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type SegmentInfo struct {
	Index    int   `json:"index"`
	Timecode int64 `json:"timecode"`
	Length   int64 `json:"length"`
	Chunks   int   `json:"chunks"`
}

type ContentResponse struct {
	swarm.HandleStatus
	Algorithm string                `json:"algorithm"`
	ChunkSize int64                 `json:"chunk_size"`
	Trackers  []string              `json:"trackers"`
	Layout    []SegmentInfo         `json:"layout"`
	Completed []store.SegmentRecord `json:"completed"`
}
