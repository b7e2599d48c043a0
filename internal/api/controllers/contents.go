package controllers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/goswarm/internal/app"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/manifest"
)

const maxManifestSize = 64 << 20

type ContentController struct {
	App *app.Context
}

// List returns the status of every content item the session holds
func (ctrl *ContentController) List(c *echo.Context) error {
	handles := ctrl.App.Session.Handles()

	out := make([]any, 0, len(handles))
	for _, h := range handles {
		st, err := h.Status()
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *ContentController) Get(c *echo.Context) error {
	h, ok := ctrl.App.Session.Handle(c.Param("hash"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown content"})
	}

	st, err := h.Status()
	if err != nil {
		return c.JSON(http.StatusGone, ErrorResponse{Error: err.Error()})
	}

	m := h.Manifest()
	stream := m.Active()
	resp := ContentResponse{
		HandleStatus: st,
		Algorithm:    m.Algorithm,
		ChunkSize:    stream.ChunkSize,
		Trackers:     m.Trackers,
		Layout:       make([]SegmentInfo, len(stream.Segments)),
	}
	for i, seg := range stream.Segments {
		resp.Layout[i] = SegmentInfo{Index: i, Timecode: seg.Timecode, Length: seg.Length, Chunks: len(seg.Checksums)}
	}

	if ctrl.App.Store != nil {
		resp.Completed, err = ctrl.App.Store.CompletedSegments(c.Request().Context(), m.Hash)
		if err != nil {
			ctrl.App.Logger.Warn("Failed to load completed segments of %s: %v", m.Hash, err)
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// Segment streams one segment, waiting for the swarm if it is not local yet
func (ctrl *ContentController) Segment(c *echo.Context) error {
	h, ok := ctrl.App.Session.Handle(c.Param("hash"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown content"})
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "segment index must be a number"})
	}

	data, err := h.FetchSegment(c.Request().Context(), index)
	if err != nil {
		if errors.Is(err, domain.ErrSegmentOutOfRange) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}

	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// AddManifest accepts a bencoded manifest and starts serving it
func (ctrl *ContentController) AddManifest(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxManifestSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	m, err := manifest.Decode(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	h, err := ctrl.App.Session.AddManifest(c.Request().Context(), m)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	}

	st, err := h.Status()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, st)
}

func (ctrl *ContentController) Delete(c *echo.Context) error {
	err := ctrl.App.Session.RemoveManifest(c.Request().Context(), c.Param("hash"))
	if errors.Is(err, domain.ErrUnknownContent) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown content"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *ContentController) Refresh(c *echo.Context) error {
	if err := ctrl.App.Session.Refresh(c.Param("hash")); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown content"})
	}
	return c.NoContent(http.StatusAccepted)
}
