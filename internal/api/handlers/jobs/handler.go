// Package jobs exposes queue administration and the video status query.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/api/respond"
	"github.com/proximet/mediacdn/internal/directive"
	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/queue"
	"github.com/proximet/mediacdn/internal/service/media"
)

// manager is the queue surface the admin endpoints drive.
type manager interface {
	Cancel(ctx context.Context, id uuid.UUID) (model.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (model.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, status model.Status, limit int) ([]model.Job, error)
	Stats(ctx context.Context) (map[model.Status]int, error)
}

// statusReader answers the video status query.
type statusReader interface {
	VideoStatus(ctx context.Context, req model.TransformRequest) media.Status
}

// Handler provides HTTP handlers for queue administration.
type Handler struct {
	manager manager
	status  statusReader
}

// NewHandler creates a Handler.
func NewHandler(m manager, s statusReader) *Handler {
	return &Handler{manager: m, status: s}
}

// Stats returns job counts grouped by status.
func (h *Handler) Stats(c *ginext.Context) {
	counts, err := h.manager.Stats(c.Request.Context())
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to read queue stats")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to read queue stats"))
		return
	}

	respond.OK(c, counts)
}

// List returns jobs ordered newest first, optionally filtered by
// ?status= and capped by ?limit=.
func (h *Handler) List(c *ginext.Context) {
	status := model.Status(c.Query("status"))

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	list, err := h.manager.List(c.Request.Context(), status, limit)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to list jobs")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to list jobs"))
		return
	}

	respond.OK(c, list)
}

// Retry re-enters a failed job into the schedulable pool.
func (h *Handler) Retry(c *ginext.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.manager.Retry(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.OK(c, job)
}

// Cancel stops a job that has not been claimed yet.
func (h *Handler) Cancel(c *ginext.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.manager.Cancel(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.OK(c, job)
}

// Delete removes a terminal job record.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.manager.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// VideoStatus reports the job state for a video path. The path may carry
// the same transform directives as the retrieval URL.
func (h *Handler) VideoStatus(c *ginext.Context) {
	segments := splitParam(c.Param("path"))
	if len(segments) == 0 {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}

	req := directive.Parse(segments)
	st := h.status.VideoStatus(c.Request.Context(), req)

	status := http.StatusOK
	if st.Status == media.StatusNotFound {
		status = http.StatusNotFound
	}
	respond.JSON(c, status, st)
}

func (h *Handler) jobID(c *ginext.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid job id: %v", err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *ginext.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
	case errors.Is(err, queue.ErrInvalidTransition):
		respond.Conflict(c, err)
	default:
		zlog.Logger.Err(err).Msg("queue operation failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("queue operation failed"))
	}
}

func splitParam(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
