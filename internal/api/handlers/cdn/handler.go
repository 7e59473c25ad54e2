// Package cdn implements the transform-and-serve retrieval path:
// GET /<transform-directives>/<assetPath>.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/api/respond"
	"github.com/proximet/mediacdn/internal/cache"
	"github.com/proximet/mediacdn/internal/directive"
	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/pipeline"
	"github.com/proximet/mediacdn/internal/service/media"
)

// service is the subset of the media service the retrieval path needs.
type service interface {
	ServeImage(ctx context.Context, req model.TransformRequest) ([]byte, cache.Origin, error)
	CachedArtifact(req model.TransformRequest) ([]byte, bool)
	EnsureVideoJob(ctx context.Context, req model.TransformRequest, priority model.Priority) (model.Job, bool, error)
	VideoStatus(ctx context.Context, req model.TransformRequest) media.Status
}

// Handler serves the CDN retrieval path.
type Handler struct {
	service service
}

// NewHandler creates a Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Serve dispatches a retrieval request: images transform inline, videos
// enqueue a job and return a status payload until the artifact is cached.
func (h *Handler) Serve(c *ginext.Context) {
	// Retrieval is read-only. Serve is the catch-all route, so it sees
	// every method; anything but GET/HEAD is rejected here.
	if m := c.Request.Method; m != http.MethodGet && m != http.MethodHead {
		c.Header("Allow", "GET, HEAD")
		respond.Fail(c, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", m))
		return
	}

	segments := splitPath(c.Request.URL.Path)
	if len(segments) == 0 {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("no asset path"))
		return
	}

	req := directive.Parse(segments)
	if req.TargetPath == "" {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("no asset path"))
		return
	}

	if media.IsVideo(req.TargetPath) {
		h.serveVideo(c, req)
		return
	}

	h.serveImage(c, req)
}

func (h *Handler) serveImage(c *ginext.Context, req model.TransformRequest) {
	data, origin, err := h.service.ServeImage(c.Request.Context(), req)
	if err != nil {
		h.fail(c, req, err)
		return
	}

	zlog.Logger.Debug().
		Str("path", req.TargetPath).
		Str("origin", string(origin)).
		Int("size", len(data)).
		Msg("serving image")

	respond.Media(c, http.StatusOK, pipeline.MediaType(req), data)
}

func (h *Handler) serveVideo(c *ginext.Context, req model.TransformRequest) {
	if data, ok := h.service.CachedArtifact(req); ok {
		respond.Media(c, http.StatusOK, pipeline.MediaType(req), data)
		return
	}

	job, created, err := h.service.EnsureVideoJob(c.Request.Context(), req, priorityFrom(c))
	if err != nil {
		h.fail(c, req, err)
		return
	}

	if created {
		zlog.Logger.Info().
			Str("job", job.ID.String()).
			Str("path", req.TargetPath).
			Msg("transcode job enqueued for request")
	}

	respond.Accepted(c, h.service.VideoStatus(c.Request.Context(), req))
}

func (h *Handler) fail(c *ginext.Context, req model.TransformRequest, err error) {
	switch {
	case errors.Is(err, media.ErrNotFound):
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("asset not found: %s", req.TargetPath))
	case errors.Is(err, pipeline.ErrInvalidParameter):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		respond.Fail(c, http.StatusUnsupportedMediaType, err)
	default:
		zlog.Logger.Err(err).Str("path", req.TargetPath).Msg("failed to serve asset")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to serve asset"))
	}
}

// priorityFrom reads the optional priority query parameter (1=high,
// 2=normal, 3=low). Anything else falls back to normal.
func priorityFrom(c *ginext.Context) model.Priority {
	switch c.Query("priority") {
	case "1", "high":
		return model.PriorityHigh
	case "3", "low":
		return model.PriorityLow
	default:
		return model.PriorityNormal
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
