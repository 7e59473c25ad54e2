// Package media provides the business logic of the transform-and-serve
// pipeline: the synchronous image path, the asynchronous video path, and
// the worker-side job processing.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/cache"
	"github.com/proximet/mediacdn/internal/directive"
	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/pipeline"
	"github.com/proximet/mediacdn/internal/transcoder"
)

// ErrNotFound is returned when the target path does not exist in source
// storage. It is distinct from a job error: not_found means no asset, not a
// failed transform.
var ErrNotFound = errors.New("asset not found")

// videoExtensions marks target paths that take the asynchronous path.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".m4v":  true,
}

// SourceStore reads original assets.
type SourceStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
}

// resolver is the two-tier cache.
type resolver interface {
	Resolve(ctx context.Context, key, contentType string, compute cache.ComputeFunc) ([]byte, cache.Origin, error)
	Entry(key string) cache.Entry
	Load(key string) ([]byte, error)
}

// transformer is the still-image pipeline.
type transformer interface {
	Apply(src []byte, req model.TransformRequest) ([]byte, error)
}

// videoTranscoder is the external-tool video pipeline.
type videoTranscoder interface {
	Transcode(ctx context.Context, src []byte, req model.TransformRequest, progress transcoder.ProgressFunc) ([]byte, error)
}

// Queue is the async job lifecycle owner.
type Queue interface {
	Ensure(ctx context.Context, filePath, rawDirective, cacheKey string, priority model.Priority, artifactCached bool) (model.Job, bool, error)
	GetByCacheKey(ctx context.Context, key string) (model.Job, error)
	Progress(ctx context.Context, id uuid.UUID, progress int)
}

// Service wires the parser output to the cache, pipeline, transcoder and
// queue. Handlers stay thin on top of it.
type Service struct {
	source    SourceStore
	cache     resolver
	pipeline  transformer
	transcode videoTranscoder
	queue     Queue
}

// Status is the payload of the video status query.
type Status struct {
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

const StatusNotFound = "not_found"

// NewService creates a Service.
func NewService(source SourceStore, c resolver, p transformer, t videoTranscoder, q Queue) *Service {
	return &Service{
		source:    source,
		cache:     c,
		pipeline:  p,
		transcode: t,
		queue:     q,
	}
}

// IsVideo reports whether the target path takes the asynchronous path.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// ServeImage resolves the transformed bytes for a still image, computing
// inline on a cache miss. A missing source produces ErrNotFound and no
// cache entry.
func (s *Service) ServeImage(ctx context.Context, req model.TransformRequest) ([]byte, cache.Origin, error) {
	key := cache.Key(req)

	return s.cache.Resolve(ctx, key, pipeline.MediaType(req), func(ctx context.Context) ([]byte, error) {
		src, err := s.loadSource(ctx, req.TargetPath)
		if err != nil {
			return nil, err
		}

		if !req.HasOperations() {
			return src, nil
		}
		return s.pipeline.Apply(src, req)
	})
}

// CachedArtifact returns the transcoded bytes for a video request when the
// cache already holds them.
func (s *Service) CachedArtifact(req model.TransformRequest) ([]byte, bool) {
	key := cache.Key(req)
	if !s.cache.Entry(key).Exists {
		return nil, false
	}

	data, err := s.cache.Load(key)
	if err != nil {
		zlog.Logger.Err(err).Str("key", key).Msg("failed to load cached artifact")
		return nil, false
	}
	return data, true
}

// EnsureVideoJob returns the live job for a video request, enqueueing one
// when none exists for the (path, directive) combination in a non-terminal
// or freshly-completed-and-cached state. The source must exist.
func (s *Service) EnsureVideoJob(ctx context.Context, req model.TransformRequest, priority model.Priority) (model.Job, bool, error) {
	exists, err := s.source.Exists(ctx, req.TargetPath)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("failed to check source: %w", err)
	}
	if !exists {
		return model.Job{}, false, ErrNotFound
	}

	key := cache.Key(req)
	return s.queue.Ensure(ctx, req.TargetPath, req.RawDirective, key, priority, s.cache.Entry(key).Exists)
}

// VideoStatus reports the job state for a video request. A cached artifact
// with no job record still reports completed; no job and no artifact is
// not_found, distinct from error.
func (s *Service) VideoStatus(ctx context.Context, req model.TransformRequest) Status {
	key := cache.Key(req)

	job, err := s.queue.GetByCacheKey(ctx, key)
	if err != nil {
		if s.cache.Entry(key).Exists {
			return Status{Status: string(model.StatusCompleted)}
		}
		return Status{Status: StatusNotFound}
	}

	st := Status{Status: string(job.Status)}
	if job.Status == model.StatusProcessing || job.Status == model.StatusCompleted {
		p := job.Progress
		st.Progress = &p
	}
	if job.Status == model.StatusError {
		st.Error = job.Error
	}
	return st
}

// ProcessJob runs a claimed transcode job through the cache tier, so the
// artifact lands in both tiers and concurrent requests coalesce onto this
// computation.
func (s *Service) ProcessJob(ctx context.Context, job model.Job) error {
	raw := strings.Trim(job.Directive, "/")
	path := strings.Trim(job.FilePath, "/")
	if raw != "" {
		path = raw + "/" + path
	}
	req := directive.Parse(strings.Split(path, "/"))

	key := cache.Key(req)
	_, _, err := s.cache.Resolve(ctx, key, pipeline.MediaType(req), func(ctx context.Context) ([]byte, error) {
		src, err := s.loadSource(ctx, job.FilePath)
		if err != nil {
			return nil, err
		}

		return s.transcode.Transcode(ctx, src, req, func(pct int) {
			s.queue.Progress(ctx, job.ID, pct)
		})
	})
	return err
}

func (s *Service) loadSource(ctx context.Context, path string) ([]byte, error) {
	exists, err := s.source.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to check source: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	rc, err := s.source.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	return data, nil
}
