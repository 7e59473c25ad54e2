// Package enqueue handles externally submitted transcode requests arriving
// over Kafka.
package enqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/proximet/mediacdn/internal/directive"
	"github.com/proximet/mediacdn/internal/model"
)

// service enqueues jobs the same way the HTTP retrieval path does.
type service interface {
	EnsureVideoJob(ctx context.Context, req model.TransformRequest, priority model.Priority) (model.Job, bool, error)
}

// Request is the message payload: a file path plus the same directive
// string the CDN URL would carry.
type Request struct {
	FilePath  string `json:"file_path"`
	Directive string `json:"directive"`
	Priority  int    `json:"priority"`
}

// Handler processes enqueue messages.
type Handler struct {
	service service
}

// NewHandler creates a Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Handle parses the message and ensures a job exists for it.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("unmarshal enqueue request: %w", err)
	}

	if req.FilePath == "" {
		return fmt.Errorf("enqueue request without file path")
	}

	path := strings.Trim(req.FilePath, "/")
	if raw := strings.Trim(req.Directive, "/"); raw != "" {
		path = raw + "/" + path
	}

	parsed := directive.Parse(strings.Split(path, "/"))

	if _, _, err := h.service.EnsureVideoJob(ctx, parsed, model.Priority(req.Priority)); err != nil {
		return fmt.Errorf("ensure job: %w", err)
	}

	return nil
}
