package server

import (
	"testing"
	"time"

	"github.com/wb-go/wbf/ginext"
)

func TestNewConfiguresMediaTimeouts(t *testing.T) {
	r := ginext.New()
	s := New(":8080", r)

	if s.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", s.Addr)
	}
	if s.Handler == nil {
		t.Fatal("Handler is nil")
	}
	if s.WriteTimeout < time.Minute {
		t.Errorf("WriteTimeout = %v, too short for streaming a transcoded video", s.WriteTimeout)
	}
	if s.ReadHeaderTimeout <= 0 || s.IdleTimeout <= 0 || s.ReadTimeout <= 0 {
		t.Error("all timeouts must be set")
	}
}
