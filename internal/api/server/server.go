// Package server builds the HTTP server that fronts the CDN.
package server

import (
	"net/http"
	"time"

	"github.com/wb-go/wbf/ginext"
)

// Timeouts sized for media traffic: request lines and headers stay small, but
// a single response may stream a full transcoded video, so writes get far
// longer than a typical API server would allow. WriteTimeout also bounds SSE
// connections; EventSource clients reconnect on their own when it trips.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 120 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// New wraps the router in an http.Server listening on addr.
func New(addr string, router *ginext.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
