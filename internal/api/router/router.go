package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/proximet/mediacdn/internal/api/handlers/cdn"
	"github.com/proximet/mediacdn/internal/api/handlers/events"
	"github.com/proximet/mediacdn/internal/api/handlers/jobs"
	"github.com/proximet/mediacdn/internal/middleware"
)

// Setup builds the route tree. The CDN retrieval path is the catch-all: any
// path that is not a reserved endpoint is treated as directives + asset.
func Setup(cdnHandler *cdn.Handler, jobsHandler *jobs.Handler, eventsHandler *events.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", func(c *ginext.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	r.GET("/video-status/*path", jobsHandler.VideoStatus)

	q := r.Group("/queue")

	q.GET("/stats", jobsHandler.Stats)          // counts by status
	q.GET("/jobs", jobsHandler.List)            // ordered job list
	q.POST("/jobs/:id/retry", jobsHandler.Retry)
	q.POST("/jobs/:id/cancel", jobsHandler.Cancel)
	q.DELETE("/jobs/:id", jobsHandler.Delete)

	r.GET("/events", eventsHandler.Stream)

	// The retrieval path owns the rest of the URL space.
	r.NoRoute(cdnHandler.Serve)

	return r
}
