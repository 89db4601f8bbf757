// Package api exposes the scheduling core over HTTP for dashboards
// and tooling that don't hold a WebSocket open. It mirrors the wire
// protocol's operations as plain REST endpoints; the pull snapshot
// query lives at GET /v1/jobs.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/docubuild/foreman/engine"
	"github.com/docubuild/foreman/wire"
)

// API wires HTTP handlers over a running engine.
type API struct {
	eng    *engine.Engine
	ws     *wire.Server
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithWireServer mounts the WebSocket endpoint at /v1/ws.
func WithWireServer(ws *wire.Server) Option {
	return func(a *API) { a.ws = ws }
}

// New creates an API from an engine.
func New(eng *engine.Engine, logger *slog.Logger, opts ...Option) *API {
	a := &API{eng: eng, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a fully assembled gin engine with all routes.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes into the given router group.
func (a *API) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.POST("/jobs", a.submitJob)
	v1.GET("/jobs", a.listJobs)
	v1.GET("/jobs/:jobId", a.getJob)
	v1.POST("/jobs/:jobId/cancel", a.cancelJob)
	v1.POST("/jobs/:jobId/retry", a.retryJob)
	v1.PUT("/jobs/:jobId/priority", a.reprioritizeJob)
	v1.GET("/stats", a.stats)

	if a.ws != nil {
		v1.GET("/ws", gin.WrapH(a.ws))
	}
}
