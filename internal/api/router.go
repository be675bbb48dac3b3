package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/collabd/internal/app"
	iauth "github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/internal/directory"
	"github.com/charlesng35/collabd/internal/handlers"
	"github.com/charlesng35/collabd/internal/middleware"
	"github.com/charlesng35/collabd/internal/transport"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Directory *directory.Directory
	Loop      handlers.Loop
	Tokens    *iauth.TokenService
	Upgrader  *transport.Upgrader
	Config    *app.Config
}

// NewRouter builds the Gin engine, wires middleware and registers the routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	upgrader := deps.Upgrader
	if upgrader == nil {
		upgrader = transport.NewUpgrader(deps.Config.Sessions.TransportOptions())
	}

	documents, err := handlers.NewDocumentHandler(deps.Directory, deps.Loop)
	if err != nil {
		return nil, err
	}
	realtime, err := handlers.NewRealtimeHandler(deps.Directory, deps.Loop, upgrader)
	if err != nil {
		return nil, err
	}
	tokens, err := handlers.NewTokenHandler(deps.Tokens)
	if err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	cfg := deps.Config
	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health(deps.Directory, deps.Loop))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	authenticate := middleware.Auth(deps.Tokens, cfg.Auth.Required)

	r.GET("/ws/:document", authenticate, realtime.Stream)

	api := r.Group("/api")
	api.Use(authenticate)
	{
		api.GET("/documents", documents.List)
		api.GET("/documents/:document", documents.Get)
		api.POST("/documents/:document/users", middleware.RequireAdmin(), documents.Join)
		api.DELETE("/documents/:document", middleware.RequireAdmin(), documents.Release)
		api.POST("/tokens", middleware.RequireAdmin(), tokens.Issue)
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
