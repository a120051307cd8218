package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/app"
	"github.com/charlesng35/inboxd/internal/app/processor"
	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/handlers"
	"github.com/charlesng35/inboxd/internal/middleware"
	"github.com/charlesng35/inboxd/internal/services"
	"github.com/charlesng35/inboxd/internal/templates"
)

// Dependencies carries the shared engine components the HTTP layer exposes.
type Dependencies struct {
	Catalog   *catalog.Holder
	Resolver  *templates.Resolver
	Hub       *events.Hub
	Backends  *backends.Set
	Processor *processor.Processor
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
// Recipient-facing routes live under /api and require the trusted identity
// header; producer and scheduler routes live under /internal.
func NewRouter(db *gorm.DB, cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Catalog == nil || deps.Catalog.Current() == nil {
		return nil, fmt.Errorf("catalog must be provided")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("template resolver must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, cfg, db)

	messageHandler, err := handlers.NewMessageHandler(db, deps.Catalog, deps.Resolver, deps.Hub, deps.Backends, services.MessageServiceConfig{
		FailSilently:      cfg.Inbox.FailSilently,
		DisableUnreadPush: cfg.Inbox.DisableUnreadPush,
	})
	if err != nil {
		return nil, err
	}

	preferenceHandler, err := handlers.NewPreferenceHandler(db, deps.Catalog, deps.Hub)
	if err != nil {
		return nil, err
	}

	// Recipient-facing routes
	api := r.Group("/api")
	api.Use(middleware.RequireRecipient())

	registerMessageRoutes(api, messageHandler)
	registerPreferenceRoutes(api, preferenceHandler)
	registerEventRoutes(api, handlers.NewEventHandler(deps.Hub))

	// Producer and scheduler routes
	internal := r.Group("/internal")
	internal.POST("/messages", messageHandler.Create)
	registerCronRoutes(internal, handlers.NewCronHandler(deps.Processor))

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
