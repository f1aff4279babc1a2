// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/session"
	"github.com/mrs-uploader/backend/internal/staging"
	"github.com/mrs-uploader/backend/internal/uploader"
	"github.com/mrs-uploader/backend/internal/xnat"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Staging  staging.Store
	Sessions *session.Manager
	History  HistoryStore
	Progress *ProgressHub
	Logger   *log.Logger
	Version  string

	// NewClient builds a fresh XNAT client for login requests.
	NewClient func() *xnat.Client

	// NewArchive builds the archive view used by the orchestrator for
	// an already-authenticated session. Defaults to NewClient plus the
	// stored JSESSIONID; tests replace it with a fake.
	NewArchive func(jsession string) uploader.Archive

	// ShutdownToken gates POST /shutdown; requests without it are
	// silently ignored.
	ShutdownToken string

	// RequestShutdown triggers a graceful server exit.
	RequestShutdown func()
}

// normalize fills in defaults so handlers can rely on the fields.
func (d *Dependencies) normalize() {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.NewArchive == nil && d.NewClient != nil {
		d.NewArchive = func(jsession string) uploader.Archive {
			client := d.NewClient()
			client.SetSession(jsession)
			return client
		}
	}
}

// Handlers holds all handler instances
type Handlers struct {
	Auth    AuthHandler
	Upload  UploadHandler
	State   StateHandler
	History HistoryHandler
	Health  HealthHandler
	WS      *ProgressHub
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	deps.normalize()
	return &Handlers{
		Auth:    NewAuthHandler(deps),
		Upload:  NewUploadHandler(deps),
		State:   NewStateHandler(deps),
		History: NewHistoryHandler(deps),
		Health:  NewHealthHandler(deps),
		WS:      deps.Progress,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/healthz", handlers.Health.HandleHealth)
	e.POST("/shutdown", handlers.Health.HandleShutdown)

	auth := e.Group("/api/auth")
	auth.POST("/login", handlers.Auth.HandleLogin)
	auth.POST("/logout", handlers.Auth.HandleLogout)

	e.GET("/api/session", handlers.State.HandleGetState)
	e.POST("/api/upload", handlers.Upload.HandleUpload)
	e.GET("/api/history", handlers.History.HandleGetHistory)

	if handlers.WS != nil {
		e.GET("/ws/progress", handlers.WS.HandleProgressWS)
	}
}
