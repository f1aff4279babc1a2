// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/uploader"
)

// AuthHandler handles XNAT login and logout
type AuthHandler interface {
	HandleLogin(c echo.Context) error
	HandleLogout(c echo.Context) error
}

// UploadHandler handles the bulk upload form
type UploadHandler interface {
	HandleUpload(c echo.Context) error
}

// StateHandler exposes the current session's table to the frontend
type StateHandler interface {
	HandleGetState(c echo.Context) error
}

// HistoryHandler serves the persisted upload log
type HistoryHandler interface {
	HandleGetHistory(c echo.Context) error
}

// HealthHandler handles liveness and shutdown
type HealthHandler interface {
	HandleHealth(c echo.Context) error
	HandleShutdown(c echo.Context) error
}

// HistoryStore is the slice of the history database the API needs.
type HistoryStore interface {
	uploader.Recorder
	Recent(ctx context.Context, limit int) ([]models.HistoryRecord, error)
}
