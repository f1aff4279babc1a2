// handlers_history.go - Upload history view
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/models"
)

// HistoryHandlerImpl implements HistoryHandler.
type HistoryHandlerImpl struct {
	deps *Dependencies
}

// NewHistoryHandler creates the history handler.
func NewHistoryHandler(deps *Dependencies) *HistoryHandlerImpl {
	return &HistoryHandlerImpl{deps: deps}
}

// HistoryResponse wraps the persisted upload log.
type HistoryResponse struct {
	Records []models.HistoryRecord `json:"records"`
}

// HandleGetHistory returns recent upload attempts, newest first.
func (h *HistoryHandlerImpl) HandleGetHistory(c echo.Context) error {
	if _, err := requireSession(c, h.deps.Sessions); err != nil {
		return err
	}
	if h.deps.History == nil {
		return c.JSON(http.StatusOK, HistoryResponse{Records: []models.HistoryRecord{}})
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return NewValidationError("limit")
		}
		limit = n
	}

	records, err := h.deps.History.Recent(c.Request().Context(), limit)
	if err != nil {
		return NewInternalError("reading upload history", err)
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Records: records})
}
