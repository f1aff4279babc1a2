// handlers_state.go - Session table state for the frontend
package api

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/session"
)

// StateHandlerImpl implements StateHandler.
type StateHandlerImpl struct {
	deps *Dependencies
}

// NewStateHandler creates the state handler.
func NewStateHandler(deps *Dependencies) *StateHandlerImpl {
	return &StateHandlerImpl{deps: deps}
}

// StateResponse is the current session's table.
type StateResponse struct {
	Username    string               `json:"username"`
	PendingRows []*models.PendingRow `json:"pendingRows"`
	StagedCount int                  `json:"stagedCount"`
	ReloadURLs  []string             `json:"reloadUrls"`
}

// HandleGetState returns the rows and archive links for the logged-in
// session.
func (h *StateHandlerImpl) HandleGetState(c echo.Context) error {
	sid, err := requireSession(c, h.deps.Sessions)
	if err != nil {
		return err
	}

	var resp StateResponse
	h.deps.Sessions.View(sid, func(s *session.State) {
		resp.Username = s.Username
		resp.StagedCount = len(s.Staged)
		resp.PendingRows = make([]*models.PendingRow, 0, len(s.PendingRows))
		for _, row := range s.PendingRows {
			copied := *row
			resp.PendingRows = append(resp.PendingRows, &copied)
		}
		resp.ReloadURLs = reloadURLs(h.deps.baseURL(), s.Uploaded)
	})

	// Stable order for the table: oldest rows first.
	sort.Slice(resp.PendingRows, func(i, j int) bool {
		if resp.PendingRows[i].UpdatedAt.Equal(resp.PendingRows[j].UpdatedAt) {
			return resp.PendingRows[i].UID < resp.PendingRows[j].UID
		}
		return resp.PendingRows[i].UpdatedAt.Before(resp.PendingRows[j].UpdatedAt)
	})

	return c.JSON(http.StatusOK, resp)
}

// baseURL reports the configured XNAT base URL.
func (d *Dependencies) baseURL() string {
	if d.NewClient == nil {
		return ""
	}
	return d.NewClient().BaseURL()
}

// reloadURLs builds archive links for every experiment that received
// an upload, so the user can trigger an XNAT reload per session.
func reloadURLs(base string, targets []session.UploadedTarget) []string {
	if base == "" {
		return nil
	}
	urls := make([]string, 0, len(targets))
	for _, t := range targets {
		urls = append(urls, fmt.Sprintf("%s/data/archive/projects/%s/subjects/%s/experiments/%s",
			base, url.PathEscape(t.Project), url.PathEscape(t.Subject), url.PathEscape(t.Experiment)))
	}
	return urls
}
