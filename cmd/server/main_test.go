package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/config"
)

func testEcho(cfg *config.AppConfig) *echo.Echo {
	return newEcho(cfg, log.Default(), func() {})
}

func TestCORSPreflightForDevFrontend(t *testing.T) {
	e := testEcho(config.DefaultConfig())
	e.POST("/api/auth/login", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:5173")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the dev origin echoed back", got)
	}
	if got := rec.Header().Get(echo.HeaderAccessControlAllowCredentials); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	e := testEcho(config.DefaultConfig())
	e.GET("/api/session", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set(echo.HeaderOrigin, "http://evil.example")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty for an unknown origin", got)
	}
}

func TestSlowRequestsTimeOut(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ReadTimeout = 1
	e := testEcho(cfg)
	e.GET("/api/history", func(c echo.Context) error {
		time.Sleep(1500 * time.Millisecond)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestUploadSkipsTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ReadTimeout = 1
	e := testEcho(cfg)
	e.POST("/api/upload", func(c echo.Context) error {
		time.Sleep(1500 * time.Millisecond)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d for a long upload", rec.Code, http.StatusOK)
	}
}

func TestResponsesCarryNoCacheHeaders(t *testing.T) {
	e := testEcho(config.DefaultConfig())
	e.GET("/api/session", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Cache-Control"); got == "" {
		t.Error("Cache-Control header missing")
	}
}
