package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/session"
)

// SessionCookieName is the browser cookie carrying the server-side
// session id.
const SessionCookieName = "mrs_session"

// sessionID extracts the session cookie value, empty when absent.
func sessionID(c echo.Context) string {
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}

// requireSession resolves the caller's session id or fails with 401.
func requireSession(c echo.Context, sessions *session.Manager) (string, error) {
	id := sessionID(c)
	if id == "" {
		return "", NewUnauthorizedError("not logged in")
	}
	if !sessions.Touch(id) {
		return "", NewUnauthorizedError("session expired; log in again")
	}
	return id, nil
}

// setSessionCookie installs the session cookie. The app only ever
// binds to loopback over plain HTTP, so Secure stays off.
func setSessionCookie(c echo.Context, id string, maxAge time.Duration) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the session cookie.
func clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// NoCache stamps every response so browsers never replay a stale table
// after the backend state moved on.
func NoCache(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		return next(c)
	}
}

// Activity calls touch on every request; the idle-shutdown watchdog
// reads that clock.
func Activity(touch func()) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			touch()
			return next(c)
		}
	}
}
