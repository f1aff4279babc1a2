package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/session"
)

// AuthHandlerImpl implements AuthHandler.
type AuthHandlerImpl struct {
	deps *Dependencies
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(deps *Dependencies) *AuthHandlerImpl {
	return &AuthHandlerImpl{deps: deps}
}

// LoginRequest is the login form.
type LoginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

func (r *LoginRequest) validate() *APIError {
	if r.Username == "" {
		return NewValidationError("username")
	}
	if r.Password == "" {
		return NewValidationError("password")
	}
	return nil
}

// LoginResponse reports a successful login.
type LoginResponse struct {
	Username string `json:"username"`
	BaseURL  string `json:"baseUrl"`
}

// HandleLogin exchanges XNAT credentials for a local session cookie.
// The password is forwarded to XNAT once and never stored; only the
// JSESSIONID is kept.
func (h *AuthHandlerImpl) HandleLogin(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid login payload", err)
	}
	if apiErr := req.validate(); apiErr != nil {
		return apiErr
	}

	client := h.deps.NewClient()
	if res := client.Login(c.Request().Context(), req.Username, req.Password); !res.OK {
		h.deps.Logger.Warn("login failed", "user", req.Username, "kind", res.Kind)
		return NewUpstreamError(res)
	}

	state := h.deps.Sessions.Create(req.Username, client.Session())
	setSessionCookie(c, state.ID, session.DefaultMaxAge)

	h.deps.Logger.Info("login", "user", req.Username, "server", client.BaseURL())
	return c.JSON(http.StatusOK, LoginResponse{
		Username: req.Username,
		BaseURL:  client.BaseURL(),
	})
}

// HandleLogout drops the session and every staged file it owned.
func (h *AuthHandlerImpl) HandleLogout(c echo.Context) error {
	id := sessionID(c)
	if id == "" {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}

	if state, ok := h.deps.Sessions.Delete(id); ok {
		for _, staged := range state.Staged {
			h.deps.Staging.Delete(staged.Token)
		}
		h.deps.Logger.Info("logout", "user", state.Username, "stagedFreed", len(state.Staged))
	}

	clearSessionCookie(c)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
