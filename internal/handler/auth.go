package handler

import (
	"errors"
	"net/http"

	"github.com/abdusco/qrlinked/internal/auth"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: authenticator}
}

// Login handles POST /login - validates credentials and sets the session cookie
func (h *AuthHandler) Login(c echo.Context) error {
	var req auth.Credentials
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	cookie, err := h.authenticator.Authenticate(req)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			log.Warn().Str("username", req.Username).Str("ip", c.RealIP()).Msg("failed login")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return err
	}
	cookie.Secure = c.IsTLS()
	c.SetCookie(cookie)

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Logout handles GET /logout - clears the session cookie
func (h *AuthHandler) Logout(c echo.Context) error {
	c.SetCookie(auth.ExpireCookie())
	return c.NoContent(http.StatusNoContent)
}
