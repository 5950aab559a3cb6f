package handler

import (
	"net"
	"net/http"
	"strings"

	"github.com/abdusco/qrlinked/internal/resolve"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type RedirectHandler struct {
	pipeline *resolve.Pipeline
}

func NewRedirectHandler(pipeline *resolve.Pipeline) *RedirectHandler {
	return &RedirectHandler{pipeline: pipeline}
}

func (h *RedirectHandler) Redirect(c echo.Context) error {
	req := c.Request()
	slug := c.Param("slug")

	log.Debug().Str("slug", slug).Msg("redirect request")

	destination, err := h.pipeline.Resolve(req.Context(), slug, resolve.Hit{
		IP:        getClientIP(req),
		UserAgent: req.UserAgent(),
		Headers:   req.Header,
	})
	if err != nil {
		return err
	}

	// destinations change on retarget, so the redirect must not be cached
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Redirect(http.StatusFound, destination)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies); the first entry is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if ip := net.ParseIP(first); ip != nil {
			return first
		}
	}

	// Try X-Real-IP header
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return xri
		}
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
