package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/auth"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ErrorHandler renders domain errors as JSON. Missing and foreign links get the same 404.
func ErrorHandler(err error, c echo.Context) {
	code, message := statusFor(err)
	isAPICall := strings.HasPrefix(c.Path(), "/api/")

	if code >= http.StatusInternalServerError {
		log.Error().
			Int("code", code).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Err(err).
			Msg("http error")
	}

	if c.Response().Committed {
		return
	}

	if !isAPICall && code == http.StatusUnauthorized {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="qrlinked"`)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}

	_ = c.JSON(code, map[string]any{
		"error": message,
	})
}

func statusFor(err error) (int, string) {
	var (
		validationErr *internal.ValidationError
		httpErr       *echo.HTTPError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, internal.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, internal.ErrNotFound):
		return http.StatusNotFound, "link not found"
	case errors.Is(err, internal.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &httpErr):
		if msg, ok := httpErr.Message.(string); ok {
			return httpErr.Code, msg
		}
		return httpErr.Code, http.StatusText(httpErr.Code)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// bindStrict decodes a JSON body into v and rejects unknown fields.
func bindStrict(c echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
	}
	if dec.More() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: trailing data")
	}
	return nil
}
