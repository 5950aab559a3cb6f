package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/abdusco/qrlinked/internal/auth"
	"github.com/abdusco/qrlinked/internal/ledger"
	"github.com/abdusco/qrlinked/internal/logger"
	"github.com/abdusco/qrlinked/internal/registry"
	"github.com/abdusco/qrlinked/internal/render"
	"github.com/abdusco/qrlinked/internal/resolve"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Registry      *registry.Registry
	Ledger        *ledger.Ledger
	Renderer      *render.Service
	Pipeline      *resolve.Pipeline
	Authenticator *auth.Authenticator
	DB            Pinger
}

func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Use(logger.RequestLogger())
	e.Use(middleware.Recover())

	authMiddleware := auth.NewAuthMiddleware(d.Authenticator)
	authHandler := NewAuthHandler(d.Authenticator)
	linkHandler := NewLinkHandler(d.Registry, d.Ledger, d.Renderer)
	redirectHandler := NewRedirectHandler(d.Pipeline)

	e.POST("/login", authHandler.Login)
	e.GET("/logout", authHandler.Logout)

	e.GET("/health", func(c echo.Context) error {
		if d.DB != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := d.DB.PingContext(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/r/:slug", redirectHandler.Redirect)
	e.GET("/links/:slug/image", linkHandler.Image, authMiddleware)

	api := e.Group("/api", middleware.CORS(), authMiddleware)
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)
	api.GET("/links/:slug", linkHandler.GetLink)
	api.PATCH("/links/:slug", linkHandler.UpdateLink)
	api.DELETE("/links/:slug", linkHandler.ArchiveLink)
	api.PATCH("/links/:slug/design", linkHandler.UpdateDesign)
	api.POST("/links/:slug/targets", linkHandler.Retarget)
	api.GET("/links/:slug/targets", linkHandler.ListTargets)
	api.GET("/links/:slug/stats", linkHandler.Stats)
	api.GET("/links/:slug/scans.csv", linkHandler.ExportScans)

	return e
}
