package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdusco/qrlinked/internal/auth"
	"github.com/abdusco/qrlinked/internal/cache"
	"github.com/abdusco/qrlinked/internal/classify"
	"github.com/abdusco/qrlinked/internal/config"
	"github.com/abdusco/qrlinked/internal/db"
	"github.com/abdusco/qrlinked/internal/handler"
	"github.com/abdusco/qrlinked/internal/ledger"
	"github.com/abdusco/qrlinked/internal/logger"
	"github.com/abdusco/qrlinked/internal/registry"
	"github.com/abdusco/qrlinked/internal/render"
	"github.com/abdusco/qrlinked/internal/repo"
	"github.com/abdusco/qrlinked/internal/resolve"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration from environment")
	}

	if err := logger.Setup(cfg.LogLevel, cfg.Debug); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting application")

	credentials, err := auth.ParseCredentials(cfg.AdminCreds)
	if err != nil {
		return fmt.Errorf("failed to parse admin credentials: %w", err)
	}

	conn, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer conn.Close()

	linksRepo := repo.NewLinksRepo(conn)
	targetsRepo := repo.NewTargetsRepo(conn)
	scansRepo := repo.NewScansRepo(conn)

	var (
		invalidator cache.Invalidator = cache.Nop{}
		resolver    cache.Resolver    = linksRepo
	)
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		redisCache := cache.NewRedis(client, cfg.CacheTTL)
		invalidator = redisCache
		resolver = cache.NewCachedResolver(linksRepo, redisCache)
		log.Info().Dur("ttl", cfg.CacheTTL).Msg("resolution cache enabled")
	}

	var geo classify.GeoLookup = classify.NopGeo{}
	if cfg.GeoIPDBPath != "" {
		maxmind, err := classify.OpenMaxMind(cfg.GeoIPDBPath)
		if err != nil {
			return err
		}
		defer maxmind.Close()
		geo = maxmind
		log.Info().Str("path", cfg.GeoIPDBPath).Msg("geoip lookup enabled")
	} else {
		log.Warn().Msg("GEOIP_DB_PATH not set, scans will have no geography")
	}

	reg := registry.New(linksRepo, scansRepo, invalidator)
	recorder := resolve.NewRecorder(scansRepo, cfg.ScanQueueSize, cfg.ScanWorkers)

	e := handler.NewRouter(handler.Deps{
		Registry:      reg,
		Ledger:        ledger.New(linksRepo, targetsRepo, invalidator),
		Renderer:      render.NewService(reg, render.NewLogoResolver(cfg.UploadDir, cfg.LogoFetchTimeout), cfg.PublicBaseURL),
		Pipeline:      resolve.NewPipeline(resolver, classify.New(geo, classify.UserAgentParser{}), recorder, resolve.Options{RecordPrefetch: cfg.RecordPrefetch}),
		Authenticator: auth.NewAuthenticator(credentials, cfg.JWTSecret),
		DB:            conn.SQL,
	})
	defer e.Close()

	log.Info().Str("address", cfg.Addr()).Str("public_url", cfg.PublicBaseURL).Msg("server starting")

	// Run server and handle graceful shutdown
	runServer(ctx, e, cfg.Addr())

	// scans queued by in-flight redirects are written before the store closes
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := recorder.Close(drainCtx); err != nil {
		log.Error().Err(err).Msg("failed to drain scan recorder")
	}

	return nil
}

func runServer(ctx context.Context, e *echo.Echo, addr string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(addr)
	}()

	// Wait for context cancellation (Ctrl+C or SIGTERM) or a failed start
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
		return
	}

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}
