// Package app wires the licensing authority together: configuration, logging,
// OpenTelemetry, the durable store, the service layer, the HTTP surface, and
// graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"parklic/internal/authority"
	"parklic/internal/config"
	"parklic/internal/infrastructure"
	"parklic/internal/middleware"
	transporthttp "parklic/internal/transport/http"
)

// Application is the assembled authority server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *gorm.DB
	Service       *authority.Service
	Server        *http.Server
	OTelProviders *infrastructure.OTelProviders
}

// NewApplication builds the authority from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otel: %w", err)
	}

	db, err := authority.OpenStore(cfg.Authority.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	service := authority.NewService(db, cfg.Authority.SharedSecret, cfg.Authority.TrialDuration, logger)
	sessions := middleware.NewSessionManager(cfg.Authority.SessionSecret, cfg.Authority.SessionTTL, logger)

	router := transporthttp.NewRouter(transporthttp.RouterDeps{
		License:     transporthttp.NewLicenseHandler(service, logger),
		Admin:       transporthttp.NewAdminHandler(service, sessions, cfg.Authority.AdminUser, cfg.Authority.AdminPasswordHash, logger),
		Health:      transporthttp.NewHealthHandler(db, infrastructure.ServiceVersion),
		Sessions:    sessions,
		Metrics:     providers.PrometheusHTTP,
		Logger:      logger,
		PublicRPS:   cfg.Server.RateLimitRPS,
		PublicBurst: cfg.Server.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		Config:        cfg,
		Logger:        logger,
		DB:            db,
		Service:       service,
		Server:        server,
		OTelProviders: providers,
	}, nil
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully.
func (a *Application) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("authority listening",
			slog.String("addr", a.Server.Addr),
			slog.String("database", a.Config.Authority.DatabasePath),
		)
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		a.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	return a.Stop(context.Background())
}

// Stop gracefully stops the server and flushes telemetry.
func (a *Application) Stop(ctx context.Context) error {
	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("server shutdown failed", slog.String("error", err.Error()))
		return err
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("otel shutdown failed", slog.String("error", err.Error()))
		}
	}

	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}

	a.Logger.Info("authority stopped")
	return nil
}
