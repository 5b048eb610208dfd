// Package server assembles and runs the export HTTP service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridscope/geoexport/internal/core/config"
	"github.com/gridscope/geoexport/internal/core/health"
	"github.com/gridscope/geoexport/internal/core/middleware"
	"github.com/gridscope/geoexport/internal/core/router"
)

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, streamer router.ExportStreamer, pinger health.Pinger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(pinger))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/export/{table}", router.HandleExport(logger, streamer))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// exports of large relations stream for a while
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
