// Package db wires pgx connection pools from toolkit configuration.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridscope/geoexport/internal/core/config"
)

// NewPool opens and pings a pool for the configured database.
func NewPool(ctx context.Context, cfg config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.URL(), err)
	}
	if log != nil {
		log.Info("database connected", "url", cfg.URL())
	}
	return pool, nil
}
