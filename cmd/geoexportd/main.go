// Command geoexportd serves streaming GeoJSON exports over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gridscope/geoexport/internal/core/config"
	"github.com/gridscope/geoexport/internal/core/observability"
	"github.com/gridscope/geoexport/internal/core/server"
	"github.com/gridscope/geoexport/internal/db"
	"github.com/gridscope/geoexport/internal/export"
	"github.com/gridscope/geoexport/internal/logger"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "geoexportd",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting export server",
		"addr", cfg.Addr,
		"version", Version,
		"schema", cfg.Schema,
		"geometry_column", cfg.GeometryColumn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("database connection failed", "err", err)
		return 1
	}
	defer pool.Close()

	exp := export.New(pool, export.Options{
		Schema:         cfg.Schema,
		GeometryColumn: cfg.GeometryColumn,
		BatchSize:      cfg.BatchSize,
	}, appLog)

	if err := server.Run(ctx, cfg, appLog, exp, pool); err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	return 0
}
