// Command sqldeploy runs one SQL file against every database on a server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gridscope/geoexport/internal/core/config"
	"github.com/gridscope/geoexport/internal/deploy"
	"github.com/gridscope/geoexport/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		sqlPath         = flag.String("sql", "", "path to the SQL file to execute")
		include         = flag.String("include", "", "comma-separated list restricting target databases")
		exclude         = flag.String("exclude", "", "comma-separated databases to skip (postgres is always skipped)")
		continueOnError = flag.Bool("continue-on-error", false, "continue to the next database if one fails")
		timeoutMS       = flag.Int("statement-timeout-ms", 0, "optional statement_timeout per database, in milliseconds")
		dryRun          = flag.Bool("dry-run", false, "list what would run without executing")
	)
	flag.Parse()

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "sqldeploy",
	}, os.Stderr)
	appLog := logger.NewSlog(&zl)

	if *sqlPath == "" {
		appLog.Error("missing required flag: -sql")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := deploy.New(deploy.Connector(cfg), appLog)
	outcomes, err := d.DeployFile(ctx, *sqlPath, deploy.Options{
		Include:          splitList(*include),
		Exclude:          splitList(*exclude),
		DryRun:           *dryRun,
		ContinueOnError:  *continueOnError,
		StatementTimeout: time.Duration(*timeoutMS) * time.Millisecond,
	})
	if err != nil {
		appLog.Error("deployment aborted", "err", err)
		return 1
	}

	failed := 0
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		appLog.Error("deployment finished with failures", "failed", failed, "databases", len(outcomes))
		return 1
	}
	appLog.Info("deployment finished", "databases", len(outcomes), "dry_run", *dryRun)
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
