// Package deploy runs one SQL file against every database on a server, each
// inside its own transaction.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridscope/geoexport/internal/core/config"
	"github.com/gridscope/geoexport/internal/core/observability"
)

const listDatabasesSQL = `
SELECT datname
FROM pg_database
WHERE datistemplate = false
ORDER BY datname`

// Conn is the connection subset the deployer uses; *pgx.Conn satisfies it.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a connection to one database on the target server.
type ConnectFunc func(ctx context.Context, database string) (Conn, error)

// Connector builds a ConnectFunc from toolkit configuration.
func Connector(cfg config.Config) ConnectFunc {
	return func(ctx context.Context, database string) (Conn, error) {
		return pgx.Connect(ctx, cfg.DSNFor(database))
	}
}

type Options struct {
	// Include restricts deployment to these databases; empty means all.
	Include []string
	// Exclude removes databases on top of the default exclusions.
	Exclude []string
	DryRun  bool
	// ContinueOnError keeps going to the next database after a failure.
	ContinueOnError bool
	// StatementTimeout applies SET LOCAL statement_timeout per database.
	StatementTimeout time.Duration
	// AdminDatabase is used to enumerate databases. Default "postgres".
	AdminDatabase string
}

// Outcome is the per-database deployment result.
type Outcome struct {
	Database string
	Err      error
	Duration time.Duration
	DryRun   bool
}

// maintenance databases never receive deployments
var defaultExclude = []string{"postgres"}

type Deployer struct {
	connect ConnectFunc
	log     *slog.Logger
}

func New(connect ConnectFunc, log *slog.Logger) *Deployer {
	if log == nil {
		log = slog.Default()
	}
	return &Deployer{connect: connect, log: log}
}

// ListDatabases enumerates non-template databases, sorted by name.
func (d *Deployer) ListDatabases(ctx context.Context, adminDatabase string) ([]string, error) {
	if adminDatabase == "" {
		adminDatabase = "postgres"
	}
	conn, err := d.connect(ctx, adminDatabase)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", adminDatabase, err)
	}
	defer func() { _ = conn.Close(ctx) }()

	rows, err := conn.Query(ctx, listDatabasesSQL)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list databases: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	return names, nil
}

// DeployFile executes the SQL file on each selected database. The returned
// error is nil when every selected database succeeded, or when failures were
// tolerated via ContinueOnError.
func (d *Deployer) DeployFile(ctx context.Context, sqlPath string, opts Options) ([]Outcome, error) {
	sqlText, err := os.ReadFile(sqlPath)
	if err != nil {
		return nil, fmt.Errorf("read sql file: %w", err)
	}

	all, err := d.ListDatabases(ctx, opts.AdminDatabase)
	if err != nil {
		return nil, err
	}
	targets := filterDatabases(all, opts.Include, opts.Exclude)

	outcomes := make([]Outcome, 0, len(targets))
	var firstErr error
	for _, name := range targets {
		start := time.Now()
		runErr := d.runOn(ctx, name, string(sqlText), opts)
		out := Outcome{
			Database: name,
			Err:      runErr,
			Duration: time.Since(start),
			DryRun:   opts.DryRun,
		}
		outcomes = append(outcomes, out)

		switch {
		case runErr != nil:
			observability.ObserveDeploy("error")
			d.log.Error("deploy failed", "database", name, "err", runErr)
			if firstErr == nil {
				firstErr = fmt.Errorf("deploy %s: %w", name, runErr)
			}
			if !opts.ContinueOnError {
				return outcomes, firstErr
			}
		case opts.DryRun:
			observability.ObserveDeploy("dry_run")
			d.log.Info("deploy dry run", "database", name, "sql_bytes", len(sqlText))
		default:
			observability.ObserveDeploy("success")
			d.log.Info("deploy done", "database", name, "duration", out.Duration.String())
		}
	}
	if opts.ContinueOnError {
		return outcomes, nil
	}
	return outcomes, firstErr
}

func (d *Deployer) runOn(ctx context.Context, database, sqlText string, opts Options) error {
	if opts.DryRun {
		return nil
	}

	conn, err := d.connect(ctx, database)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if opts.StatementTimeout > 0 {
		ms := opts.StatementTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
		// 1s lock timeout guard so deployments never sit behind DDL locks
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = 1000"); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, sqlText); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return tx.Commit(ctx)
}

func filterDatabases(all, include, exclude []string) []string {
	var out []string
	for _, name := range all {
		if slices.Contains(defaultExclude, name) || slices.Contains(exclude, name) {
			continue
		}
		if len(include) > 0 && !slices.Contains(include, name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
