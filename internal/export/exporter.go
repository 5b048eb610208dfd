// Package export streams PostGIS relations to RFC 7946 FeatureCollection
// documents. One call owns one transaction and one server-side cursor for its
// whole duration; memory use is bounded by the fetch batch size, never by the
// table size.
package export

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridscope/geoexport/internal/core/model"
	"github.com/gridscope/geoexport/internal/core/observability"
	"github.com/gridscope/geoexport/internal/logger"
)

const (
	collectionOpen  = `{"type":"FeatureCollection","features":[`
	collectionClose = `]}`

	DefaultBatchSize      = 1000
	DefaultSchema         = "public"
	DefaultGeometryColumn = "geom"
)

// querier is the query subset shared by pgx.Tx and *pgxpool.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB begins the transaction that pins one connection for the cursor's
// lifetime. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options carry the exporter-wide defaults a request may override.
type Options struct {
	Schema         string
	GeometryColumn string
	BatchSize      int
}

type Exporter struct {
	db   DB
	opts Options
	log  *slog.Logger
}

func New(db DB, opts Options, log *slog.Logger) *Exporter {
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if opts.GeometryColumn == "" {
		opts.GeometryColumn = DefaultGeometryColumn
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{db: db, opts: opts, log: log}
}

// ExportTable streams one FeatureCollection to w.
func (e *Exporter) ExportTable(ctx context.Context, req model.ExportRequest, w io.Writer) (model.ExportResult, error) {
	return e.export(ctx, req, func() (io.WriteCloser, error) {
		return nopWriteCloser{w}, nil
	})
}

// ExportFile streams one FeatureCollection to a file. The file is created
// only after validation passes and the cursor is declared, so configuration
// errors never leave a partial file behind. An existing destination is
// overwritten unless the request says otherwise.
func (e *Exporter) ExportFile(ctx context.Context, req model.ExportRequest, path string) (model.ExportResult, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if req.IfExists == model.IfExistsError {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	return e.export(ctx, req, func() (io.WriteCloser, error) {
		return os.OpenFile(path, flags, 0o644)
	})
}

// ExportMany runs jobs sequentially on the shared pool. One job's failure
// never aborts the rest; the caller receives a per-job outcome list.
func (e *Exporter) ExportMany(ctx context.Context, jobs []model.ExportJob) []model.JobResult {
	results := make([]model.JobResult, 0, len(jobs))
	for _, job := range jobs {
		res, err := e.ExportFile(ctx, job.Request, job.Output)
		if err != nil {
			e.log.Error("export job failed",
				"relation", job.Request.Relation(),
				"output", job.Output,
				"err", err)
		}
		results = append(results, model.JobResult{Job: job, Result: res, Err: err})
	}
	return results
}

func (e *Exporter) export(ctx context.Context, req model.ExportRequest, open func() (io.WriteCloser, error)) (model.ExportResult, error) {
	start := time.Now()
	req = e.normalize(req)
	ctx = logger.WithRelation(ctx, req.Relation())

	res, err := e.run(ctx, req, open)
	res.Duration = time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	observability.ObserveExport(outcome, res.Features, res.Bytes, res.Duration.Seconds())
	if err == nil {
		e.log.InfoContext(ctx, "export done",
			"features", res.Features,
			"bytes", res.Bytes,
			"digest", fmt.Sprintf("%016x", res.Digest),
			"duration", res.Duration.String())
	}
	return res, err
}

func (e *Exporter) normalize(req model.ExportRequest) model.ExportRequest {
	if req.Schema == "" {
		req.Schema = e.opts.Schema
	}
	if req.GeometryColumn == "" {
		req.GeometryColumn = e.opts.GeometryColumn
	}
	if req.IfExists == "" {
		req.IfExists = model.IfExistsOverwrite
	}
	return req
}

func (e *Exporter) run(ctx context.Context, req model.ExportRequest, open func() (io.WriteCloser, error)) (model.ExportResult, error) {
	var res model.ExportResult

	if req.Table == "" {
		return res, configErrf("validate request", "table name is required")
	}
	if err := validatePredicate(req.Where); err != nil {
		return res, err
	}
	if err := checkArgs(req.Where, req.Args); err != nil {
		return res, err
	}
	if _, err := model.ParseIfExists(string(req.IfExists)); err != nil {
		return res, configErr("validate request", err)
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return res, ioErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rel, err := resolveRelation(ctx, tx, req.Schema, req.Table)
	if err != nil {
		return res, err
	}
	cols, err := effectiveColumns(rel, req.GeometryColumn, req.Columns, req.AllColumns())
	if err != nil {
		return res, err
	}
	order, err := parseOrderBy(req.OrderBy, rel)
	if err != nil {
		return res, err
	}

	total := int64(-1)
	if req.ReportProgress {
		if err := tx.QueryRow(ctx, buildCountQuery(rel, req.Where), req.Args...).Scan(&total); err != nil {
			// progress is best-effort, mirrors exporting without a count
			e.log.WarnContext(ctx, "row count failed", "err", err)
			total = -1
		}
	}

	query := buildFeatureQuery(rel, req.GeometryColumn, cols, req.Where, order, req.TargetSRID)
	cur := "geoexport_" + randomSuffix()

	// DECLARE is a utility statement and cannot carry extended-protocol
	// parameters, so the filter values are client-side encoded by pgx's
	// simple protocol mode (same contract as the parameterized query:
	// values are escaped, never raw-concatenated).
	declareArgs := make([]any, 0, len(req.Args)+1)
	declareArgs = append(declareArgs, pgx.QueryExecModeSimpleProtocol)
	declareArgs = append(declareArgs, req.Args...)
	if _, err := tx.Exec(ctx, "DECLARE "+cur+" NO SCROLL CURSOR FOR "+query, declareArgs...); err != nil {
		return res, classifyDeclare("declare cursor", err)
	}

	sink, err := open()
	if err != nil {
		return res, ioErr("open sink", err)
	}

	count := &countingWriter{w: sink}
	digest := xxhash.New()
	out := bufio.NewWriterSize(io.MultiWriter(count, digest), 32<<10)

	streamErr := e.stream(ctx, tx, cur, e.opts.BatchSize, total, out, &res)

	// flush and close the sink on every exit path; on failure the partial
	// output is undefined and the caller must discard it
	if ferr := out.Flush(); ferr != nil && streamErr == nil {
		streamErr = ioErr("flush sink", ferr)
	}
	if cerr := sink.Close(); cerr != nil && streamErr == nil {
		streamErr = ioErr("close sink", cerr)
	}
	res.Bytes = count.n
	res.Digest = digest.Sum64()
	if streamErr != nil {
		return res, streamErr
	}

	if _, err := tx.Exec(ctx, "CLOSE "+cur); err != nil {
		return res, ioErr("close cursor", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, ioErr("commit", err)
	}
	return res, nil
}

func (e *Exporter) stream(ctx context.Context, tx pgx.Tx, cur string, batch int, total int64, out *bufio.Writer, res *model.ExportResult) error {
	if _, err := out.WriteString(collectionOpen); err != nil {
		return ioErr("write sink", err)
	}

	fetchSQL := fmt.Sprintf("FETCH FORWARD %d FROM %s", batch, cur)
	for {
		n, err := e.writeBatch(ctx, tx, fetchSQL, out, res)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if total >= 0 {
			pct := float64(res.Features) / float64(max(total, 1)) * 100.0
			e.log.DebugContext(ctx, "export progress",
				"written", res.Features,
				"total", total,
				"pct", fmt.Sprintf("%.1f", pct))
		}
	}

	if res.Features > 0 {
		if _, err := out.WriteString("\n"); err != nil {
			return ioErr("write sink", err)
		}
	}
	if _, err := out.WriteString(collectionClose); err != nil {
		return ioErr("write sink", err)
	}
	return nil
}

func (e *Exporter) writeBatch(ctx context.Context, tx pgx.Tx, fetchSQL string, out *bufio.Writer, res *model.ExportResult) (int, error) {
	rows, err := tx.Query(ctx, fetchSQL)
	if err != nil {
		return 0, classifyFetch(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var feature string
		if err := rows.Scan(&feature); err != nil {
			return n, dataErr("scan feature", err)
		}
		sep := ",\n"
		if res.Features == 0 {
			sep = "\n"
		}
		if _, err := out.WriteString(sep); err != nil {
			return n, ioErr("write sink", err)
		}
		if _, err := out.WriteString(feature); err != nil {
			return n, ioErr("write sink", err)
		}
		res.Features++
		n++
	}
	if err := rows.Err(); err != nil {
		return n, classifyFetch(err)
	}
	return n, nil
}

// A fetch failure after declaration is a data error when the server rejected
// a row (failed reprojection, invalid geometry); lost connections and
// cancellations are I/O.
func classifyFetch(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return dataErr("fetch", err)
	}
	return ioErr("fetch", err)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
