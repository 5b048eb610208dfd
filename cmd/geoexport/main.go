// Command geoexport streams PostGIS relations to GeoJSON files, either from a
// YAML job file or from single-table flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gridscope/geoexport/internal/core/config"
	"github.com/gridscope/geoexport/internal/core/model"
	"github.com/gridscope/geoexport/internal/db"
	"github.com/gridscope/geoexport/internal/export"
	"github.com/gridscope/geoexport/internal/geojson"
	"github.com/gridscope/geoexport/internal/logger"
)

var Version = "dev"

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		jobsPath = flag.String("jobs", "", "YAML job file describing a batch export")
		table    = flag.String("table", "", "relation to export (single-table mode)")
		out      = flag.String("out", "", "destination file (single-table mode)")
		columns  = flag.String("columns", "", "comma-separated property columns, empty or * for all")
		where    = flag.String("where", "", "filter predicate with $n placeholders, without WHERE")
		orderBy  = flag.String("order-by", "", "ordering clause without ORDER BY")
		srid     = flag.Int("srid", 0, "target SRID for reprojection, 0 keeps source")
		schema   = flag.String("schema", "", "schema override")
		geometry = flag.String("geometry", "", "geometry column override")
		ifExists = flag.String("if-exists", "overwrite", "overwrite|error when the destination exists")
		progress = flag.Bool("progress", false, "count rows up front and log batch progress")
		validate = flag.Bool("validate", false, "re-read written files and validate the GeoJSON envelope")
		args     stringList
	)
	flag.Var(&args, "arg", "bound value for a $n placeholder (repeatable, in order)")
	flag.Parse()

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "geoexport",
	}, os.Stderr)
	appLog := logger.NewSlog(&zl)

	jobs, err := collectJobs(*jobsPath, singleFlags{
		table:    *table,
		out:      *out,
		columns:  *columns,
		where:    *where,
		orderBy:  *orderBy,
		srid:     *srid,
		schema:   *schema,
		geometry: *geometry,
		ifExists: *ifExists,
		progress: *progress,
		args:     args,
	})
	if err != nil {
		appLog.Error("invalid invocation", "err", err)
		return 2
	}

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

	failed := 0
	for _, jr := range exp.ExportMany(ctx, jobs) {
		if jr.Err != nil {
			failed++
			continue
		}
		appLog.Info("job done",
			"relation", jr.Job.Request.Relation(),
			"output", jr.Job.Output,
			"features", jr.Result.Features,
			"bytes", jr.Result.Bytes,
			"digest", fmt.Sprintf("%016x", jr.Result.Digest),
			"duration", jr.Result.Duration.String())

		if *validate {
			if err := validateFile(jr.Job.Output, jr.Result.Features); err != nil {
				appLog.Error("validation failed", "output", jr.Job.Output, "err", err)
				failed++
			}
		}
	}

	if failed > 0 {
		appLog.Error("batch finished with failures", "failed", failed, "total", len(jobs))
		return 1
	}
	appLog.Info("batch finished", "jobs", len(jobs), "version", Version)
	return 0
}

type singleFlags struct {
	table, out, columns, where, orderBy string
	schema, geometry, ifExists          string
	srid                                int
	progress                            bool
	args                                stringList
}

func collectJobs(jobsPath string, f singleFlags) ([]model.ExportJob, error) {
	if jobsPath != "" {
		if f.table != "" || f.out != "" {
			return nil, fmt.Errorf("-jobs cannot be combined with -table/-out")
		}
		jf, err := config.LoadJobs(jobsPath)
		if err != nil {
			return nil, err
		}
		return jf.ExportJobs(), nil
	}

	if f.table == "" || f.out == "" {
		return nil, fmt.Errorf("either -jobs or both -table and -out are required")
	}
	mode, err := model.ParseIfExists(f.ifExists)
	if err != nil {
		return nil, err
	}

	req := model.ExportRequest{
		Schema:         f.schema,
		Table:          f.table,
		GeometryColumn: f.geometry,
		Where:          f.where,
		OrderBy:        f.orderBy,
		TargetSRID:     f.srid,
		IfExists:       mode,
		ReportProgress: f.progress,
	}
	if cols := strings.TrimSpace(f.columns); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			req.Columns = append(req.Columns, strings.TrimSpace(c))
		}
	}
	for _, a := range f.args {
		req.Args = append(req.Args, a)
	}
	return []model.ExportJob{{Request: req, Output: f.out}}, nil
}

func validateFile(path string, wantFeatures int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	n, err := geojson.ValidateCollection(b)
	if err != nil {
		return err
	}
	if int64(n) != wantFeatures {
		return fmt.Errorf("file has %d features, exporter reported %d", n, wantFeatures)
	}
	return nil
}
