// Package model defines core domain types shared across the toolkit.
package model

import (
	"fmt"
	"strings"
	"time"
)

// IfExistsMode controls what happens when an export destination already exists.
type IfExistsMode string

const (
	IfExistsOverwrite IfExistsMode = "overwrite"
	IfExistsError     IfExistsMode = "error"
)

func ParseIfExists(s string) (IfExistsMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(IfExistsOverwrite):
		return IfExistsOverwrite, nil
	case string(IfExistsError):
		return IfExistsError, nil
	default:
		return "", fmt.Errorf("invalid if_exists mode %q (want overwrite|error)", s)
	}
}

// ExportRequest describes one table-to-FeatureCollection export. A request is
// built, validated, executed once and discarded; it carries no state between
// calls.
type ExportRequest struct {
	// Schema is the relation's schema. Empty means the exporter default.
	Schema string
	// Table is the relation (table, view, matview, foreign table) to read.
	Table string
	// GeometryColumn holds the spatial data. Empty means the exporter default.
	GeometryColumn string
	// Columns lists the property columns in output order. Nil, empty, or a
	// single "*" entry selects every non-geometry column in catalog ordinal
	// order. The geometry column is never duplicated into properties.
	Columns []string
	// Where is an optional boolean predicate without the WHERE keyword, using
	// positional $1..$n placeholders bound to Args. Values are never spliced
	// into the SQL text.
	Where string
	Args  []any
	// OrderBy is an optional ordering clause without the ORDER BY keyword,
	// e.g. "site_id ASC". Columns are allow-list checked against the catalog.
	OrderBy string
	// TargetSRID reprojects geometry before serialization. Zero leaves the
	// geometry in its source reference system.
	TargetSRID int
	// IfExists applies to file destinations only. Empty means overwrite.
	IfExists IfExistsMode
	// ReportProgress runs an up-front COUNT(*) and logs batch progress.
	ReportProgress bool
}

// AllColumns reports whether the request selects every non-geometry column.
func (r ExportRequest) AllColumns() bool {
	if len(r.Columns) == 0 {
		return true
	}
	return len(r.Columns) == 1 && strings.TrimSpace(r.Columns[0]) == "*"
}

// Relation returns the schema-qualified relation name for logging.
func (r ExportRequest) Relation() string {
	if r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// ExportResult summarizes one completed export for the caller to log/verify.
type ExportResult struct {
	Features int64
	Bytes    int64
	// Digest is the xxhash64 of the bytes written, usable to verify that
	// repeated runs of the same request produce identical output.
	Digest   uint64
	Duration time.Duration
}

// ExportJob pairs a request with a file destination for batch runs.
type ExportJob struct {
	Request ExportRequest
	Output  string
}

// JobResult is the per-job outcome of a batch export.
type JobResult struct {
	Job    ExportJob
	Result ExportResult
	Err    error
}
