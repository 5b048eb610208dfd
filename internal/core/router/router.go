// Package router validates export HTTP requests and streams results.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridscope/geoexport/internal/core/model"
	"github.com/gridscope/geoexport/internal/core/observability"
	"github.com/gridscope/geoexport/internal/export"
)

// ExportStreamer runs one export against a sink; satisfied by
// *export.Exporter.
type ExportStreamer interface {
	ExportTable(ctx context.Context, req model.ExportRequest, w io.Writer) (model.ExportResult, error)
}

// HandleExport streams a FeatureCollection for one relation straight from the
// database cursor to the response body. Configuration errors surface before
// the first byte, so they still map to proper status codes; a mid-stream
// failure can only truncate the chunked body.
func HandleExport(logger *slog.Logger, streamer ExportStreamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		req, err := ParseExportRequest(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/export", sw.code, time.Since(start).Seconds())
			return
		}

		sw.Header().Set("Content-Type", "application/geo+json")

		res, err := streamer.ExportTable(r.Context(), req, sw)
		if err != nil {
			if res.Bytes == 0 {
				sw.Header().Del("Content-Type")
				switch export.KindOf(err) {
				case export.KindConfig:
					http.Error(sw, err.Error(), http.StatusBadRequest)
				default:
					http.Error(sw, "export failed", http.StatusInternalServerError)
				}
			} else {
				// body already streaming; the truncated document is the signal
				logger.Error("export aborted mid-stream",
					"relation", req.Relation(),
					"bytes", res.Bytes,
					"err", err)
			}
		}
		observability.ObserveHTTP(r.Method, "/export", sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// ParseExportRequest reads query parameters into an export request. The
// filter predicate is deliberately not exposed over HTTP; only identifiers
// that the exporter validates against the catalog are accepted.
func ParseExportRequest(r *http.Request) (model.ExportRequest, error) {
	table := strings.TrimSpace(chi.URLParam(r, "table"))
	if table == "" {
		return model.ExportRequest{}, errors.New("missing required path segment: table")
	}

	q := r.URL.Query()
	req := model.ExportRequest{
		Schema:         strings.TrimSpace(q.Get("schema")),
		Table:          table,
		GeometryColumn: strings.TrimSpace(q.Get("geometry")),
		OrderBy:        strings.TrimSpace(q.Get("order_by")),
	}

	if cols := strings.TrimSpace(q.Get("columns")); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				return model.ExportRequest{}, errors.New("empty name in columns parameter")
			}
			req.Columns = append(req.Columns, c)
		}
	}

	if srid := strings.TrimSpace(q.Get("srid")); srid != "" {
		n, err := strconv.Atoi(srid)
		if err != nil || n <= 0 {
			return model.ExportRequest{}, errors.New("srid must be a positive integer")
		}
		req.TargetSRID = n
	}
	return req, nil
}
