package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridscope/geoexport/internal/core/model"
)

const (
	featSite1 = `{"type": "Feature", "geometry": {"type": "Point", "coordinates": [18.06, 59.33]}, "properties": {"site_id": 1, "name": "north", "status": "ACTIVE"}}`
	featSite2 = `{"type": "Feature", "geometry": {"type": "Point", "coordinates": [11.97, 57.70]}, "properties": {"site_id": 2, "name": "west", "status": "ACTIVE"}}`
)

func siteTx() *fakeTx {
	return &fakeTx{columns: []string{"site_id", "name", "status", "geom"}}
}

func testExporter(tx *fakeTx) *Exporter {
	return New(&fakeDB{tx: tx}, Options{BatchSize: 2}, slog.New(slog.DiscardHandler))
}

func TestExportTable_EmptyResult_ExactOutput(t *testing.T) {
	tx := siteTx()
	exp := testExporter(tx)

	var buf bytes.Buffer
	res, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "tblsites"}, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	want := `{"type":"FeatureCollection","features":[]}`
	if buf.String() != want {
		t.Fatalf("output=%q want %q", buf.String(), want)
	}
	if res.Features != 0 {
		t.Fatalf("features=%d want 0", res.Features)
	}
	if res.Bytes != int64(len(want)) {
		t.Fatalf("bytes=%d want %d", res.Bytes, len(want))
	}
	if !tx.committed {
		t.Fatalf("transaction not committed")
	}
	if !tx.cursorDone {
		t.Fatalf("cursor not closed")
	}
}

func TestExportTable_StreamsFeaturesInOrder(t *testing.T) {
	tx := siteTx()
	tx.features = [][]string{{featSite1, featSite2}}
	exp := testExporter(tx)

	var buf bytes.Buffer
	res, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table:   "tblsites",
		Columns: []string{"site_id", "name", "status"},
		Where:   "status = $1",
		Args:    []any{"ACTIVE"},
		OrderBy: "site_id ASC",
	}, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	want := `{"type":"FeatureCollection","features":[` + "\n" +
		featSite1 + ",\n" + featSite2 + "\n" + `]}`
	if buf.String() != want {
		t.Fatalf("output mismatch\ngot:  %q\nwant: %q", buf.String(), want)
	}
	if res.Features != 2 {
		t.Fatalf("features=%d want 2", res.Features)
	}
	if res.Bytes != int64(buf.Len()) {
		t.Fatalf("bytes=%d want %d", res.Bytes, buf.Len())
	}
	if res.Digest != xxhash.Sum64(buf.Bytes()) {
		t.Fatalf("digest mismatch")
	}
}

func TestExportTable_RepeatedRunsProduceIdenticalOutput(t *testing.T) {
	req := model.ExportRequest{Table: "tblsites", OrderBy: "site_id"}

	run := func() (model.ExportResult, string) {
		tx := siteTx()
		tx.features = [][]string{{featSite1}, {featSite2}}
		var buf bytes.Buffer
		res, err := testExporter(tx).ExportTable(context.Background(), req, &buf)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		return res, buf.String()
	}

	res1, out1 := run()
	res2, out2 := run()
	if out1 != out2 {
		t.Fatalf("outputs differ:\n%q\n%q", out1, out2)
	}
	if res1.Digest != res2.Digest {
		t.Fatalf("digests differ: %x vs %x", res1.Digest, res2.Digest)
	}
}

func TestExportTable_UnknownRelation(t *testing.T) {
	tx := &fakeTx{} // no catalog rows
	exp := testExporter(tx)

	var buf bytes.Buffer
	_, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "nope"}, &buf)
	if KindOf(err) != KindConfig {
		t.Fatalf("err=%v want config error", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %d bytes on config error", buf.Len())
	}
	if len(tx.declares) != 0 {
		t.Fatalf("cursor declared before validation")
	}
	if tx.committed {
		t.Fatalf("committed a failed export")
	}
}

func TestExportTable_UnknownColumn(t *testing.T) {
	tx := siteTx()
	exp := testExporter(tx)

	var buf bytes.Buffer
	_, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table:   "tblsites",
		Columns: []string{"site_id", "bogus"},
	}, &buf)
	if KindOf(err) != KindConfig {
		t.Fatalf("err=%v want config error", err)
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err=%v does not name the column", err)
	}
	if len(tx.declares) != 0 || buf.Len() != 0 {
		t.Fatalf("side effects before validation: declares=%d bytes=%d", len(tx.declares), buf.Len())
	}
}

func TestExportTable_GeometryNeverDuplicatedIntoProperties(t *testing.T) {
	tx := siteTx()
	exp := testExporter(tx)

	var buf bytes.Buffer
	if _, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table:   "tblsites",
		Columns: []string{"site_id", "geom", "name"},
	}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	declared := tx.declares[0]
	if !strings.Contains(declared, `(SELECT t."site_id", t."name") r`) {
		t.Fatalf("properties subselect wrong: %s", declared)
	}
}

func TestExportTable_AllColumnsFollowCatalogOrder(t *testing.T) {
	tx := &fakeTx{columns: []string{"zeta", "alpha", "geom", "mid"}}
	exp := testExporter(tx)

	var buf bytes.Buffer
	if _, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "t"}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(tx.declares[0], `(SELECT t."zeta", t."alpha", t."mid") r`) {
		t.Fatalf("catalog order not preserved: %s", tx.declares[0])
	}
}

func TestExportTable_FilterValuesBindAsParameters(t *testing.T) {
	tx := siteTx()
	exp := testExporter(tx)

	var buf bytes.Buffer
	if _, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table: "tblsites",
		Where: "status = $1 AND site_id > $2",
		Args:  []any{"ACTIVE", 10},
	}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	if !strings.Contains(tx.declares[0], "WHERE (status = $1 AND site_id > $2)") {
		t.Fatalf("predicate not embedded verbatim: %s", tx.declares[0])
	}
	if len(tx.declareArgs) != 3 {
		t.Fatalf("declare args=%d want 3", len(tx.declareArgs))
	}
	if mode, ok := tx.declareArgs[0].(pgx.QueryExecMode); !ok || mode != pgx.QueryExecModeSimpleProtocol {
		t.Fatalf("first declare arg is %v, want simple protocol mode", tx.declareArgs[0])
	}
	if tx.declareArgs[1] != "ACTIVE" || tx.declareArgs[2] != 10 {
		t.Fatalf("bound values not forwarded: %v", tx.declareArgs[1:])
	}
}

func TestExportTable_FilterArgCountMismatch(t *testing.T) {
	exp := testExporter(siteTx())

	var buf bytes.Buffer
	_, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table: "tblsites",
		Where: "status = $1 AND site_id > $2",
		Args:  []any{"ACTIVE"},
	}, &buf)
	if KindOf(err) != KindConfig {
		t.Fatalf("err=%v want config error", err)
	}
}

func TestExportTable_PredicateRejectsStatementSmuggling(t *testing.T) {
	for _, where := range []string{"1=1; DROP TABLE tblsites", "1=1 -- x", "1=1 /* x */"} {
		exp := testExporter(siteTx())
		var buf bytes.Buffer
		_, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "tblsites", Where: where}, &buf)
		if KindOf(err) != KindConfig {
			t.Fatalf("where=%q err=%v want config error", where, err)
		}
	}
}

func TestExportTable_OrderByColumnValidated(t *testing.T) {
	exp := testExporter(siteTx())

	var buf bytes.Buffer
	_, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table:   "tblsites",
		OrderBy: "missing ASC",
	}, &buf)
	if KindOf(err) != KindConfig {
		t.Fatalf("err=%v want config error", err)
	}
}

func TestExportTable_ReprojectionInQuery(t *testing.T) {
	tx := siteTx()
	exp := testExporter(tx)

	var buf bytes.Buffer
	if _, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table:      "tblsites",
		TargetSRID: 4326,
	}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(tx.declares[0], `ST_AsGeoJSON(ST_Transform(t."geom", 4326))::json`) {
		t.Fatalf("reprojection missing: %s", tx.declares[0])
	}
}

func TestExportTable_ScanFailureIsDataError(t *testing.T) {
	tx := siteTx()
	tx.features = [][]string{{featSite1, featSite2}}
	tx.scanErr = errors.New("malformed geometry")
	tx.scanErrAt = 1
	exp := testExporter(tx)

	var buf bytes.Buffer
	_, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "tblsites"}, &buf)
	if KindOf(err) != KindData {
		t.Fatalf("err=%v want data error", err)
	}
	if tx.committed {
		t.Fatalf("committed a failed export")
	}
	if !tx.rolledBack {
		t.Fatalf("transaction not rolled back")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestExportTable_SinkFailureIsIOError(t *testing.T) {
	tx := siteTx()
	tx.features = [][]string{{featSite1}}
	exp := testExporter(tx)

	_, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "tblsites"}, failingWriter{})
	if KindOf(err) != KindIO {
		t.Fatalf("err=%v want io error", err)
	}
}

func TestExportTable_DeclareErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"bad predicate syntax", &pgconn.PgError{Code: "42601", Message: "syntax error"}, KindConfig},
		{"connection dropped", errors.New("conn closed"), KindIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := siteTx()
			tx.declareErr = tc.err
			exp := testExporter(tx)

			var buf bytes.Buffer
			_, err := exp.ExportTable(context.Background(), model.ExportRequest{Table: "tblsites"}, &buf)
			if KindOf(err) != tc.want {
				t.Fatalf("err=%v kind=%v want %v", err, KindOf(err), tc.want)
			}
			if buf.Len() != 0 {
				t.Fatalf("wrote %d bytes after declare failure", buf.Len())
			}
		})
	}
}

func TestExportTable_CountFailureIsNonFatal(t *testing.T) {
	tx := siteTx()
	tx.countErr = errors.New("permission denied")
	exp := testExporter(tx)

	var buf bytes.Buffer
	if _, err := exp.ExportTable(context.Background(), model.ExportRequest{
		Table:          "tblsites",
		ReportProgress: true,
	}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !tx.countAsked {
		t.Fatalf("progress count not attempted")
	}
}

func TestExportFile_NoPartialFileOnConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.geojson")
	exp := testExporter(&fakeTx{})

	_, err := exp.ExportFile(context.Background(), model.ExportRequest{Table: "nope"}, path)
	if KindOf(err) != KindConfig {
		t.Fatalf("err=%v want config error", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("partial file left behind: %v", statErr)
	}
}

func TestExportFile_OverwritesByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.geojson")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	exp := testExporter(siteTx())
	if _, err := exp.ExportFile(context.Background(), model.ExportRequest{Table: "tblsites"}, path); err != nil {
		t.Fatalf("export: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"FeatureCollection","features":[]}` {
		t.Fatalf("file=%q", b)
	}
}

func TestExportFile_IfExistsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.geojson")
	if err := os.WriteFile(path, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	exp := testExporter(siteTx())
	_, err := exp.ExportFile(context.Background(), model.ExportRequest{
		Table:    "tblsites",
		IfExists: model.IfExistsError,
	}, path)
	if KindOf(err) != KindIO {
		t.Fatalf("err=%v want io error", err)
	}

	b, _ := os.ReadFile(path)
	if string(b) != "keep me" {
		t.Fatalf("existing file clobbered: %q", b)
	}
}

func TestExportMany_ContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	badOut := filepath.Join(dir, "bad.geojson")
	goodOut := filepath.Join(dir, "good.geojson")

	// one transaction per job, first without the requested relation
	txs := []*fakeTx{{}, siteTx()}
	db := &sequenceDB{txs: txs}
	exp := New(db, Options{}, slog.New(slog.DiscardHandler))

	results := exp.ExportMany(context.Background(), []model.ExportJob{
		{Request: model.ExportRequest{Table: "missing"}, Output: badOut},
		{Request: model.ExportRequest{Table: "tblsites"}, Output: goodOut},
	})

	if len(results) != 2 {
		t.Fatalf("results=%d want 2", len(results))
	}
	if results[0].Err == nil {
		t.Fatalf("first job should fail")
	}
	if results[1].Err != nil {
		t.Fatalf("second job failed: %v", results[1].Err)
	}
	if _, err := os.Stat(goodOut); err != nil {
		t.Fatalf("second output missing: %v", err)
	}
}

type sequenceDB struct {
	txs []*fakeTx
	i   int
}

func (s *sequenceDB) Begin(context.Context) (pgx.Tx, error) {
	if s.i >= len(s.txs) {
		return nil, errors.New("no more transactions")
	}
	tx := s.txs[s.i]
	s.i++
	return tx, nil
}

var _ io.Writer = failingWriter{}
