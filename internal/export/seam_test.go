package export

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Fakes for the pgx seams: a DB handing out one transaction, a transaction
// that serves canned catalog rows and feature batches, and row iterators.

type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

type fakeTx struct {
	columns  []string   // catalog column names, ordinal order
	features [][]string // remaining FETCH batches
	count    int64
	countErr error

	declareErr error
	scanErr    error
	scanErrAt  int // feature ordinal triggering scanErr

	declares    []string
	declareArgs []any
	queries     []string
	countAsked  bool
	cursorDone  bool
	committed   bool
	rolledBack  bool

	served int // features handed out so far
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.HasPrefix(sql, "DECLARE"):
		f.declares = append(f.declares, sql)
		f.declareArgs = args
		if f.declareErr != nil {
			return pgconn.CommandTag{}, f.declareErr
		}
	case strings.HasPrefix(sql, "CLOSE"):
		f.cursorDone = true
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	switch {
	case strings.Contains(sql, "pg_catalog.pg_attribute"):
		vals := make([][]any, len(f.columns))
		for i, c := range f.columns {
			vals[i] = []any{c}
		}
		return &fakeRows{vals: vals}, nil
	case strings.HasPrefix(sql, "FETCH"):
		if len(f.features) == 0 {
			return &fakeRows{}, nil
		}
		batch := f.features[0]
		f.features = f.features[1:]
		rows := &fakeRows{}
		for _, feat := range batch {
			rows.vals = append(rows.vals, []any{feat})
			if f.scanErr != nil && f.served == f.scanErrAt {
				rows.scanErr = f.scanErr
				rows.scanErrAt = len(rows.vals) - 1
			}
			f.served++
		}
		return rows, nil
	default:
		return nil, errors.New("unexpected query: " + sql)
	}
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.countAsked = true
	if strings.HasPrefix(sql, "SELECT count(*)") {
		return fakeRow{vals: []any{f.count}, err: f.countErr}
	}
	return fakeRow{err: errors.New("unexpected query row: " + sql)}
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (f *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn { return nil }

type fakeRows struct {
	vals      [][]any
	i         int
	scanErr   error
	scanErrAt int
	err       error
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.vals) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.vals[r.i-1]
	if r.scanErr != nil && r.i-1 == r.scanErrAt {
		return r.scanErr
	}
	return assign(row, dest)
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

func assign(row []any, dest []any) error {
	if len(row) != len(dest) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			v, ok := row[i].(string)
			if !ok {
				return errors.New("expected string value")
			}
			*p = v
		case *int64:
			v, ok := row[i].(int64)
			if !ok {
				return errors.New("expected int64 value")
			}
			*p = v
		default:
			return errors.New("unsupported scan destination")
		}
	}
	return nil
}
