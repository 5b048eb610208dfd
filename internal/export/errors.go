package export

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind partitions export failures by where they were detected and what the
// caller may assume about the output.
type Kind int

const (
	// KindConfig: unknown relation or column, malformed order or filter
	// fragment. Detected before any output byte is written.
	KindConfig Kind = iota + 1
	// KindData: a row failed to serialize or reproject mid-stream. Partial
	// output must be treated as invalid.
	KindData
	// KindIO: the sink could not be created, written, or flushed.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindData:
		return "data"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error wraps a failure with its taxonomy kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func configErr(op string, err error) error { return &Error{Kind: KindConfig, Op: op, Err: err} }
func dataErr(op string, err error) error   { return &Error{Kind: KindData, Op: op, Err: err} }
func ioErr(op string, err error) error     { return &Error{Kind: KindIO, Op: op, Err: err} }

func configErrf(op, format string, args ...any) error {
	return configErr(op, fmt.Errorf(format, args...))
}

// KindOf returns the taxonomy kind of err, or zero if err is not an export
// error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// SQLSTATE classes that indicate a bad request rather than bad data. The
// cursor declaration surfaces these before any output is written.
func isPgConfigError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P01", // undefined_table
		"42703", // undefined_column
		"42601", // syntax_error
		"42883", // undefined_function
		"42501", // insufficient_privilege
		"3F000": // invalid_schema_name
		return true
	}
	return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42"
}

// classifyDeclare maps a failure while declaring the cursor: bad SQL is a
// configuration error, anything else (connection loss etc) is I/O.
func classifyDeclare(op string, err error) error {
	if isPgConfigError(err) {
		return configErr(op, err)
	}
	return ioErr(op, err)
}
