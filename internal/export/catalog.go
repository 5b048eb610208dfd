package export

import (
	"context"
	"slices"
	"strings"
)

// Column resolution always hits the live catalog: the relation's shape may
// change between calls, so nothing here is cached.

const relationColumnsSQL = `
SELECT a.attname
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
  AND c.relname = $2
  AND c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum`

type relation struct {
	Schema  string
	Table   string
	Columns []string // catalog ordinal order
}

func (r relation) hasColumn(name string) bool {
	return slices.Contains(r.Columns, name)
}

// resolveRelation loads the relation's column list inside the export
// transaction, so validation and the cursor see the same catalog snapshot.
func resolveRelation(ctx context.Context, q querier, schema, table string) (relation, error) {
	rows, err := q.Query(ctx, relationColumnsSQL, schema, table)
	if err != nil {
		return relation{}, ioErr("resolve relation", err)
	}
	defer rows.Close()

	rel := relation{Schema: schema, Table: table}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return relation{}, ioErr("resolve relation", err)
		}
		rel.Columns = append(rel.Columns, name)
	}
	if err := rows.Err(); err != nil {
		return relation{}, ioErr("resolve relation", err)
	}
	if len(rel.Columns) == 0 {
		return relation{}, configErrf("resolve relation", "relation %q.%q not found", schema, table)
	}
	return rel, nil
}

// effectiveColumns computes the property column list: the explicit request
// order, or every non-geometry column in catalog ordinal order. The geometry
// column is never duplicated into properties.
func effectiveColumns(rel relation, geomCol string, requested []string, all bool) ([]string, error) {
	if !rel.hasColumn(geomCol) {
		return nil, configErrf("resolve columns", "geometry column %q not found on %s.%s", geomCol, rel.Schema, rel.Table)
	}

	if all {
		cols := make([]string, 0, len(rel.Columns)-1)
		for _, c := range rel.Columns {
			if c != geomCol {
				cols = append(cols, c)
			}
		}
		return cols, nil
	}

	cols := make([]string, 0, len(requested))
	for _, c := range requested {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, configErrf("resolve columns", "empty column name in column list")
		}
		if c == geomCol {
			continue
		}
		if !rel.hasColumn(c) {
			return nil, configErrf("resolve columns", "column %q not found on %s.%s", c, rel.Schema, rel.Table)
		}
		if slices.Contains(cols, c) {
			return nil, configErrf("resolve columns", "duplicate column %q in column list", c)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

type orderTerm struct {
	Column    string
	Direction string // "", "ASC", "DESC"
	Nulls     string // "", "FIRST", "LAST"
}

// parseOrderBy accepts "col [ASC|DESC] [NULLS FIRST|LAST], ..." and rejects
// everything else. Column names are checked against the relation so that the
// rebuilt clause only ever interpolates validated, quoted identifiers.
func parseOrderBy(clause string, rel relation) ([]orderTerm, error) {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return nil, nil
	}

	var terms []orderTerm
	for _, part := range strings.Split(clause, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return nil, configErrf("parse order by", "empty ordering term in %q", clause)
		}

		t := orderTerm{Column: strings.Trim(fields[0], `"`)}
		if !rel.hasColumn(t.Column) {
			return nil, configErrf("parse order by", "ordering column %q not found on %s.%s", t.Column, rel.Schema, rel.Table)
		}

		rest := fields[1:]
		if len(rest) > 0 {
			switch strings.ToUpper(rest[0]) {
			case "ASC":
				t.Direction = "ASC"
				rest = rest[1:]
			case "DESC":
				t.Direction = "DESC"
				rest = rest[1:]
			}
		}
		if len(rest) >= 2 && strings.EqualFold(rest[0], "NULLS") {
			switch strings.ToUpper(rest[1]) {
			case "FIRST":
				t.Nulls = "FIRST"
			case "LAST":
				t.Nulls = "LAST"
			default:
				return nil, configErrf("parse order by", "invalid NULLS policy %q", rest[1])
			}
			rest = rest[2:]
		}
		if len(rest) > 0 {
			return nil, configErrf("parse order by", "unsupported ordering syntax %q", strings.TrimSpace(part))
		}
		terms = append(terms, t)
	}
	return terms, nil
}

// validatePredicate is a cheap pre-flight check on the filter fragment. The
// fragment is user-authored SQL with $n placeholders; values travel as bound
// parameters, but the fragment itself must not smuggle in extra statements.
// Anything structurally wrong beyond this surfaces as a configuration error
// when the cursor is declared, before any output exists.
func validatePredicate(where string) error {
	for _, tok := range []string{";", "--", "/*"} {
		if strings.Contains(where, tok) {
			return configErrf("validate filter", "filter predicate must not contain %q", tok)
		}
	}
	return nil
}

func placeholderCount(where string) int {
	max := 0
	for i := 0; i < len(where)-1; i++ {
		if where[i] != '$' {
			continue
		}
		n := 0
		j := i + 1
		for j < len(where) && where[j] >= '0' && where[j] <= '9' {
			n = n*10 + int(where[j]-'0')
			j++
		}
		if j > i+1 && n > max {
			max = n
		}
	}
	return max
}

// checkArgs verifies that bound parameters line up with the $n placeholders.
func checkArgs(where string, args []any) error {
	if n := placeholderCount(where); n != len(args) {
		return configErrf("validate filter", "filter references %d parameter(s) but %d bound value(s) given", n, len(args))
	}
	return nil
}
