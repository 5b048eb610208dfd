package export

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// The read query produces one text column per row: a complete RFC 7946
// Feature object built in-database. Geometry-to-GeoJSON conversion is
// delegated to PostGIS (ST_AsGeoJSON, optionally inside ST_Transform);
// the exporter splices the resulting text into the collection verbatim.
//
// Properties are built with row_to_json over an explicit column subselect
// rather than to_jsonb: json preserves select-list key order, which keeps
// property keys in the requested column order for every feature.

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func geometryExpr(geomCol string, targetSRID int) string {
	g := "t." + quoteIdent(geomCol)
	if targetSRID > 0 {
		return fmt.Sprintf("ST_AsGeoJSON(ST_Transform(%s, %d))::json", g, targetSRID)
	}
	return fmt.Sprintf("ST_AsGeoJSON(%s)::json", g)
}

func propertiesExpr(cols []string) string {
	if len(cols) == 0 {
		return "'{}'::json"
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "t." + quoteIdent(c)
	}
	return fmt.Sprintf("(SELECT row_to_json(r) FROM (SELECT %s) r)", strings.Join(quoted, ", "))
}

func orderByExpr(terms []orderTerm) string {
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		s := "t." + quoteIdent(t.Column)
		if t.Direction != "" {
			s += " " + t.Direction
		}
		if t.Nulls != "" {
			s += " NULLS " + t.Nulls
		}
		parts[i] = s
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// buildFeatureQuery assembles the single read query. Identifiers have already
// been validated against the live catalog; filter values bind to $n
// placeholders and are never part of the SQL text.
func buildFeatureQuery(rel relation, geomCol string, cols []string, where string, order []orderTerm, targetSRID int) string {
	var b strings.Builder
	b.WriteString("SELECT json_build_object('type', 'Feature', 'geometry', ")
	b.WriteString(geometryExpr(geomCol, targetSRID))
	b.WriteString(", 'properties', COALESCE(")
	b.WriteString(propertiesExpr(cols))
	b.WriteString(", '{}'::json))::text")
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(rel.Schema))
	b.WriteString(".")
	b.WriteString(quoteIdent(rel.Table))
	b.WriteString(" t")
	if strings.TrimSpace(where) != "" {
		b.WriteString(" WHERE (")
		b.WriteString(where)
		b.WriteString(")")
	}
	b.WriteString(orderByExpr(order))
	return b.String()
}

// buildCountQuery mirrors the read query's FROM/WHERE for progress reporting.
func buildCountQuery(rel relation, where string) string {
	q := fmt.Sprintf("SELECT count(*) FROM %s.%s t", quoteIdent(rel.Schema), quoteIdent(rel.Table))
	if strings.TrimSpace(where) != "" {
		q += " WHERE (" + where + ")"
	}
	return q
}
