package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"schemaflow/internal/catalog"
	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

// sqlBuilder accumulates positional arguments ($1, $2, ...).
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// buildWhere renders f as a WHERE clause body. Field names always travel as
// parameters, never as SQL text. An empty filter yields "TRUE".
//
// Type checks go through jsonb_typeof so a widened field holding both
// numbers and strings never fails a cast.
func buildWhere(b *sqlBuilder, f query.Filter) (string, error) {
	var conds []string
	if f.Source != "" {
		conds = append(conds, "source = "+b.arg(f.Source))
	}

	if f.Search != nil && len(f.Search.Fields) > 0 {
		pat := b.arg(f.Search.Match.Pattern)
		ors := make([]string, 0, len(f.Search.Fields))
		for _, name := range f.Search.Fields {
			ors = append(ors, regexCond(b.arg(name), pat, f.Search.Match.CaseInsensitive))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	for _, c := range f.Conditions {
		k := b.arg(c.Field)
		if c.HasEq {
			raw, err := json.Marshal(c.Eq)
			if err != nil {
				return "", fmt.Errorf("postgres: encode %s: %w", c.Field, err)
			}
			conds = append(conds, fmt.Sprintf("normalized -> %s::text = %s::jsonb", k, b.arg(string(raw))))
		}
		num := fmt.Sprintf("(CASE WHEN jsonb_typeof(normalized -> %s::text) = 'number' THEN (normalized ->> %s::text)::numeric END)", k, k)
		if c.Gte != nil {
			conds = append(conds, fmt.Sprintf("%s >= %s", num, b.arg(*c.Gte)))
		}
		if c.Lte != nil {
			conds = append(conds, fmt.Sprintf("%s <= %s", num, b.arg(*c.Lte)))
		}
		for _, m := range c.Matches {
			conds = append(conds, regexCond(k, b.arg(m.Pattern), m.CaseInsensitive))
		}
		if c.In != nil {
			if len(c.In) == 0 {
				conds = append(conds, "FALSE")
				continue
			}
			items := make([]string, 0, len(c.In))
			for _, v := range c.In {
				raw, err := json.Marshal(v)
				if err != nil {
					return "", fmt.Errorf("postgres: encode %s: %w", c.Field, err)
				}
				items = append(items, b.arg(string(raw))+"::jsonb")
			}
			conds = append(conds, fmt.Sprintf("normalized -> %s::text IN (%s)", k, strings.Join(items, ", ")))
		}
	}

	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), nil
}

func regexCond(key, pattern string, caseInsensitive bool) string {
	op := "~"
	if caseInsensitive {
		op = "~*"
	}
	return fmt.Sprintf("(jsonb_typeof(normalized -> %s::text) = 'string' AND normalized ->> %s::text %s %s)", key, key, op, pattern)
}

// buildFindSQL renders the paged select for f and p.
func buildFindSQL(f query.Filter, p query.FindParams) (string, []any, error) {
	var b sqlBuilder
	where, err := buildWhere(&b, f)
	if err != nil {
		return "", nil, err
	}

	original := "original"
	if p.Projection != nil {
		original = "NULL::json"
	}

	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}
	order := "ingested_at " + dir
	if p.SortsByField() {
		order = fmt.Sprintf("normalized -> %s::text %s NULLS LAST, ingested_at DESC", b.arg(p.SortBy), dir)
	}

	sql := fmt.Sprintf(
		"SELECT id, source, catalog_version, %s, normalized, ingested_at FROM records WHERE %s ORDER BY %s, id LIMIT %s OFFSET %s",
		original, where, order, b.arg(p.PerPage), b.arg(p.Offset()),
	)
	return sql, b.args, nil
}

// buildCountSQL renders the count for f.
func buildCountSQL(f query.Filter) (string, []any, error) {
	var b sqlBuilder
	where, err := buildWhere(&b, f)
	if err != nil {
		return "", nil, err
	}
	return "SELECT count(*) FROM records WHERE " + where, b.args, nil
}

// buildIndexSQL renders an expression index over normalized fields.
//
// Background maps to CONCURRENTLY. Sparse has no Postgres equivalent that
// the planner could use for these filters and is ignored.
func buildIndexSQL(spec catalog.IndexSpec) string {
	var sb strings.Builder
	sb.WriteString("CREATE ")
	if spec.Options.Unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX ")
	if spec.Options.Background {
		sb.WriteString("CONCURRENTLY ")
	}
	sb.WriteString("IF NOT EXISTS ")
	sb.WriteString(pgIdent(storage.IndexName(spec)))
	sb.WriteString(" ON records (")
	for i, k := range spec.Keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(normalized -> ")
		sb.WriteString(pgLiteral(k.Field))
		sb.WriteString(")")
		if k.Direction < 0 {
			sb.WriteString(" DESC")
		}
	}
	sb.WriteString(")")
	return sb.String()
}
