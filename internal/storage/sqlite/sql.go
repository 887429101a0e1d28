package sqlite

import (
	"fmt"
	"strings"

	"schemaflow/internal/catalog"
	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "?"
}

// typeOf and valueOf address one normalized field by JSON path. Each call
// binds its own argument since "?" placeholders are positional.
func (b *sqlBuilder) typeOf(field string) string {
	return "json_type(normalized, " + b.arg(storage.JSONPath(field)) + ")"
}

func (b *sqlBuilder) valueOf(field string) string {
	return "json_extract(normalized, " + b.arg(storage.JSONPath(field)) + ")"
}

// eq renders a typed equality so that "7", 7 and true never compare equal.
func (b *sqlBuilder) eq(field string, v any) (string, error) {
	switch t := v.(type) {
	case bool:
		return fmt.Sprintf("%s = '%t'", b.typeOf(field), t), nil
	case float64:
		return fmt.Sprintf("(%s IN ('integer', 'real') AND %s = %s)", b.typeOf(field), b.valueOf(field), b.arg(t)), nil
	case string:
		return fmt.Sprintf("(%s = 'text' AND %s = %s)", b.typeOf(field), b.valueOf(field), b.arg(t)), nil
	}
	return "", fmt.Errorf("sqlite: unsupported value %T for %s", v, field)
}

func (b *sqlBuilder) match(field string, m query.Match) string {
	pat := m.Pattern
	if m.CaseInsensitive {
		pat = "(?i)" + pat
	}
	return fmt.Sprintf("(%s = 'text' AND %s REGEXP %s)", b.typeOf(field), b.valueOf(field), b.arg(pat))
}

func (b *sqlBuilder) bound(field, op string, v float64) string {
	return fmt.Sprintf("(%s IN ('integer', 'real') AND %s %s %s)", b.typeOf(field), b.valueOf(field), op, b.arg(v))
}

// buildWhere renders f as a WHERE clause body. An empty filter yields "1".
func buildWhere(b *sqlBuilder, f query.Filter) (string, error) {
	var conds []string
	if f.Source != "" {
		conds = append(conds, "source = "+b.arg(f.Source))
	}

	if f.Search != nil && len(f.Search.Fields) > 0 {
		ors := make([]string, 0, len(f.Search.Fields))
		for _, name := range f.Search.Fields {
			ors = append(ors, b.match(name, f.Search.Match))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	for _, c := range f.Conditions {
		if c.HasEq {
			s, err := b.eq(c.Field, c.Eq)
			if err != nil {
				return "", err
			}
			conds = append(conds, s)
		}
		if c.Gte != nil {
			conds = append(conds, b.bound(c.Field, ">=", *c.Gte))
		}
		if c.Lte != nil {
			conds = append(conds, b.bound(c.Field, "<=", *c.Lte))
		}
		for _, m := range c.Matches {
			conds = append(conds, b.match(c.Field, m))
		}
		if c.In != nil {
			if len(c.In) == 0 {
				conds = append(conds, "0")
				continue
			}
			ors := make([]string, 0, len(c.In))
			for _, v := range c.In {
				s, err := b.eq(c.Field, v)
				if err != nil {
					return "", err
				}
				ors = append(ors, s)
			}
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	if len(conds) == 0 {
		return "1", nil
	}
	return strings.Join(conds, " AND "), nil
}

func buildFindSQL(f query.Filter, p query.FindParams) (string, []any, error) {
	var b sqlBuilder
	where, err := buildWhere(&b, f)
	if err != nil {
		return "", nil, err
	}

	original := "original"
	if p.Projection != nil {
		original = "NULL"
	}

	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}
	order := "ingested_at " + dir
	if p.SortsByField() {
		order = fmt.Sprintf("%s IS NULL, %s %s, ingested_at DESC", b.valueOf(p.SortBy), b.valueOf(p.SortBy), dir)
	}

	sql := fmt.Sprintf(
		"SELECT id, source, catalog_version, %s, normalized, ingested_at FROM records WHERE %s ORDER BY %s, id LIMIT %s OFFSET %s",
		original, where, order, b.arg(p.PerPage), b.arg(p.Offset()),
	)
	return sql, b.args, nil
}

func buildCountSQL(f query.Filter) (string, []any, error) {
	var b sqlBuilder
	where, err := buildWhere(&b, f)
	if err != nil {
		return "", nil, err
	}
	return "SELECT count(*) FROM records WHERE " + where, b.args, nil
}

// buildIndexSQL renders an expression index on json_extract. Sparse becomes a
// partial index over rows that carry every key; Background has no meaning
// for SQLite.
func buildIndexSQL(spec catalog.IndexSpec) string {
	var sb strings.Builder
	sb.WriteString("CREATE ")
	if spec.Options.Unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX IF NOT EXISTS ")
	sb.WriteString(sqlIdent(storage.IndexName(spec)))
	sb.WriteString(" ON records (")
	exprs := make([]string, 0, len(spec.Keys))
	for i, k := range spec.Keys {
		expr := "json_extract(normalized, " + sqlLiteral(storage.JSONPath(k.Field)) + ")"
		exprs = append(exprs, expr)
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(expr)
		if k.Direction < 0 {
			sb.WriteString(" DESC")
		}
	}
	sb.WriteString(")")
	if spec.Options.Sparse {
		sb.WriteString(" WHERE ")
		for i, e := range exprs {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(e)
			sb.WriteString(" IS NOT NULL")
		}
	}
	return sb.String()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
