package mssql

import (
	"fmt"
	"hash/fnv"
	"strings"

	"schemaflow/internal/catalog"
	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

// Collations used for string comparisons on JSON values.
const (
	collateBinary          = "Latin1_General_100_BIN2"
	collateCaseSensitive   = "Latin1_General_100_CS_AS"
	collateCaseInsensitive = "Latin1_General_100_CI_AS"
)

// sqlBuilder accumulates @pN arguments. Named placeholders may be referenced
// more than once.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("@p%d", len(b.args))
}

// field renders an EXISTS over the normalized document's members whose key
// is bound at key and whose value satisfies pred. OPENJSON types: 1 string,
// 2 number, 3 boolean.
func field(key, pred string) string {
	return "EXISTS (SELECT 1 FROM OPENJSON(normalized) AS j WHERE j.[key] = " + key + " AND " + pred + ")"
}

func (b *sqlBuilder) eqPred(v any) (string, error) {
	switch t := v.(type) {
	case bool:
		return fmt.Sprintf("j.[type] = 3 AND j.[value] = '%t'", t), nil
	case float64:
		return "j.[type] = 2 AND TRY_CAST(j.[value] AS FLOAT) = " + b.arg(t), nil
	case string:
		return "j.[type] = 1 AND j.[value] COLLATE " + collateBinary + " = " + b.arg(t), nil
	}
	return "", fmt.Errorf("mssql: unsupported value %T", v)
}

func (b *sqlBuilder) likePred(m query.Match) (string, error) {
	like, err := likePattern(m.Pattern)
	if err != nil {
		return "", err
	}
	collation := collateCaseSensitive
	if m.CaseInsensitive {
		collation = collateCaseInsensitive
	}
	return "j.[type] = 1 AND j.[value] COLLATE " + collation + " LIKE " + b.arg(like), nil
}

// buildWhere renders f as a WHERE clause body. An empty filter yields "1 = 1".
func buildWhere(b *sqlBuilder, f query.Filter) (string, error) {
	var conds []string
	if f.Source != "" {
		conds = append(conds, "source = "+b.arg(f.Source))
	}

	if f.Search != nil && len(f.Search.Fields) > 0 {
		keys := make([]string, 0, len(f.Search.Fields))
		for _, name := range f.Search.Fields {
			keys = append(keys, b.arg(name))
		}
		pred, err := b.likePred(f.Search.Match)
		if err != nil {
			return "", err
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM OPENJSON(normalized) AS j WHERE j.[key] IN ("+
			strings.Join(keys, ", ")+") AND "+pred+")")
	}

	for _, c := range f.Conditions {
		k := b.arg(c.Field)
		if c.HasEq {
			pred, err := b.eqPred(c.Eq)
			if err != nil {
				return "", fmt.Errorf("%w for %s", err, c.Field)
			}
			conds = append(conds, field(k, pred))
		}
		if c.Gte != nil {
			conds = append(conds, field(k, "j.[type] = 2 AND TRY_CAST(j.[value] AS FLOAT) >= "+b.arg(*c.Gte)))
		}
		if c.Lte != nil {
			conds = append(conds, field(k, "j.[type] = 2 AND TRY_CAST(j.[value] AS FLOAT) <= "+b.arg(*c.Lte)))
		}
		for _, m := range c.Matches {
			pred, err := b.likePred(m)
			if err != nil {
				return "", fmt.Errorf("%w for %s", err, c.Field)
			}
			conds = append(conds, field(k, pred))
		}
		if c.In != nil {
			if len(c.In) == 0 {
				conds = append(conds, "1 = 0")
				continue
			}
			ors := make([]string, 0, len(c.In))
			for _, v := range c.In {
				pred, err := b.eqPred(v)
				if err != nil {
					return "", fmt.Errorf("%w for %s", err, c.Field)
				}
				ors = append(ors, "("+pred+")")
			}
			conds = append(conds, field(k, "("+strings.Join(ors, " OR ")+")"))
		}
	}

	if len(conds) == 0 {
		return "1 = 1", nil
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
		original = "CAST(NULL AS NVARCHAR(MAX))"
	}

	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}
	order := "ingested_at " + dir
	if p.SortsByField() {
		v := "JSON_VALUE(normalized, " + b.arg(storage.JSONPath(p.SortBy)) + ")"
		order = fmt.Sprintf("CASE WHEN %s IS NULL THEN 1 ELSE 0 END, TRY_CAST(%s AS FLOAT) %s, %s %s, ingested_at DESC",
			v, v, dir, v, dir)
	}

	sql := fmt.Sprintf(
		"SELECT id, source, catalog_version, %s, normalized, ingested_at FROM records WHERE %s ORDER BY %s, id OFFSET %s ROWS FETCH NEXT %s ROWS ONLY",
		original, where, order, b.arg(p.Offset()), b.arg(p.PerPage),
	)
	return sql, b.args, nil
}

func buildCountSQL(f query.Filter) (string, []any, error) {
	var b sqlBuilder
	where, err := buildWhere(&b, f)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT_BIG(*) FROM records WHERE " + where, b.args, nil
}

// buildIndexSQL returns the statements that materialize spec: one computed
// column per key over JSON_VALUE, then an index on those columns.
//
// Sparse is ignored (filtered indexes cannot reference computed columns) and
// so is Background (ONLINE index builds are edition-specific).
func buildIndexSQL(spec catalog.IndexSpec) []string {
	stmts := make([]string, 0, len(spec.Keys)+1)
	cols := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		col := computedColumn(k.Field)
		stmts = append(stmts, fmt.Sprintf(
			"IF COL_LENGTH(N'records', %s) IS NULL ALTER TABLE records ADD %s AS CAST(JSON_VALUE(normalized, %s) AS NVARCHAR(450))",
			mssqlLiteral(col), mssqlIdent(col), mssqlLiteral(storage.JSONPath(k.Field)),
		))
		dir := "ASC"
		if k.Direction < 0 {
			dir = "DESC"
		}
		cols = append(cols, mssqlIdent(col)+" "+dir)
	}

	name := storage.IndexName(spec)
	unique := ""
	if spec.Options.Unique {
		unique = "UNIQUE "
	}
	stmts = append(stmts, fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = %s AND object_id = OBJECT_ID(N'records')) CREATE %sINDEX %s ON records (%s)",
		mssqlLiteral(name), unique, mssqlIdent(name), strings.Join(cols, ", "),
	))
	return stmts
}

// computedColumn names the column that mirrors field: "nf_<field>_<hash>".
func computedColumn(field string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(field) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	base := b.String()
	if len(base) > 40 {
		base = base[:40]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(field))
	return fmt.Sprintf("nf_%s_%08x", base, h.Sum32())
}

// likePattern turns a literal regular expression (escapes and optional ^ $
// anchors only) into a LIKE pattern.
func likePattern(pattern string) (string, error) {
	rs := []rune(pattern)
	var (
		b          strings.Builder
		start, end bool
	)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\\':
			if i+1 >= len(rs) {
				return "", fmt.Errorf("mssql: trailing escape in %q", pattern)
			}
			i++
			writeLikeLiteral(&b, rs[i])
		case r == '^' && i == 0:
			start = true
		case r == '$' && i == len(rs)-1:
			end = true
		case strings.ContainsRune(`.+*?()|[]{}^$`, r):
			return "", fmt.Errorf("mssql: unsupported pattern %q", pattern)
		default:
			writeLikeLiteral(&b, r)
		}
	}
	out := b.String()
	if !start {
		out = "%" + out
	}
	if !end {
		out += "%"
	}
	return out, nil
}

func writeLikeLiteral(b *strings.Builder, r rune) {
	switch r {
	case '%', '_', '[':
		b.WriteByte('[')
		b.WriteRune(r)
		b.WriteByte(']')
	default:
		b.WriteRune(r)
	}
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlLiteral returns an N'' string literal for DDL.
func mssqlLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}
