package storage

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/query"
	"schemaflow/internal/schema"
)

// Record is one ingested document.
//
// Normalized holds one key per field of catalog (Source, CatalogVersion) at
// ingestion time. Records are never re-normalized.
type Record struct {
	ID             uuid.UUID        `json:"id"`
	Source         string           `json:"source"`
	CatalogVersion int              `json:"catalogVersion"`
	Original       *document.Object `json:"originalPayload,omitempty"`
	Normalized     *document.Object `json:"normalizedPayload"`
	IngestedAt     time.Time        `json:"ingestedAt"`
}

// Project returns the parts of r selected by p. A nil projection returns r.
func Project(r *Record, p *query.Projection) *Record {
	if p == nil {
		return r
	}
	out := &Record{
		Source:         r.Source,
		CatalogVersion: r.CatalogVersion,
		IngestedAt:     r.IngestedAt,
		Normalized:     document.NewObject(),
	}
	if p.ID {
		out.ID = r.ID
	}
	for _, name := range p.Normalized {
		if v, ok := r.Normalized.Get(name); ok {
			out.Normalized.Set(name, v)
		}
	}
	return out
}

// CatalogRow is the column form of a catalog shared by the SQL backends.
type CatalogRow struct {
	ID          uuid.UUID
	Source      string
	Version     int
	Schema      []byte
	FieldMap    []byte
	IndexPolicy []byte
	CreatedAt   time.Time
}

// EncodeCatalog serializes the JSON columns of c.
func EncodeCatalog(c *catalog.Catalog) (CatalogRow, error) {
	row := CatalogRow{ID: c.ID, Source: c.Source, Version: c.Version, CreatedAt: c.CreatedAt}
	var err error
	if row.Schema, err = json.Marshal(c.Schema); err != nil {
		return CatalogRow{}, fmt.Errorf("encode schema: %w", err)
	}
	if row.FieldMap, err = json.Marshal(c.FieldMap); err != nil {
		return CatalogRow{}, fmt.Errorf("encode field map: %w", err)
	}
	if row.IndexPolicy, err = json.Marshal(c.IndexPolicy); err != nil {
		return CatalogRow{}, fmt.Errorf("encode index policy: %w", err)
	}
	return row, nil
}

// Decode rebuilds the catalog.
func (row CatalogRow) Decode() (*catalog.Catalog, error) {
	c := &catalog.Catalog{
		ID:        row.ID,
		Source:    row.Source,
		Version:   row.Version,
		Schema:    schema.NewObject(),
		CreatedAt: row.CreatedAt,
	}
	if len(row.Schema) > 0 {
		if err := json.Unmarshal(row.Schema, c.Schema); err != nil {
			return nil, fmt.Errorf("decode schema %s@%d: %w", row.Source, row.Version, err)
		}
	}
	if len(row.FieldMap) > 0 {
		if err := json.Unmarshal(row.FieldMap, &c.FieldMap); err != nil {
			return nil, fmt.Errorf("decode field map %s@%d: %w", row.Source, row.Version, err)
		}
	}
	if len(row.IndexPolicy) > 0 {
		if err := json.Unmarshal(row.IndexPolicy, &c.IndexPolicy); err != nil {
			return nil, fmt.Errorf("decode index policy %s@%d: %w", row.Source, row.Version, err)
		}
	}
	return c, nil
}

// DecodePayload parses a stored JSON object column. Empty input yields nil.
func DecodePayload(raw []byte) (*document.Object, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var obj document.Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// FieldNamesOf collects the distinct field names of cs, sorted.
func FieldNamesOf(cs []*catalog.Catalog) []string {
	set := map[string]struct{}{}
	for _, c := range cs {
		for _, f := range c.FieldMap {
			set[f.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IndexName derives a stable, identifier-safe index name for spec:
// "ix_records_<fields>_<hash>", at most 63 bytes.
func IndexName(spec catalog.IndexSpec) string {
	var b strings.Builder
	for _, r := range strings.ToLower(spec.Name()) {
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
	_, _ = h.Write([]byte(spec.Signature()))
	return fmt.Sprintf("ix_records_%s_%08x", base, h.Sum32())
}

// JSONPath renders a field name as a quoted JSON path ($."name") for the
// SQL backends' JSON functions.
func JSONPath(field string) string {
	return `$."` + strings.ReplaceAll(strings.ReplaceAll(field, `\`, `\\`), `"`, `\"`) + `"`
}
