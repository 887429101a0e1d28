// Package catalog holds the versioned per-source metadata: schema, field map
// and index policy, and the pure transitions between versions.
//
// Nothing here touches storage. Persisting a version (and resolving races on
// the same version number) is the job of storage.CatalogStore.
package catalog

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/document"
	"schemaflow/internal/schema"
)

// Catalog is one immutable version of a source's metadata.
type Catalog struct {
	ID          uuid.UUID          `json:"id"`
	Source      string             `json:"source"`
	Version     int                `json:"version"`
	Schema      *schema.ObjectNode `json:"schema"`
	FieldMap    FieldMap           `json:"fieldMap"`
	IndexPolicy IndexPolicy        `json:"indexPolicy"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Bootstrap derives version 1 of a source from its first payload.
func Bootstrap(source string, payload any) *Catalog {
	paths := document.Flatten(payload)
	fm, names := FieldMap(nil).Extend(paths)
	return &Catalog{
		ID:          uuid.New(),
		Source:      source,
		Version:     1,
		Schema:      schema.Extend(nil, paths),
		FieldMap:    fm,
		IndexPolicy: policyFor(names),
	}
}

// Next derives the version after cur that also covers unknownPaths.
// The index policy only gains specs for the fields added here.
func Next(cur *Catalog, unknownPaths []string) *Catalog {
	fm, added := cur.FieldMap.Extend(unknownPaths)
	return &Catalog{
		ID:          uuid.New(),
		Source:      cur.Source,
		Version:     cur.Version + 1,
		Schema:      schema.Extend(cur.Schema, unknownPaths),
		FieldMap:    fm,
		IndexPolicy: append(cur.IndexPolicy.Clone(), policyFor(added)...),
	}
}

// Widened derives the version after cur carrying the widened schema. Field
// map and index policy are unchanged.
func Widened(cur *Catalog, widened *schema.ObjectNode) *Catalog {
	return &Catalog{
		ID:          uuid.New(),
		Source:      cur.Source,
		Version:     cur.Version + 1,
		Schema:      widened,
		FieldMap:    cur.FieldMap.Clone(),
		IndexPolicy: cur.IndexPolicy.Clone(),
	}
}

func policyFor(names []string) IndexPolicy {
	out := make(IndexPolicy, 0, len(names))
	for _, n := range names {
		out = append(out, FieldIndex(n))
	}
	return out
}

// IndexKey is one normalized field and its sort direction (1 or -1).
type IndexKey struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// IndexOptions are advisory; backends apply the ones they support.
type IndexOptions struct {
	Background bool `json:"background,omitempty"`
	Sparse     bool `json:"sparse,omitempty"`
	Unique     bool `json:"unique,omitempty"`
}

// IndexSpec declares one secondary index over normalized fields.
type IndexSpec struct {
	Keys    []IndexKey   `json:"keys"`
	Options IndexOptions `json:"options"`
}

// FieldIndex is the default spec for a new field: single key, ascending,
// background and sparse.
func FieldIndex(name string) IndexSpec {
	return IndexSpec{
		Keys:    []IndexKey{{Field: name, Direction: 1}},
		Options: IndexOptions{Background: true, Sparse: true},
	}
}

// Signature identifies the key layout of s; options are ignored.
func (s IndexSpec) Signature() string {
	var b strings.Builder
	for i, k := range s.Keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k.Field)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(k.Direction))
	}
	return b.String()
}

// Name is a stable identifier usable as a database index name suffix.
func (s IndexSpec) Name() string {
	parts := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		dir := "asc"
		if k.Direction < 0 {
			dir = "desc"
		}
		parts = append(parts, k.Field+"_"+dir)
	}
	return strings.Join(parts, "__")
}

// IndexPolicy is the ordered list of index specs of a catalog.
type IndexPolicy []IndexSpec

// Clone returns an independent copy.
func (p IndexPolicy) Clone() IndexPolicy {
	if p == nil {
		return nil
	}
	out := make(IndexPolicy, len(p))
	for i, s := range p {
		out[i] = IndexSpec{Keys: append([]IndexKey(nil), s.Keys...), Options: s.Options}
	}
	return out
}

// Dedupe drops specs whose signature was already seen, keeping the first.
func (p IndexPolicy) Dedupe() IndexPolicy {
	seen := make(map[string]struct{}, len(p))
	out := make(IndexPolicy, 0, len(p))
	for _, s := range p {
		sig := s.Signature()
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, s)
	}
	return out
}
