package catalog

import (
	"fmt"
	"strings"

	"schemaflow/internal/document"
)

// Field binds a normalized field name to a path into the original payload.
type Field struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// FieldMap is the ordered name -> path dictionary of a catalog.
//
// It is a slice rather than a map so the first-seen order survives every
// store (JSONB, for one, does not keep object key order).
type FieldMap []Field

// Lookup returns the path assigned to name.
func (m FieldMap) Lookup(name string) (string, bool) {
	for _, f := range m {
		if f.Name == name {
			return f.Path, true
		}
	}
	return "", false
}

// Names returns the field names in assignment order.
func (m FieldMap) Names() []string {
	out := make([]string, len(m))
	for i, f := range m {
		out[i] = f.Name
	}
	return out
}

// KnownPaths returns the set of target paths with the "$." prefix removed.
func (m FieldMap) KnownPaths() map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for _, f := range m {
		out[document.TrimPath(f.Path)] = struct{}{}
	}
	return out
}

// Clone returns an independent copy.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	return append(FieldMap(nil), m...)
}

// Extend returns a copy of m with one new entry per path, plus the names that
// were added. Existing entries are never changed.
//
// A new entry is named after the last path segment; on collision it becomes
// name_2, name_3, ... in first-seen order.
func (m FieldMap) Extend(paths []string) (FieldMap, []string) {
	out := m.Clone()
	taken := make(map[string]struct{}, len(m)+len(paths))
	for _, f := range m {
		taken[f.Name] = struct{}{}
	}

	var added []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		base := p
		if i := strings.LastIndexByte(p, '.'); i >= 0 {
			base = p[i+1:]
		}
		name := base
		for n := 2; ; n++ {
			if _, dup := taken[name]; !dup {
				break
			}
			name = fmt.Sprintf("%s_%d", base, n)
		}
		taken[name] = struct{}{}
		out = append(out, Field{Name: name, Path: "$." + p})
		added = append(added, name)
	}
	return out, added
}

// Project builds the normalized payload: one key per field, in field-map
// order, holding the value found at its path or nil when absent.
func Project(payload any, m FieldMap) *document.Object {
	out := document.NewObject()
	for _, f := range m {
		out.Set(f.Name, document.Get(payload, f.Path))
	}
	return out
}

// Unknown returns every flattened path of payload that no field targets, in
// discovery order without duplicates.
func Unknown(payload any, m FieldMap) []string {
	known := m.KnownPaths()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range document.Flatten(payload) {
		if _, ok := known[p]; ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
