// Package probe previews what ingesting a source would do, without touching
// a real store.
//
// A bounded sample of the source's array is run through a throwaway engine
// backed by the in-memory store, seeded with the source's stored catalog
// versions. The result reports the catalog versions the sample would add and
// per-field value statistics, so a feed can be checked for drift and type
// conflicts before it is synced.
//
// Design constraints:
//   - Sampling is bounded by MaxRecords; the rest of the stream is not read.
//   - Rejected and skipped elements are counted, never fatal.
//   - Without a lineage the first sampled element bootstraps version 1, whose
//     leaves accept every JSON type.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/ingest"
	jsonparser "schemaflow/internal/parser/json"
	"schemaflow/internal/storage/memory"
)

// Defaults.
const (
	DefaultMaxRecords = 1000
	// maxDistinct caps distinct-value tracking per field.
	maxDistinct = 10000
)

// Options control sampling.
type Options struct {
	// Source names the sampled catalog.
	Source string
	// MaxRecords bounds the elements read; <= 0 means DefaultMaxRecords.
	MaxRecords int
	// AutoWiden mirrors the engine option of the same name.
	AutoWiden bool
	// Lineage is the source's stored catalog versions in ascending order, as
	// returned by storage.CatalogStore.List. The sample is validated against
	// its latest version.
	Lineage []*catalog.Catalog
}

// Report is the outcome of one probe.
type Report struct {
	Source string `json:"source"`
	// Base is the latest version of the lineage, 0 without one.
	Base     int `json:"base"`
	Sampled  int `json:"sampled"`
	Ingested int `json:"ingested"`
	Rejected int `json:"rejected"`
	Skipped  int `json:"skipped"`
	// Truncated is true when the sample stopped before the end of the stream.
	Truncated bool `json:"truncated"`

	// Versions lists the versions the sample added on top of Base.
	Versions []Version        `json:"versions"`
	Fields   []FieldStats     `json:"fields"`
	Catalog  *catalog.Catalog `json:"catalog,omitempty"`

	// Rejections holds the first few rejection messages.
	Rejections []string `json:"rejections,omitempty"`
}

// Version summarizes one catalog version added by the sample.
type Version struct {
	Version int `json:"version"`
	Fields  int `json:"fields"`
	// Widened is true when the version kept the previous field map, so it
	// only relaxed types.
	Widened bool `json:"widened"`
}

// FieldStats describes the values seen for one normalized field.
type FieldStats struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Present  int      `json:"present"`
	Nulls    int      `json:"nulls"`
	Distinct int      `json:"distinct"`
	Capped   bool     `json:"capped"`
	Kinds    []string `json:"kinds"`
}

const maxRejections = 5

var errSampleFull = errors.New("probe: sample full")

type fieldAcc struct {
	present, nulls int
	distinct       map[string]struct{}
	capped         bool
	kinds          map[string]struct{}
}

// Run samples r and reports the catalog evolution the sample causes.
//
// Errors:
//   - Returns an error if Source is empty, if the lineage belongs to another
//     source, or if the stream is malformed before the sample is full.
func Run(ctx context.Context, r io.Reader, opt Options) (Report, error) {
	if strings.TrimSpace(opt.Source) == "" {
		return Report{}, fmt.Errorf("probe: source is required")
	}
	limit := opt.MaxRecords
	if limit <= 0 {
		limit = DefaultMaxRecords
	}

	st := memory.New()
	defer st.Close()
	rep := Report{Source: opt.Source}
	if err := seed(ctx, st, opt.Source, opt.Lineage); err != nil {
		return rep, err
	}
	if n := len(opt.Lineage); n > 0 {
		rep.Base = opt.Lineage[n-1].Version
	}
	e := ingest.New(st, ingest.Options{AutoWiden: opt.AutoWiden})
	acc := map[string]*fieldAcc{}

	err := jsonparser.StreamArray(ctx, r,
		func(_ int, obj *document.Object) error {
			if rep.Sampled >= limit {
				rep.Truncated = true
				return errSampleFull
			}
			rep.Sampled++
			rec, err := e.IngestRecord(ctx, opt.Source, obj)
			if err != nil {
				if !ingest.IsRejection(err) {
					return err
				}
				rep.Rejected++
				if len(rep.Rejections) < maxRejections {
					rep.Rejections = append(rep.Rejections, err.Error())
				}
				return nil
			}
			rep.Ingested++
			observe(acc, rec.Normalized)
			return nil
		},
		func(int, error) { rep.Skipped++ },
	)
	if err != nil && !errors.Is(err, errSampleFull) {
		return rep, fmt.Errorf("probe %s: %w", opt.Source, err)
	}

	versions, err := st.List(ctx, opt.Source)
	if err != nil {
		return rep, fmt.Errorf("probe %s: list catalogs: %w", opt.Source, err)
	}
	rep.Versions = summarize(versions, rep.Base)
	if n := len(versions); n > 0 {
		latest := versions[n-1]
		rep.Catalog = latest
		rep.Fields = fieldStats(latest.FieldMap, acc)
	}
	return rep, nil
}

func seed(ctx context.Context, st *memory.Store, source string, lineage []*catalog.Catalog) error {
	for _, c := range lineage {
		if c.Source != source {
			return fmt.Errorf("probe %s: lineage holds catalog of source %q", source, c.Source)
		}
		if _, _, err := st.InsertIfAbsent(ctx, c); err != nil {
			return fmt.Errorf("probe %s: seed v%d: %w", source, c.Version, err)
		}
	}
	return nil
}

func observe(acc map[string]*fieldAcc, normalized *document.Object) {
	if normalized == nil {
		return
	}
	for _, name := range normalized.Keys() {
		v, _ := normalized.Get(name)
		a := acc[name]
		if a == nil {
			a = &fieldAcc{distinct: map[string]struct{}{}, kinds: map[string]struct{}{}}
			acc[name] = a
		}
		k := kind(v)
		a.kinds[k] = struct{}{}
		if k == "null" {
			a.nulls++
			continue
		}
		a.present++
		if a.capped {
			continue
		}
		a.distinct[valueKey(v)] = struct{}{}
		if len(a.distinct) >= maxDistinct {
			a.capped = true
		}
	}
}

func summarize(cs []*catalog.Catalog, base int) []Version {
	out := make([]Version, 0, len(cs))
	for i, c := range cs {
		if c.Version <= base {
			continue
		}
		out = append(out, Version{
			Version: c.Version,
			Fields:  len(c.FieldMap),
			Widened: i > 0 && len(c.FieldMap) == len(cs[i-1].FieldMap),
		})
	}
	return out
}

func fieldStats(fm catalog.FieldMap, acc map[string]*fieldAcc) []FieldStats {
	out := make([]FieldStats, 0, len(fm))
	for _, f := range fm {
		fs := FieldStats{Name: f.Name, Path: f.Path, Kinds: []string{}}
		if a := acc[f.Name]; a != nil {
			fs.Present = a.present
			fs.Nulls = a.nulls
			fs.Distinct = len(a.distinct)
			fs.Capped = a.capped
			for k := range a.kinds {
				fs.Kinds = append(fs.Kinds, k)
			}
			sort.Strings(fs.Kinds)
		}
		out = append(out, fs)
	}
	return out
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case *document.Object:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func valueKey(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case json.Number:
		return "n:" + t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return "j:" + string(b)
}

// Format renders rep as a text report, one field per line.
func (rep Report) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "probe report:\tsource=%s base=v%d sampled=%d ingested=%d rejected=%d skipped=%d truncated=%t\n",
		rep.Source, rep.Base, rep.Sampled, rep.Ingested, rep.Rejected, rep.Skipped, rep.Truncated)
	for _, v := range rep.Versions {
		note := ""
		if v.Widened {
			note = " (widened)"
		}
		fmt.Fprintf(&b, "catalog v%d\tfields=%d%s\n", v.Version, v.Fields, note)
	}
	if len(rep.Fields) > 0 {
		fmt.Fprintf(&b, "%-20s\t%-30s\t%-7s\t%-5s\t%-8s\tkinds\n", "field", "path", "present", "nulls", "distinct")
		for _, f := range rep.Fields {
			distinct := fmt.Sprint(f.Distinct)
			if f.Capped {
				distinct += "+"
			}
			fmt.Fprintf(&b, "%-20s\t%-30s\t%-7d\t%-5d\t%-8s\t%s\n",
				f.Name, f.Path, f.Present, f.Nulls, distinct, strings.Join(f.Kinds, ","))
		}
	}
	for _, r := range rep.Rejections {
		fmt.Fprintf(&b, "rejected: %s\n", r)
	}
	return strings.TrimRight(b.String(), "\n")
}
