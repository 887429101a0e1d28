// Package memory is an in-process storage backend. It backs tests and the
// "memory" store kind; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

func init() {
	storage.Register("memory", func(context.Context, storage.Config) (storage.Store, error) {
		return New(), nil
	})
}

type catalogKey struct {
	source  string
	version int
}

// Store keeps catalogs and records in maps guarded by one mutex.
//
// Catalogs returned by the store are shared and must be treated as read-only.
type Store struct {
	mu       sync.RWMutex
	catalogs map[catalogKey]*catalog.Catalog
	records  []*storage.Record
	indexes  map[string]catalog.IndexSpec

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		catalogs: map[catalogKey]*catalog.Catalog{},
		indexes:  map[string]catalog.IndexSpec{},
		now:      time.Now,
	}
}

// Close implements storage.Store.
func (s *Store) Close() {}

// Latest implements storage.CatalogStore.
func (s *Store) Latest(_ context.Context, source string) (*catalog.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *catalog.Catalog
	for k, c := range s.catalogs {
		if k.source == source && (best == nil || c.Version > best.Version) {
			best = c
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return best, nil
}

// InsertIfAbsent implements storage.CatalogStore. The check and the insert
// happen under one write lock.
func (s *Store) InsertIfAbsent(_ context.Context, c *catalog.Catalog) (*catalog.Catalog, bool, error) {
	if c == nil || c.Source == "" || c.Version < 1 {
		return nil, false, fmt.Errorf("memory: invalid catalog")
	}
	key := catalogKey{source: c.Source, version: c.Version}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.catalogs[key]; ok {
		return existing, false, nil
	}
	stored := *c
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.catalogs[key] = &stored
	return &stored, true, nil
}

// Sources implements storage.CatalogStore.
func (s *Store) Sources(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]struct{}{}
	for k := range s.catalogs {
		set[k.source] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for src := range set {
		out = append(out, src)
	}
	sort.Strings(out)
	return out, nil
}

// FieldNames implements storage.CatalogStore.
func (s *Store) FieldNames(_ context.Context, source string) ([]string, error) {
	cs, err := s.list(source)
	if err != nil {
		return nil, err
	}
	return storage.FieldNamesOf(cs), nil
}

// List implements storage.CatalogStore.
func (s *Store) List(_ context.Context, source string) ([]*catalog.Catalog, error) {
	return s.list(source)
}

func (s *Store) list(source string) ([]*catalog.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Catalog
	for k, c := range s.catalogs {
		if source == "" || k.source == source {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// InsertRecord implements storage.RecordStore.
func (s *Store) InsertRecord(_ context.Context, r *storage.Record) error {
	if r == nil {
		return fmt.Errorf("memory: nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.IngestedAt.IsZero() {
		r.IngestedAt = s.now().UTC()
	}
	s.records = append(s.records, r)
	return nil
}

// FindRecords implements storage.RecordStore.
func (s *Store) FindRecords(_ context.Context, f query.Filter, p query.FindParams) ([]*storage.Record, error) {
	matched, err := s.match(f)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		var c int
		if p.SortsByField() {
			a, _ := matched[i].Normalized.Get(p.SortBy)
			b, _ := matched[j].Normalized.Get(p.SortBy)
			// nulls last in both directions
			if (a == nil) != (b == nil) {
				return b == nil
			}
			c = compareValues(a, b)
		} else {
			c = matched[i].IngestedAt.Compare(matched[j].IngestedAt)
		}
		if p.SortDesc {
			return c > 0
		}
		return c < 0
	})

	start := min(p.Offset(), len(matched))
	end := len(matched)
	if p.PerPage > 0 {
		end = min(start+p.PerPage, len(matched))
	}
	out := make([]*storage.Record, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, storage.Project(r, p.Projection))
	}
	return out, nil
}

// CountRecords implements storage.RecordStore.
func (s *Store) CountRecords(_ context.Context, f query.Filter) (int64, error) {
	matched, err := s.match(f)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s *Store) match(f query.Filter) ([]*storage.Record, error) {
	ev, err := query.NewEvaluator(f)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Record
	for _, r := range s.records {
		if ev.Match(r.Source, r.Normalized) {
			out = append(out, r)
		}
	}
	return out, nil
}

// EnsureIndexes implements storage.RecordStore. Indexes are only recorded.
func (s *Store) EnsureIndexes(_ context.Context, policy catalog.IndexPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range policy.Dedupe() {
		if _, ok := s.indexes[spec.Signature()]; !ok {
			s.indexes[spec.Signature()] = spec
		}
	}
	return nil
}

// Indexes returns the applied index signatures, sorted.
func (s *Store) Indexes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexes))
	for sig := range s.indexes {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

// compareValues orders null < numbers < strings < booleans < everything else.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		x, _ := document.Number(a)
		y, _ := document.Number(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 3:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	return strings.Compare(document.String(a), document.String(b))
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := document.Number(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}
