// Package storage defines the persistence contracts of the engine and the
// registry that selects a backend by kind.
//
// Backends live in subpackages (memory, postgres, sqlite, mssql) and register
// themselves from init(). Import storage/all to link every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"schemaflow/internal/catalog"
	"schemaflow/internal/query"
)

// ErrNotFound is returned when a lookup has no result.
var ErrNotFound = errors.New("storage: not found")

// Config is the minimal configuration needed to open a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// CatalogStore persists catalog versions.
type CatalogStore interface {
	// Latest returns the highest version stored for source, or ErrNotFound.
	Latest(ctx context.Context, source string) (*catalog.Catalog, error)

	// InsertIfAbsent stores c unless (c.Source, c.Version) already exists, and
	// returns the row that is stored under that key afterwards. inserted is
	// true when c itself landed.
	//
	// Concurrency:
	//   - Must be atomic. Concurrent calls for the same key converge on one
	//     stored row; every caller gets that row back without an error.
	//   - Implementations must not emulate this with a read followed by a write.
	InsertIfAbsent(ctx context.Context, c *catalog.Catalog) (stored *catalog.Catalog, inserted bool, err error)

	// Sources returns the distinct source names, sorted.
	Sources(ctx context.Context) ([]string, error)

	// FieldNames returns every normalized field name of every catalog version
	// of source (all sources when empty), sorted and without duplicates.
	FieldNames(ctx context.Context, source string) ([]string, error)

	// List returns all versions of source in ascending version order.
	List(ctx context.Context, source string) ([]*catalog.Catalog, error)
}

// RecordStore persists ingested records. It is append-only.
type RecordStore interface {
	InsertRecord(ctx context.Context, r *Record) error
	FindRecords(ctx context.Context, f query.Filter, p query.FindParams) ([]*Record, error)
	CountRecords(ctx context.Context, f query.Filter) (int64, error)

	// EnsureIndexes creates the secondary indexes described by policy.
	// Specs with an already-applied signature are skipped.
	EnsureIndexes(ctx context.Context, policy catalog.IndexPolicy) error
}

// Store is a full backend.
type Store interface {
	CatalogStore
	RecordStore

	// Close releases backend resources. Call once at shutdown.
	Close()
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
