package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"schemaflow/internal/catalog"
	"schemaflow/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no JSON column type. Payloads and catalog documents are TEXT
//     and addressed with json_extract / json_type.
//   - Timestamps are stored as fixed-width RFC3339 strings in UTC so text
//     order is time order.
//   - REGEXP is provided by a Go function registered with the driver.
//   - The pool holds a single connection: SQLite serializes writers anyway
//     and ":memory:" databases are per connection.
type Store struct {
	db *sql.DB
}

// timeLayout is RFC3339 with a fixed nine-digit fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var patterns sync.Map // pattern -> *regexp.Regexp

func init() {
	storage.Register("sqlite", New)

	sqlite.MustRegisterDeterministicScalarFunction("regexp", 2, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		pat, ok := args[0].(string)
		if !ok {
			return nil, errors.New("regexp: pattern must be text")
		}
		s, ok := args[1].(string)
		if !ok {
			return int64(0), nil
		}
		re, err := compileCached(pat)
		if err != nil {
			return nil, err
		}
		if re.MatchString(s) {
			return int64(1), nil
		}
		return int64(0), nil
	})
}

func compileCached(pat string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pat); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, err
	}
	patterns.Store(pat, re)
	return re, nil
}

// New opens the database, pings it and creates the tables if needed.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	for _, stmt := range ddl() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: ensure tables: %w", err)
		}
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() { _ = s.db.Close() }

func ddl() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS catalogs (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	version INTEGER NOT NULL,
	"schema" TEXT NOT NULL,
	field_map TEXT NOT NULL,
	index_policy TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (source, version)
)`,
		`CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	catalog_version INTEGER NOT NULL,
	original TEXT NOT NULL,
	normalized TEXT NOT NULL,
	ingested_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ix_records_source_version ON records (source, catalog_version)`,
		`CREATE INDEX IF NOT EXISTS ix_records_ingested_at ON records (ingested_at)`,
	}
}

const catalogColumns = `id, source, version, "schema", field_map, index_policy, created_at`

// Latest implements storage.CatalogStore.
func (s *Store) Latest(ctx context.Context, source string) (*catalog.Catalog, error) {
	return scanCatalog(s.db.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE source = ? ORDER BY version DESC LIMIT 1`, source))
}

// InsertIfAbsent implements storage.CatalogStore. OR IGNORE relies on the
// UNIQUE (source, version) constraint.
func (s *Store) InsertIfAbsent(ctx context.Context, c *catalog.Catalog) (*catalog.Catalog, bool, error) {
	row, err := storage.EncodeCatalog(c)
	if err != nil {
		return nil, false, err
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO catalogs (`+catalogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID.String(), row.Source, row.Version,
		string(row.Schema), string(row.FieldMap), string(row.IndexPolicy),
		formatTime(row.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: insert catalog %s@%d: %w", c.Source, c.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := scanCatalog(s.db.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE source = ? AND version = ?`, c.Source, c.Version))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: read back catalog %s@%d: %w", c.Source, c.Version, err)
	}
	return stored, n == 1, nil
}

// Sources implements storage.CatalogStore.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM catalogs ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sources: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FieldNames implements storage.CatalogStore.
func (s *Store) FieldNames(ctx context.Context, source string) ([]string, error) {
	cs, err := s.List(ctx, source)
	if err != nil {
		return nil, err
	}
	return storage.FieldNamesOf(cs), nil
}

// List implements storage.CatalogStore.
func (s *Store) List(ctx context.Context, source string) ([]*catalog.Catalog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE ? = '' OR source = ? ORDER BY source, version`,
		source, source)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list catalogs: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Catalog
	for rows.Next() {
		c, err := scanCatalog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCatalog(row scanner) (*catalog.Catalog, error) {
	var (
		r             storage.CatalogRow
		id, createdAt string
	)
	err := row.Scan(&id, &r.Source, &r.Version, &r.Schema, &r.FieldMap, &r.IndexPolicy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("sqlite: catalog id %q: %w", id, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return r.Decode()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
