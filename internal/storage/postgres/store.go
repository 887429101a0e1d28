package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schemaflow/internal/catalog"
	"schemaflow/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

/*
Store implements storage.Store for Postgres.

Layout:
  - catalogs: one row per (source, version), UNIQUE(source, version).
    The schema column is JSON (not JSONB) so property order survives.
  - records: original payload as JSON (verbatim), normalized payload as JSONB
    so filters and expression indexes can address fields.

Catalog races are settled by INSERT ... ON CONFLICT DO NOTHING followed by a
read of the row that landed.
*/
type Store struct {
	pool *pgxpool.Pool

	// applied index signatures, per process
	indexed sync.Map
}

// New connects, pings and creates the tables if needed.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) ensureTables(ctx context.Context) error {
	for _, stmt := range ddl() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure tables: %w", err)
		}
	}
	return nil
}

// ddl returns the idempotent statements that create the tables and the
// default record indexes.
func ddl() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS catalogs (
	id UUID PRIMARY KEY,
	source TEXT NOT NULL,
	version INTEGER NOT NULL,
	schema JSON NOT NULL,
	field_map JSONB NOT NULL,
	index_policy JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, version)
)`,
		`CREATE TABLE IF NOT EXISTS records (
	id UUID PRIMARY KEY,
	source TEXT NOT NULL,
	catalog_version INTEGER NOT NULL,
	original JSON NOT NULL,
	normalized JSONB NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS ix_records_source_version ON records (source, catalog_version)`,
		`CREATE INDEX IF NOT EXISTS ix_records_ingested_at ON records (ingested_at DESC)`,
	}
}

const catalogColumns = `id, source, version, schema, field_map, index_policy, created_at`

// Latest implements storage.CatalogStore.
func (s *Store) Latest(ctx context.Context, source string) (*catalog.Catalog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE source = $1 ORDER BY version DESC LIMIT 1`, source)
	return scanCatalog(row)
}

// InsertIfAbsent implements storage.CatalogStore.
func (s *Store) InsertIfAbsent(ctx context.Context, c *catalog.Catalog) (*catalog.Catalog, bool, error) {
	row, err := storage.EncodeCatalog(c)
	if err != nil {
		return nil, false, err
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	sql, args := buildInsertCatalogSQL(row)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: insert catalog %s@%d: %w", c.Source, c.Version, err)
	}

	stored, err := scanCatalog(s.pool.QueryRow(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE source = $1 AND version = $2`, c.Source, c.Version))
	if err != nil {
		return nil, false, fmt.Errorf("postgres: read back catalog %s@%d: %w", c.Source, c.Version, err)
	}
	return stored, tag.RowsAffected() == 1, nil
}

// buildInsertCatalogSQL is the insert-if-absent statement for one catalog row.
func buildInsertCatalogSQL(row storage.CatalogRow) (string, []any) {
	return `INSERT INTO catalogs (` + catalogColumns + `) ` +
			`VALUES ($1, $2, $3, $4::json, $5::jsonb, $6::jsonb, $7) ` +
			`ON CONFLICT (source, version) DO NOTHING`,
		[]any{row.ID, row.Source, row.Version, string(row.Schema), string(row.FieldMap), string(row.IndexPolicy), row.CreatedAt}
}

// Sources implements storage.CatalogStore.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT source FROM catalogs ORDER BY source`)
}

// FieldNames implements storage.CatalogStore.
func (s *Store) FieldNames(ctx context.Context, source string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT f->>'name' FROM catalogs, jsonb_array_elements(field_map) AS f `+
			`WHERE $1 = '' OR source = $1 ORDER BY 1`, source)
}

// List implements storage.CatalogStore.
func (s *Store) List(ctx context.Context, source string) ([]*catalog.Catalog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE $1 = '' OR source = $1 ORDER BY source, version`, source)
	if err != nil {
		return nil, fmt.Errorf("postgres: list catalogs: %w", err)
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

func (s *Store) queryStrings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
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

func scanCatalog(row pgx.Row) (*catalog.Catalog, error) {
	var r storage.CatalogRow
	err := row.Scan(&r.ID, &r.Source, &r.Version, &r.Schema, &r.FieldMap, &r.IndexPolicy, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.Decode()
}

// isDuplicateObject reports errors raised when a concurrent session created
// the same index first.
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 42P07 duplicate_table (relation exists), 23505 unique_violation on pg_class
	return pgErr.Code == "42P07" || pgErr.Code == "23505"
}

// pgIdent quotes an identifier.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgLiteral quotes a string literal for DDL, where parameters are not allowed.
func pgLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
