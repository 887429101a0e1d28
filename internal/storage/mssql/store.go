package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"schemaflow/internal/catalog"
	"schemaflow/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Store implements storage.Store for Microsoft SQL Server.
//
// Layout:
//   - catalogs: NVARCHAR(MAX) JSON documents, UNIQUE (source, version).
//   - records: original and normalized payloads as NVARCHAR(MAX) JSON.
//     Filters address fields through OPENJSON so field names stay parameters.
//
// Concurrency:
//   - InsertIfAbsent uses INSERT ... WHERE NOT EXISTS under UPDLOCK, HOLDLOCK.
//     A unique violation from a racing session is treated as "lost the race".
//
// Ids are stored as CHAR(36) text; UNIQUEIDENTIFIER byte order differs from
// RFC 4122 and would need swapping on every scan.
type Store struct {
	db dbConn

	// applied index signatures
	indexed sync.Map
}

// New opens a pool using the "sqlserver" driver and creates the tables if
// needed.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty ingestion.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	s := &Store{db: &sqlDB{db: raw}}
	for _, stmt := range ddl() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("mssql: ensure tables: %w", err)
		}
	}
	return s, nil
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func ddl() []string {
	return []string{
		`IF OBJECT_ID(N'catalogs', N'U') IS NULL
CREATE TABLE catalogs (
	id CHAR(36) NOT NULL PRIMARY KEY,
	source NVARCHAR(400) NOT NULL,
	version INT NOT NULL,
	[schema] NVARCHAR(MAX) NOT NULL,
	field_map NVARCHAR(MAX) NOT NULL,
	index_policy NVARCHAR(MAX) NOT NULL,
	created_at DATETIME2 NOT NULL,
	CONSTRAINT uq_catalogs_source_version UNIQUE (source, version)
)`,
		`IF OBJECT_ID(N'records', N'U') IS NULL
CREATE TABLE records (
	id CHAR(36) NOT NULL PRIMARY KEY,
	source NVARCHAR(400) NOT NULL,
	catalog_version INT NOT NULL,
	original NVARCHAR(MAX) NOT NULL,
	normalized NVARCHAR(MAX) NOT NULL,
	ingested_at DATETIME2 NOT NULL
)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'ix_records_source_version' AND object_id = OBJECT_ID(N'records'))
CREATE INDEX ix_records_source_version ON records (source, catalog_version)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'ix_records_ingested_at' AND object_id = OBJECT_ID(N'records'))
CREATE INDEX ix_records_ingested_at ON records (ingested_at DESC)`,
	}
}

const catalogColumns = `id, source, version, [schema], field_map, index_policy, created_at`

// Latest implements storage.CatalogStore.
func (s *Store) Latest(ctx context.Context, source string) (*catalog.Catalog, error) {
	return scanCatalog(s.db.QueryRowContext(ctx,
		`SELECT TOP (1) `+catalogColumns+` FROM catalogs WHERE source = @p1 ORDER BY version DESC`, source))
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

	q, args := buildInsertCatalogSQL(row)
	inserted := false
	res, err := s.db.ExecContext(ctx, q, args...)
	switch {
	case err == nil:
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		inserted = n == 1
	case isUniqueViolation(err):
	default:
		return nil, false, fmt.Errorf("mssql: insert catalog %s@%d: %w", c.Source, c.Version, err)
	}

	stored, err := scanCatalog(s.db.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE source = @p1 AND version = @p2`, c.Source, c.Version))
	if err != nil {
		return nil, false, fmt.Errorf("mssql: read back catalog %s@%d: %w", c.Source, c.Version, err)
	}
	return stored, inserted, nil
}

func buildInsertCatalogSQL(row storage.CatalogRow) (string, []any) {
	return `INSERT INTO catalogs (` + catalogColumns + `)
SELECT @p1, @p2, @p3, @p4, @p5, @p6, @p7
WHERE NOT EXISTS (SELECT 1 FROM catalogs WITH (UPDLOCK, HOLDLOCK) WHERE source = @p2 AND version = @p3)`,
		[]any{row.ID.String(), row.Source, row.Version,
			string(row.Schema), string(row.FieldMap), string(row.IndexPolicy), row.CreatedAt}
}

// Sources implements storage.CatalogStore.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT source FROM catalogs ORDER BY source`)
}

// FieldNames implements storage.CatalogStore.
func (s *Store) FieldNames(ctx context.Context, source string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT JSON_VALUE(f.[value], '$.name') AS name
FROM catalogs CROSS APPLY OPENJSON(field_map) AS f
WHERE @p1 = N'' OR source = @p1
ORDER BY name`, source)
}

// List implements storage.CatalogStore.
func (s *Store) List(ctx context.Context, source string) ([]*catalog.Catalog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+catalogColumns+` FROM catalogs WHERE @p1 = N'' OR source = @p1 ORDER BY source, version`, source)
	if err != nil {
		return nil, fmt.Errorf("mssql: list catalogs: %w", err)
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

func (s *Store) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: query: %w", err)
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

func scanCatalog(row rowScanner) (*catalog.Catalog, error) {
	var (
		r                                storage.CatalogRow
		id, schemaText, fieldMap, policy string
	)
	err := row.Scan(&id, &r.Source, &r.Version, &schemaText, &fieldMap, &policy, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("mssql: catalog id %q: %w", id, err)
	}
	r.Schema, r.FieldMap, r.IndexPolicy = []byte(schemaText), []byte(fieldMap), []byte(policy)
	r.CreatedAt = r.CreatedAt.UTC()
	return r.Decode()
}

// isUniqueViolation matches 2627 (unique constraint) and 2601 (unique index).
func isUniqueViolation(err error) bool {
	var me mssql.Error
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 2627 || me.Number == 2601
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Close() error
}

// rowScanner is a narrow adapter over *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
