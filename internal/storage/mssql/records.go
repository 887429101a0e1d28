package mssql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"schemaflow/internal/catalog"
	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

// InsertRecord implements storage.RecordStore.
func (s *Store) InsertRecord(ctx context.Context, r *storage.Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.IngestedAt.IsZero() {
		r.IngestedAt = time.Now().UTC()
	}
	original, err := json.Marshal(r.Original)
	if err != nil {
		return fmt.Errorf("mssql: encode original payload: %w", err)
	}
	normalized, err := json.Marshal(r.Normalized)
	if err != nil {
		return fmt.Errorf("mssql: encode normalized payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, source, catalog_version, original, normalized, ingested_at) VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
		r.ID.String(), r.Source, r.CatalogVersion, string(original), string(normalized), r.IngestedAt)
	if err != nil {
		return fmt.Errorf("mssql: insert record: %w", err)
	}
	return nil
}

// FindRecords implements storage.RecordStore.
func (s *Store) FindRecords(ctx context.Context, f query.Filter, p query.FindParams) ([]*storage.Record, error) {
	q, args, err := buildFindSQL(f, p)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: find records: %w", err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		var (
			r          storage.Record
			id         string
			original   sql.NullString
			normalized string
		)
		if err := rows.Scan(&id, &r.Source, &r.CatalogVersion, &original, &normalized, &r.IngestedAt); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("mssql: record id %q: %w", id, err)
		}
		r.IngestedAt = r.IngestedAt.UTC()
		if original.Valid {
			if r.Original, err = storage.DecodePayload([]byte(original.String)); err != nil {
				return nil, fmt.Errorf("mssql: decode original %s: %w", id, err)
			}
		}
		if r.Normalized, err = storage.DecodePayload([]byte(normalized)); err != nil {
			return nil, fmt.Errorf("mssql: decode normalized %s: %w", id, err)
		}
		out = append(out, storage.Project(&r, p.Projection))
	}
	return out, rows.Err()
}

// CountRecords implements storage.RecordStore.
func (s *Store) CountRecords(ctx context.Context, f query.Filter) (int64, error) {
	q, args, err := buildCountSQL(f)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count records: %w", err)
	}
	return n, nil
}

// EnsureIndexes implements storage.RecordStore. Each spec runs its computed
// column and index statements in order; a racing session that created the
// same objects first is not an error.
func (s *Store) EnsureIndexes(ctx context.Context, policy catalog.IndexPolicy) error {
	for _, spec := range policy.Dedupe() {
		sig := spec.Signature()
		if _, done := s.indexed.Load(sig); done {
			continue
		}
		for _, stmt := range buildIndexSQL(spec) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateObject(err) {
				return fmt.Errorf("mssql: create index %s: %w", storage.IndexName(spec), err)
			}
		}
		s.indexed.Store(sig, struct{}{})
	}
	return nil
}

// isDuplicateObject matches 1913 (index exists) and 2705 (column exists).
func isDuplicateObject(err error) bool {
	var me mssql.Error
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 1913 || me.Number == 2705
}
