package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

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
		return fmt.Errorf("postgres: encode original payload: %w", err)
	}
	normalized, err := json.Marshal(r.Normalized)
	if err != nil {
		return fmt.Errorf("postgres: encode normalized payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, source, catalog_version, original, normalized, ingested_at) `+
			`VALUES ($1, $2, $3, $4::json, $5::jsonb, $6)`,
		r.ID, r.Source, r.CatalogVersion, string(original), string(normalized), r.IngestedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert record: %w", err)
	}
	return nil
}

// FindRecords implements storage.RecordStore.
func (s *Store) FindRecords(ctx context.Context, f query.Filter, p query.FindParams) ([]*storage.Record, error) {
	sql, args, err := buildFindSQL(f, p)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find records: %w", err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		var (
			r                    storage.Record
			original, normalized []byte
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.CatalogVersion, &original, &normalized, &r.IngestedAt); err != nil {
			return nil, err
		}
		if r.Original, err = storage.DecodePayload(original); err != nil {
			return nil, fmt.Errorf("postgres: decode original %s: %w", r.ID, err)
		}
		if r.Normalized, err = storage.DecodePayload(normalized); err != nil {
			return nil, fmt.Errorf("postgres: decode normalized %s: %w", r.ID, err)
		}
		out = append(out, storage.Project(&r, p.Projection))
	}
	return out, rows.Err()
}

// CountRecords implements storage.RecordStore.
func (s *Store) CountRecords(ctx context.Context, f query.Filter) (int64, error) {
	sql, args, err := buildCountSQL(f)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count records: %w", err)
	}
	return n, nil
}

// EnsureIndexes implements storage.RecordStore.
func (s *Store) EnsureIndexes(ctx context.Context, policy catalog.IndexPolicy) error {
	for _, spec := range policy.Dedupe() {
		sig := spec.Signature()
		if _, done := s.indexed.Load(sig); done {
			continue
		}
		if _, err := s.pool.Exec(ctx, buildIndexSQL(spec)); err != nil && !isDuplicateObject(err) {
			return fmt.Errorf("postgres: create index %s: %w", storage.IndexName(spec), err)
		}
		s.indexed.Store(sig, struct{}{})
	}
	return nil
}
