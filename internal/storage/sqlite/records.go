package sqlite

import (
	"context"
	"database/sql"
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
		return fmt.Errorf("sqlite: encode original payload: %w", err)
	}
	normalized, err := json.Marshal(r.Normalized)
	if err != nil {
		return fmt.Errorf("sqlite: encode normalized payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, source, catalog_version, original, normalized, ingested_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Source, r.CatalogVersion, string(original), string(normalized), formatTime(r.IngestedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert record: %w", err)
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
		return nil, fmt.Errorf("sqlite: find records: %w", err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		var (
			r              storage.Record
			id, ingestedAt string
			original       sql.NullString
			normalized     string
		)
		if err := rows.Scan(&id, &r.Source, &r.CatalogVersion, &original, &normalized, &ingestedAt); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: record id %q: %w", id, err)
		}
		if r.IngestedAt, err = parseTime(ingestedAt); err != nil {
			return nil, err
		}
		if original.Valid {
			if r.Original, err = storage.DecodePayload([]byte(original.String)); err != nil {
				return nil, fmt.Errorf("sqlite: decode original %s: %w", id, err)
			}
		}
		if r.Normalized, err = storage.DecodePayload([]byte(normalized)); err != nil {
			return nil, fmt.Errorf("sqlite: decode normalized %s: %w", id, err)
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
		return 0, fmt.Errorf("sqlite: count records: %w", err)
	}
	return n, nil
}

// EnsureIndexes implements storage.RecordStore. CREATE INDEX IF NOT EXISTS
// makes repeats free.
func (s *Store) EnsureIndexes(ctx context.Context, policy catalog.IndexPolicy) error {
	for _, spec := range policy.Dedupe() {
		if _, err := s.db.ExecContext(ctx, buildIndexSQL(spec)); err != nil {
			return fmt.Errorf("sqlite: create index %s: %w", storage.IndexName(spec), err)
		}
	}
	return nil
}
