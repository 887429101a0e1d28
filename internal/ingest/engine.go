// Package ingest is the ingestion orchestrator: it validates a payload
// against its source's catalog, evolves the catalog when the payload widens a
// type or brings new fields, and persists the normalized record.
//
// Concurrency: any number of goroutines (and processes) may ingest into the
// same source. Catalog evolution is settled exclusively by
// storage.CatalogStore.InsertIfAbsent on (source, version); the engine never
// reads-then-writes a version.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/metrics"
	"schemaflow/internal/schema"
	"schemaflow/internal/storage"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options toggles engine behavior.
type Options struct {
	// AutoWiden widens a catalog when a payload fails validation with type
	// mismatches only. When false such payloads are rejected.
	AutoWiden bool
}

// maxEvolveAttempts bounds how often one ingestion re-derives a version after
// losing the insert race to a version that does not cover it.
const maxEvolveAttempts = 8

// Input errors. Retrying them cannot succeed.
var (
	ErrEmptySource = errors.New("ingest: source is required")
	ErrNoPayload   = errors.New("ingest: payload is required")
)

// Engine ingests records. Catalogs and Records are required; everything else
// has a usable zero value.
type Engine struct {
	Catalogs  storage.CatalogStore
	Records   storage.RecordStore
	Validator schema.Validator
	Options   Options
	Metrics   metrics.Backend
	Logger    Logger

	// Now is a clock seam for tests.
	Now func() time.Time

	checkers sync.Map // catalog ID -> schema.Checker
}

// New wires an engine over one store.
func New(st storage.Store, opts Options) *Engine {
	return &Engine{
		Catalogs:  st,
		Records:   st,
		Validator: schema.NewValidator(),
		Options:   opts,
	}
}

func (e *Engine) logf(format string, v ...any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Printf(format, v...)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) backend() metrics.Backend { return metrics.OrNop(e.Metrics) }

func (e *Engine) validator() schema.Validator {
	if e.Validator == nil {
		return schema.NewValidator()
	}
	return e.Validator
}

// IngestRecord validates payload against the latest catalog of source,
// evolves the catalog as needed and stores the normalized record.
//
// Errors:
//   - *SchemaValidationError: non-type errors, or type errors with AutoWiden off.
//   - *WidenRevalidationError: still invalid after widening.
//   - anything else is a storage or schema failure and may be retried.
func (e *Engine) IngestRecord(ctx context.Context, source string, payload *document.Object) (*storage.Record, error) {
	start := e.now()
	rec, err := e.ingest(ctx, source, payload)

	status := "ok"
	switch {
	case IsRejection(err):
		status = "invalid"
	case err != nil:
		status = "error"
	}
	m := e.backend()
	m.IncCounter(metrics.IngestRecords, 1, metrics.Labels{"status": status})
	m.ObserveHistogram(metrics.IngestDuration, e.now().Sub(start).Seconds(), nil)
	return rec, err
}

func (e *Engine) ingest(ctx context.Context, source string, payload *document.Object) (*storage.Record, error) {
	if source == "" {
		return nil, ErrEmptySource
	}
	if payload == nil {
		return nil, ErrNoPayload
	}

	cur, err := e.current(ctx, source, payload)
	if err != nil {
		return nil, err
	}

	errs, err := e.validate(cur, payload)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		typeErrs, others := schema.PartitionTypeErrors(errs)
		if len(others) > 0 || !e.Options.AutoWiden {
			return nil, &SchemaValidationError{Source: source, Version: cur.Version, Errors: errs}
		}
		if cur, err = e.widen(ctx, cur, payload, typeErrs); err != nil {
			return nil, err
		}
	}

	if cur, err = e.drift(ctx, cur, payload); err != nil {
		return nil, err
	}

	rec := &storage.Record{
		ID:             uuid.New(),
		Source:         source,
		CatalogVersion: cur.Version,
		Original:       payload,
		Normalized:     catalog.Project(payload, cur.FieldMap),
		IngestedAt:     e.now().UTC(),
	}
	if err := e.Records.InsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("ingest: %s: store record: %w", source, err)
	}
	return rec, nil
}

// current returns the latest catalog of source, bootstrapping version 1 from
// payload when there is none.
func (e *Engine) current(ctx context.Context, source string, payload *document.Object) (*catalog.Catalog, error) {
	cur, err := e.Catalogs.Latest(ctx, source)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("ingest: %s: load catalog: %w", source, err)
	}

	stored, inserted, err := e.Catalogs.InsertIfAbsent(ctx, catalog.Bootstrap(source, payload))
	if err != nil {
		return nil, fmt.Errorf("ingest: %s: bootstrap catalog: %w", source, err)
	}
	if inserted {
		e.published(ctx, stored, nil, "bootstrap")
	}
	return stored, nil
}

// widen publishes the version after cur that accepts payload's type
// conflicts and revalidates payload against whatever version landed.
func (e *Engine) widen(ctx context.Context, cur *catalog.Catalog, payload *document.Object, typeErrs []schema.ValidationError) (*catalog.Catalog, error) {
	for attempt := 1; ; attempt++ {
		next := catalog.Widened(cur, schema.Widen(cur.Schema, typeErrs))
		stored, inserted, err := e.Catalogs.InsertIfAbsent(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("ingest: %s: publish widened v%d: %w", cur.Source, next.Version, err)
		}
		if inserted {
			e.published(ctx, stored, cur, "widen")
		}

		errs, err := e.validate(stored, payload)
		if err != nil {
			return nil, err
		}
		if len(errs) == 0 {
			return stored, nil
		}

		// A rival version without our widening landed first: widen on top of it.
		var others []schema.ValidationError
		typeErrs, others = schema.PartitionTypeErrors(errs)
		if inserted || len(others) > 0 || attempt >= maxEvolveAttempts {
			return nil, &WidenRevalidationError{Source: cur.Source, Version: stored.Version, Errors: errs}
		}
		e.logf("stage=widen source=%s lost_to=v%d retry=%d", cur.Source, stored.Version, attempt)
		cur = stored
	}
}

// drift publishes the version after cur that covers payload's unknown paths.
// When a rival version lands first and does not cover them, it repeats on
// top of the rival.
func (e *Engine) drift(ctx context.Context, cur *catalog.Catalog, payload *document.Object) (*catalog.Catalog, error) {
	unknown := catalog.Unknown(payload, cur.FieldMap)
	for attempt := 1; len(unknown) > 0; attempt++ {
		if attempt > maxEvolveAttempts {
			return nil, fmt.Errorf("ingest: %s: catalog still misses %v after %d attempts", cur.Source, unknown, maxEvolveAttempts)
		}
		stored, inserted, err := e.Catalogs.InsertIfAbsent(ctx, catalog.Next(cur, unknown))
		if err != nil {
			return nil, fmt.Errorf("ingest: %s: publish v%d: %w", cur.Source, cur.Version+1, err)
		}
		if inserted {
			e.published(ctx, stored, cur, "drift")
		} else {
			e.applyIndexes(ctx, stored, cur)
		}
		cur = stored
		unknown = catalog.Unknown(payload, cur.FieldMap)
	}
	return cur, nil
}

// published records a catalog version this engine created.
func (e *Engine) published(ctx context.Context, c, prev *catalog.Catalog, reason string) {
	e.backend().IncCounter(metrics.CatalogVersions, 1, metrics.Labels{"reason": reason})
	e.logf("stage=catalog source=%s version=%d reason=%s fields=%d", c.Source, c.Version, reason, len(c.FieldMap))
	e.applyIndexes(ctx, c, prev)
}

// applyIndexes creates the index specs c introduced over prev. Failures are
// logged; the next version or a restart retries them.
func (e *Engine) applyIndexes(ctx context.Context, c, prev *catalog.Catalog) {
	added := newIndexSpecs(c, prev)
	if len(added) == 0 {
		return
	}
	if err := e.Records.EnsureIndexes(ctx, added); err != nil {
		e.logf("stage=indexes source=%s version=%d err=%v", c.Source, c.Version, err)
	}
}

func newIndexSpecs(c, prev *catalog.Catalog) catalog.IndexPolicy {
	if prev == nil {
		return c.IndexPolicy.Dedupe()
	}
	seen := make(map[string]struct{}, len(prev.IndexPolicy))
	for _, s := range prev.IndexPolicy {
		seen[s.Signature()] = struct{}{}
	}
	var out catalog.IndexPolicy
	for _, s := range c.IndexPolicy.Dedupe() {
		if _, ok := seen[s.Signature()]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// validate checks payload against c, caching the compiled schema per
// catalog version.
func (e *Engine) validate(c *catalog.Catalog, payload *document.Object) ([]schema.ValidationError, error) {
	if v, ok := e.checkers.Load(c.ID); ok {
		return v.(schema.Checker).Validate(payload)
	}
	chk, err := e.validator().Compile(c.Schema)
	if err != nil {
		return nil, fmt.Errorf("ingest: %s: compile catalog v%d: %w", c.Source, c.Version, err)
	}
	e.checkers.Store(c.ID, chk)
	return chk.Validate(payload)
}
