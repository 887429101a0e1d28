// Package metrics is the seam between the engine and a metrics vendor.
//
// Core code depends only on Backend. Vendor backends live in subpackages and
// buffer in memory until Flush.
package metrics

// Labels are metric dimensions, e.g. {"status": "ok"}.
type Labels map[string]string

// Backend receives counters and histogram observations.
//
// Implementations must be safe for concurrent use. Unknown metric names may
// be ignored.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
	Close() error
}

// Metric names emitted by schemaflow.
const (
	// IngestRecords counts ingestion outcomes; label "status" is one of
	// ok, invalid, error.
	IngestRecords = "ingest_records_total"

	// CatalogVersions counts catalog versions this process created; label
	// "reason" is one of bootstrap, widen, drift.
	CatalogVersions = "catalog_versions_total"

	// IngestDuration observes seconds spent in one ingestion.
	IngestDuration = "ingest_duration_seconds"

	// SyncItems counts array elements seen by a source sync; label
	// "status" is enqueued or skipped.
	SyncItems = "sync_items_total"

	// SyncBatches counts enqueued job batches.
	SyncBatches = "sync_batches_total"

	// Jobs counts queue job outcomes; labels "job" and "status"
	// (ok, retry, failed).
	Jobs = "jobs_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var _ Backend = Nop{}

// OrNop returns b, or Nop when b is nil.
func OrNop(b Backend) Backend {
	if b == nil {
		return Nop{}
	}
	return b
}
