// Package sourcesync pulls JSON arrays from source URLs and turns every
// element into a queued ingestion job.
//
// A Syncer is a producer only: it never ingests. Workers registered for
// ingest.JobIngestOne on the same queue drain what it enqueues. With
// Distribute set, a trigger enqueues one JobSyncSource job per source instead
// of streaming them itself, and whichever instance consumes the job streams
// that source.
package sourcesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"schemaflow/internal/document"
	"schemaflow/internal/ingest"
	"schemaflow/internal/metrics"
	jsonparser "schemaflow/internal/parser/json"
	"schemaflow/internal/queue"
)

// Defaults.
const (
	DefaultBatchSize   = 500
	DefaultConcurrency = 4
)

// DefaultJobPolicy is the retry budget of each enqueued ingestion job.
var DefaultJobPolicy = queue.Policy{Attempts: 3, Backoff: time.Second}

// Logger is the minimal logging interface used by the syncer.
type Logger interface {
	Printf(format string, v ...any)
}

// Syncer streams sources into a queue.
type Syncer struct {
	Client *http.Client
	Queue  queue.Queue

	// URLs are the configured source URLs. IndexURL, when set, is an HTML
	// page whose .json links are synced as well.
	URLs     []string
	IndexURL string

	// BatchSize jobs are enqueued per AddBulk call.
	BatchSize int
	// JobPolicy is attached to every ingestion job.
	JobPolicy queue.Policy
	// FetchPolicy retries a whole source after a TransientFetchError.
	FetchPolicy queue.Policy
	// Concurrency bounds how many sources one trigger streams at once.
	Concurrency int
	// Distribute makes Trigger enqueue JobSyncSource jobs rather than run
	// SyncAll in-process.
	Distribute bool

	Metrics metrics.Backend
	Logger  Logger

	running atomic.Bool
	runs    sync.WaitGroup
}

// Result tallies one source sync.
type Result struct {
	URL      string `json:"url"`
	Source   string `json:"source"`
	Enqueued int    `json:"enqueued"`
	Skipped  int    `json:"skipped"`
	Batches  int    `json:"batches"`
	Attempts int    `json:"attempts"`
	Err      string `json:"error,omitempty"`
}

func (s *Syncer) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

func (s *Syncer) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *Syncer) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

func (s *Syncer) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return DefaultConcurrency
}

func (s *Syncer) jobPolicy() queue.Policy {
	if s.JobPolicy.Attempts > 0 {
		return s.JobPolicy
	}
	return DefaultJobPolicy
}

// SyncSource streams the array at rawURL into JobIngestOne jobs, enqueued in
// batches of BatchSize. The body is never buffered whole.
//
// Edge cases:
//   - null elements are ignored; non-object elements are counted as skipped.
//   - A partial tally is returned alongside an error; jobs enqueued before
//     the failure stay enqueued.
//
// Errors:
//   - *TransientFetchError for fetch and mid-stream failures.
//   - queue errors from AddBulk are returned wrapped.
func (s *Syncer) SyncSource(ctx context.Context, rawURL string) (Result, error) {
	res := Result{URL: rawURL, Source: SourceName(rawURL)}
	m := metrics.OrNop(s.Metrics)
	started := time.Now()

	body, err := Open(ctx, s.client(), rawURL)
	if err != nil {
		return res, err
	}
	defer body.Close()

	size := s.batchSize()
	policy := s.jobPolicy()
	batch := make([]queue.Job, 0, size)
	var enqueueErr error

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.Queue.AddBulk(ctx, batch); err != nil {
			enqueueErr = fmt.Errorf("sync %s: enqueue batch %d: %w", res.Source, res.Batches+1, err)
			return enqueueErr
		}
		res.Batches++
		res.Enqueued += len(batch)
		m.IncCounter(metrics.SyncBatches, 1, metrics.Labels{"source": res.Source})
		m.IncCounter(metrics.SyncItems, float64(len(batch)), metrics.Labels{"status": "enqueued"})
		batch = batch[:0]
		return nil
	}

	err = jsonparser.StreamArray(ctx, body,
		func(_ int, obj *document.Object) error {
			job, err := ingest.NewIngestJob(res.Source, obj, policy)
			if err != nil {
				return err
			}
			batch = append(batch, job)
			if len(batch) >= size {
				return flush()
			}
			return nil
		},
		func(index int, err error) {
			res.Skipped++
			m.IncCounter(metrics.SyncItems, 1, metrics.Labels{"status": "skipped"})
			s.logf("stage=sync source=%s index=%d skipped=true err=%v", res.Source, index, err)
		},
	)
	if err == nil {
		err = flush()
	}
	if err != nil {
		// Anything but an enqueue failure or cancellation is a broken stream.
		if enqueueErr == nil && ctx.Err() == nil {
			err = &TransientFetchError{URL: rawURL, Err: err}
		}
		return res, err
	}

	s.logf("stage=sync source=%s ok enqueued=%d skipped=%d batches=%d duration=%s",
		res.Source, res.Enqueued, res.Skipped, res.Batches, time.Since(started).Round(time.Millisecond))
	return res, nil
}

// syncWithRetry re-runs SyncSource after transient failures per FetchPolicy.
func (s *Syncer) syncWithRetry(ctx context.Context, rawURL string) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.SyncSource(ctx, rawURL)
		res.Attempts = attempt
		var tfe *TransientFetchError
		if err == nil || !errors.As(err, &tfe) || s.FetchPolicy.Exhausted(attempt) {
			return res, err
		}
		wait := s.FetchPolicy.Delay(attempt)
		s.logf("stage=sync source=%s attempt=%d retry_in=%s err=%v", res.Source, attempt, wait, err)
		if !sleepContext(ctx, wait) {
			return res, ctx.Err()
		}
	}
}

// SyncAll syncs every configured source (plus those discovered through
// IndexURL) with at most Concurrency streams at once. A failing source never
// stops the others; its error is reported in its Result.
func (s *Syncer) SyncAll(ctx context.Context) ([]Result, error) {
	urls := s.sources(ctx)
	results := make([]Result, len(urls))
	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for i, u := range urls {
		g.Go(func() error {
			res, err := s.syncWithRetry(ctx, u)
			if err != nil {
				res.Err = err.Error()
				s.logf("stage=sync source=%s failed=true attempts=%d err=%v", res.Source, res.Attempts, err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// sources returns URLs merged with the links found on IndexURL. A failing
// index page is logged and leaves URLs as they are.
func (s *Syncer) sources(ctx context.Context) []string {
	urls := append([]string(nil), s.URLs...)
	if s.IndexURL != "" {
		found, err := Discover(ctx, s.client(), s.IndexURL)
		if err != nil {
			s.logf("stage=discover index=%s err=%v", s.IndexURL, err)
		}
		urls = mergeURLs(urls, found)
	}
	return urls
}

// TriggerResult is the outcome of Trigger.
type TriggerResult string

const (
	Accepted          TriggerResult = "accepted"
	AlreadyInProgress TriggerResult = "already-in-progress"
)

// Trigger starts SyncAll in the background unless a run started by this
// Syncer is still going. The guard is held until every source of the run
// finished streaming, or with Distribute until the sync jobs are enqueued.
// ctx bounds the background run, not the call.
func (s *Syncer) Trigger(ctx context.Context) TriggerResult {
	if !s.running.CompareAndSwap(false, true) {
		return AlreadyInProgress
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.running.Store(false)

		started := time.Now()
		if s.Distribute {
			n, err := s.EnqueueAll(ctx)
			s.logf("stage=trigger distributed=true enqueued=%d duration=%s err=%v",
				n, time.Since(started).Round(time.Millisecond), err)
			return
		}
		results, err := s.SyncAll(ctx)
		failed := 0
		for _, r := range results {
			if r.Err != "" {
				failed++
			}
		}
		s.logf("stage=trigger sources=%d failed=%d duration=%s err=%v",
			len(results), failed, time.Since(started).Round(time.Millisecond), err)
	}()
	return Accepted
}

// Running reports whether a triggered run is in progress.
func (s *Syncer) Running() bool { return s.running.Load() }

// Wait blocks until triggered runs have finished.
func (s *Syncer) Wait() { s.runs.Wait() }

func mergeURLs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, u := range list {
			if _, ok := seen[u]; ok || u == "" {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
