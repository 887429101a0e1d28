package sourcesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaflow/internal/ingest"
	"schemaflow/internal/queue"
	"schemaflow/internal/storage/memory"
)

// recordingQueue captures AddBulk batches.
type recordingQueue struct {
	mu      sync.Mutex
	batches [][]queue.Job
	err     error
}

func (q *recordingQueue) Register(string, queue.Handler, int) {}
func (q *recordingQueue) Start(context.Context) error         { return nil }
func (q *recordingQueue) Close() error                        { return nil }

func (q *recordingQueue) Add(ctx context.Context, j queue.Job) error {
	return q.AddBulk(ctx, []queue.Job{j})
}

func (q *recordingQueue) AddBulk(_ context.Context, jobs []queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, append([]queue.Job(nil), jobs...))
	return nil
}

func (q *recordingQueue) sizes() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int, len(q.batches))
	for i, b := range q.batches {
		out[i] = len(b)
	}
	return out
}

func arrayOf(n int) string {
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id": %d, "name": "item-%d"}`, i, i)
	}
	b.WriteString("]")
	return b.String()
}

func TestSourceName(t *testing.T) {
	cases := map[string]string{
		"https://example.com/feeds/shops.json":      "shops",
		"https://example.com/feeds/Shops.JSON?x=1":  "Shops",
		"https://example.com/feeds/listings":        "listings",
		"https://example.com/feeds/a%20b.json":      "a%20b",
		"https://example.com/":                      DefaultSourceName,
		"https://example.com":                       DefaultSourceName,
		"://bad url":                                DefaultSourceName,
		"https://example.com/feeds/.json":           DefaultSourceName,
		"  https://example.com/feeds/trimmed.json ": "trimmed",
		"feeds/shops.json":                          DefaultSourceName,
		"/feeds/shops.json":                         DefaultSourceName,
		"file:///data/shops.json":                   DefaultSourceName,
	}
	for in, want := range cases {
		assert.Equal(t, want, SourceName(in), "SourceName(%q)", in)
	}
}

func TestFileSourceName(t *testing.T) {
	cases := map[string]string{
		"data/shops.json":  "shops",
		"/tmp/Hotels.JSON": "Hotels",
		"listings":         "listings",
		"a%20b.json":       "a%20b",
		"":                 DefaultSourceName,
		"dir/.json":        DefaultSourceName,
		"./":               DefaultSourceName,
	}
	for in, want := range cases {
		assert.Equal(t, want, FileSourceName(in), "FileSourceName(%q)", in)
	}
}

func TestSyncSource_BatchesJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(arrayOf(7)))
	}))
	defer srv.Close()

	q := &recordingQueue{}
	s := &Syncer{Client: srv.Client(), Queue: q, BatchSize: 3}
	res, err := s.SyncSource(context.Background(), srv.URL+"/feeds/shops.json")
	require.NoError(t, err)

	assert.Equal(t, "shops", res.Source)
	assert.Equal(t, 7, res.Enqueued)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []int{3, 3, 1}, q.sizes())

	job := q.batches[0][0]
	assert.Equal(t, ingest.JobIngestOne, job.Name)
	assert.Equal(t, DefaultJobPolicy, job.Policy)
	var payload ingest.IngestJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "shops", payload.Source)
	assert.Equal(t, []string{"id", "name"}, payload.Item.Keys())

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(job.Payload, &wire))
	assert.Contains(t, wire, "item")
	assert.NotContains(t, wire, "payload")
}

func TestSyncSource_SkipsNonObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"a":1}, null, "text", 3, {"a":2}]`))
	}))
	defer srv.Close()

	q := &recordingQueue{}
	s := &Syncer{Client: srv.Client(), Queue: q}
	res, err := s.SyncSource(context.Background(), srv.URL+"/x.json")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Batches)
}

func TestSyncSource_ErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/down.json":
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		case "/missing.json":
			http.NotFound(w, r)
		case "/truncated.json":
			_, _ = w.Write([]byte(`[{"a":1},{"a":`))
		}
	}))
	defer srv.Close()

	s := &Syncer{Client: srv.Client(), Queue: &recordingQueue{}}
	var tfe *TransientFetchError

	_, err := s.SyncSource(context.Background(), srv.URL+"/down.json")
	require.ErrorAs(t, err, &tfe)
	assert.Equal(t, http.StatusServiceUnavailable, tfe.Status)

	_, err = s.SyncSource(context.Background(), srv.URL+"/missing.json")
	require.Error(t, err)
	assert.False(t, errors.As(err, &tfe), "404 is not transient")

	res, err := s.SyncSource(context.Background(), srv.URL+"/truncated.json")
	require.ErrorAs(t, err, &tfe)
	assert.Equal(t, 0, res.Enqueued, "partial batch is not flushed on a broken stream")
}

func TestSyncSource_EnqueueFailureIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(arrayOf(2)))
	}))
	defer srv.Close()

	s := &Syncer{Client: srv.Client(), Queue: &recordingQueue{err: queue.ErrClosed}}
	_, err := s.SyncSource(context.Background(), srv.URL+"/a.json")
	assert.ErrorIs(t, err, queue.ErrClosed)
	var tfe *TransientFetchError
	assert.False(t, errors.As(err, &tfe))
}

func TestSyncAll_RetriesTransientAndIsolatesFailures(t *testing.T) {
	var flaky atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky.json":
			if flaky.Add(1) < 3 {
				http.Error(w, "later", http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(arrayOf(2)))
		case "/ok.json":
			_, _ = w.Write([]byte(arrayOf(4)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := &Syncer{
		Client:      srv.Client(),
		Queue:       &recordingQueue{},
		URLs:        []string{srv.URL + "/flaky.json", srv.URL + "/gone.json", srv.URL + "/ok.json"},
		FetchPolicy: queue.Policy{Attempts: 3, Backoff: time.Millisecond},
	}
	results, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 2, results[0].Enqueued)
	assert.Empty(t, results[0].Err)
	assert.NotEmpty(t, results[1].Err)
	assert.Equal(t, 1, results[1].Attempts)
	assert.Equal(t, 4, results[2].Enqueued)
}

func TestTrigger_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(arrayOf(1)))
	}))
	defer srv.Close()

	s := &Syncer{Client: srv.Client(), Queue: &recordingQueue{}, URLs: []string{srv.URL + "/a.json"}}

	assert.Equal(t, Accepted, s.Trigger(context.Background()))
	assert.Equal(t, AlreadyInProgress, s.Trigger(context.Background()))
	assert.True(t, s.Running())

	close(release)
	s.Wait()
	assert.False(t, s.Running())
	assert.Equal(t, Accepted, s.Trigger(context.Background()))
	s.Wait()
}

func TestSyncThroughMemoryQueueIngestsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [{"price": 1}, {"price": 2, "color": "red"}, {"price": 3}]}`))
	}))
	defer srv.Close()

	st := memory.New()
	engine := ingest.New(st, ingest.Options{AutoWiden: true})
	q := queue.NewMemory(0, queue.Reporter{})
	defer q.Close()
	q.Register(ingest.JobIngestOne, engine.HandleIngestJob, 4)
	require.NoError(t, q.Start(context.Background()))

	s := &Syncer{Client: srv.Client(), Queue: q}
	res, err := s.SyncSource(context.Background(), srv.URL+"/items.json")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Enqueued)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	page, err := engine.FindRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	sources, err := engine.FindSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"items"}, sources)
}

func TestDiscover(t *testing.T) {
	var base string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>
			<a href="/feeds/shops.json">shops</a>
			<a href="feeds/listings.JSON#top">listings</a>
			<a href="/feeds/shops.json">dup</a>
			<a href="https://elsewhere.example/x.json">other host</a>
			<a href="/about.html">about</a>
			<a href="mailto:a@b.c">mail</a>
			<a>no href</a>
			<a href="%s/abs.json">absolute</a>
		</body></html>`, base)
	}))
	defer srv.Close()
	base = srv.URL

	got, err := Discover(context.Background(), srv.Client(), srv.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/feeds/shops.json",
		srv.URL + "/feeds/listings.JSON",
		srv.URL + "/abs.json",
	}, got)

	_, err = Discover(context.Background(), srv.Client(), "not a url")
	assert.Error(t, err)
}

func TestEnqueueAll_OneJobPerSource(t *testing.T) {
	q := &recordingQueue{}
	policy := queue.Policy{Attempts: 5, Backoff: time.Millisecond}
	s := &Syncer{Queue: q, URLs: []string{"https://h/a.json", "https://h/b.json", "https://h/a.json"}, FetchPolicy: policy}

	n, err := s.EnqueueAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, []int{2}, q.sizes())

	job := q.batches[0][1]
	assert.Equal(t, JobSyncSource, job.Name)
	assert.Equal(t, policy, job.Policy)
	assert.JSONEq(t, `{"url": "https://h/b.json"}`, string(job.Payload))

	q.err = errors.New("broker down")
	_, err = s.EnqueueAll(context.Background())
	assert.ErrorContains(t, err, "broker down")
}

func TestHandleSyncJob_Classification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.json":
			_, _ = w.Write([]byte(arrayOf(2)))
		case "/busy.json":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	q := &recordingQueue{}
	s := &Syncer{Client: srv.Client(), Queue: q}
	job := func(payload string) queue.Job {
		return queue.Job{ID: "j", Name: JobSyncSource, Payload: []byte(payload), Attempt: 1}
	}
	ctx := context.Background()

	require.NoError(t, s.HandleSyncJob(ctx, job(`{"url": "`+srv.URL+`/ok.json"}`)))
	assert.Equal(t, []int{2}, q.sizes())

	err := s.HandleSyncJob(ctx, job(`{"url": "`+srv.URL+`/busy.json"}`))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "5xx is retried by the queue")

	assert.True(t, queue.IsPermanent(s.HandleSyncJob(ctx, job(`{"url": "`+srv.URL+`/gone.json"}`))))
	assert.True(t, queue.IsPermanent(s.HandleSyncJob(ctx, job(`{}`))))
	assert.True(t, queue.IsPermanent(s.HandleSyncJob(ctx, job(`[`))))
}

func TestTrigger_DistributedThroughMemoryQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(arrayOf(3)))
	}))
	defer srv.Close()

	st := memory.New()
	engine := ingest.New(st, ingest.Options{AutoWiden: true})
	q := queue.NewMemory(0, queue.Reporter{})
	defer q.Close()

	s := &Syncer{
		Client:     srv.Client(),
		Queue:      q,
		URLs:       []string{srv.URL + "/shops.json", srv.URL + "/hotels.json"},
		Distribute: true,
	}
	q.Register(ingest.JobIngestOne, engine.HandleIngestJob, 2)
	q.Register(JobSyncSource, s.HandleSyncJob, 2)
	require.NoError(t, q.Start(context.Background()))

	assert.Equal(t, Accepted, s.Trigger(context.Background()))
	s.Wait()
	assert.False(t, s.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	sources, err := engine.FindSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hotels", "shops"}, sources)
	page, err := engine.FindRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.Total)
}
