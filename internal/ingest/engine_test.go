package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/metrics"
	"schemaflow/internal/query"
	"schemaflow/internal/queue"
	"schemaflow/internal/schema"
	"schemaflow/internal/storage"
	"schemaflow/internal/storage/memory"
)

func doc(t *testing.T, s string) *document.Object {
	t.Helper()
	obj, err := document.Decode(strings.NewReader(s))
	require.NoError(t, err)
	return obj
}

func newEngine(autoWiden bool) (*Engine, *memory.Store) {
	st := memory.New()
	return New(st, Options{AutoWiden: autoWiden}), st
}

// seedStrictPrice stores v1 of source with price accepting numbers only.
func seedStrictPrice(t *testing.T, st storage.CatalogStore, source string) *catalog.Catalog {
	t.Helper()
	c := catalog.Bootstrap(source, doc(t, `{"price": 1}`))
	root := schema.NewObject()
	root.Set("price", &schema.Leaf{Types: []string{schema.TypeNumber}})
	c.Schema = root
	stored, inserted, err := st.InsertIfAbsent(context.Background(), c)
	require.NoError(t, err)
	require.True(t, inserted)
	return stored
}

func latest(t *testing.T, st storage.CatalogStore, source string) *catalog.Catalog {
	t.Helper()
	c, err := st.Latest(context.Background(), source)
	require.NoError(t, err)
	return c
}

type countingMetrics struct {
	metrics.Nop
	mu     sync.Mutex
	counts map[string]float64
}

func (m *countingMetrics) IncCounter(name string, delta float64, labels metrics.Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]float64{}
	}
	key := name
	for _, k := range []string{"status", "reason"} {
		if v, ok := labels[k]; ok {
			key += "/" + v
		}
	}
	m.counts[key] += delta
}

func (m *countingMetrics) get(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func TestIngest_BootstrapsFirstRecord(t *testing.T) {
	e, st := newEngine(true)
	ctx := context.Background()

	rec, err := e.IngestRecord(ctx, "shops", doc(t, `{"name": "Ada", "address": {"city": "Lagos"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CatalogVersion)
	assert.Equal(t, []string{"name", "city"}, rec.Normalized.Keys())

	c := latest(t, st, "shops")
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, []string{"name", "city"}, c.FieldMap.Names())

	rec, err = e.IngestRecord(ctx, "shops", doc(t, `{"name": "Bo", "address": {"city": "Accra"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CatalogVersion, "same shape keeps the version")
}

func TestIngest_RejectsBadInput(t *testing.T) {
	e, _ := newEngine(true)
	_, err := e.IngestRecord(context.Background(), "", doc(t, `{}`))
	assert.ErrorIs(t, err, ErrEmptySource)
	_, err = e.IngestRecord(context.Background(), "s", nil)
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestIngest_WidenThenDriftEndToEnd(t *testing.T) {
	e, st := newEngine(true)
	ctx := context.Background()
	base := seedStrictPrice(t, st, "listings")

	// The raw validation outcome is type-only.
	chk, err := schema.NewValidator().Compile(base.Schema)
	require.NoError(t, err)
	errs, err := chk.Validate(doc(t, `{"price": "450"}`))
	require.NoError(t, err)
	typeErrs, others := schema.PartitionTypeErrors(errs)
	require.Len(t, typeErrs, 1)
	require.Empty(t, others)

	rec, err := e.IngestRecord(ctx, "listings", doc(t, `{"price": "450"}`))
	require.NoError(t, err)
	assert.Equal(t, base.Version+1, rec.CatalogVersion)
	assert.Equal(t, base.Version+1, latest(t, st, "listings").Version)

	rec, err = e.IngestRecord(ctx, "listings", doc(t, `{"price": "451"}`))
	require.NoError(t, err)
	assert.Equal(t, base.Version+1, rec.CatalogVersion, "same shape after widening")

	rec, err = e.IngestRecord(ctx, "listings", doc(t, `{"price": "450", "extra": true}`))
	require.NoError(t, err)
	assert.Equal(t, base.Version+2, rec.CatalogVersion)
	v, _ := rec.Normalized.Get("extra")
	assert.Equal(t, true, v)
}

func TestIngest_WidenDisabledRejects(t *testing.T) {
	e, st := newEngine(false)
	seedStrictPrice(t, st, "listings")

	_, err := e.IngestRecord(context.Background(), "listings", doc(t, `{"price": "450"}`))
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, 1, sve.Version)
	require.Len(t, sve.Errors, 1)
	assert.Equal(t, schema.KeywordType, sve.Errors[0].Keyword)
	assert.Equal(t, 1, latest(t, st, "listings").Version, "no version published")
}

func TestIngest_WidenRevalidationFailure(t *testing.T) {
	e, st := newEngine(true)
	seedStrictPrice(t, st, "listings")

	_, err := e.IngestRecord(context.Background(), "listings", doc(t, `{"price": "cheap"}`))
	var wre *WidenRevalidationError
	require.ErrorAs(t, err, &wre)
	require.Len(t, wre.Errors, 1)
	assert.Equal(t, schema.KeywordPattern, wre.Errors[0].Keyword)

	list, ok := ValidationErrors(err)
	assert.True(t, ok)
	assert.Len(t, list, 1)
}

func TestIngest_NonTypeErrorAfterWideningIsSchemaError(t *testing.T) {
	e, st := newEngine(true)
	seedStrictPrice(t, st, "listings")
	_, err := e.IngestRecord(context.Background(), "listings", doc(t, `{"price": "1"}`))
	require.NoError(t, err)

	// The widened leaf carries a pattern; a non-numeric string now fails it
	// directly, which widening cannot repair.
	_, err = e.IngestRecord(context.Background(), "listings", doc(t, `{"price": "cheap"}`))
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, schema.KeywordPattern, sve.Errors[0].Keyword)
	assert.True(t, IsRejection(err))
}

// barrierStore holds every Latest call until parties callers arrived, so
// concurrent ingestions all start from the same base version.
type barrierStore struct {
	*memory.Store
	parties int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newBarrierStore(parties int) *barrierStore {
	return &barrierStore{Store: memory.New(), parties: parties, release: make(chan struct{})}
}

func (b *barrierStore) Latest(ctx context.Context, source string) (*catalog.Catalog, error) {
	c, err := b.Store.Latest(ctx, source)
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.parties {
		close(b.release)
	}
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-time.After(2 * time.Second):
	}
	return c, err
}

func ingestConcurrently(t *testing.T, e *Engine, source string, payloads ...string) []*storage.Record {
	t.Helper()
	out := make([]*storage.Record, len(payloads))
	errs := make([]error, len(payloads))
	var wg sync.WaitGroup
	for i, p := range payloads {
		payload := doc(t, p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i], errs[i] = e.IngestRecord(context.Background(), source, payload)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return out
}

func TestIngest_ConcurrentSameNewFieldPublishesOneVersion(t *testing.T) {
	st := newBarrierStore(2)
	_, _, err := st.InsertIfAbsent(context.Background(), catalog.Bootstrap("shops", doc(t, `{"price": 1}`)))
	require.NoError(t, err)

	m := &countingMetrics{}
	e := &Engine{Catalogs: st, Records: st, Options: Options{AutoWiden: true}, Metrics: m}
	recs := ingestConcurrently(t, e, "shops",
		`{"price": 2, "color": "red"}`,
		`{"price": 3, "color": "blue"}`,
	)

	versions, err := st.List(context.Background(), "shops")
	require.NoError(t, err)
	require.Len(t, versions, 2, "exactly one version 2")
	assert.Equal(t, []string{"price", "color"}, versions[1].FieldMap.Names())

	for _, r := range recs {
		assert.Equal(t, 2, r.CatalogVersion)
	}
	assert.Equal(t, float64(1), m.get(metrics.CatalogVersions+"/drift"))
	assert.Equal(t, float64(2), m.get(metrics.IngestRecords+"/ok"))
}

func TestIngest_ConcurrentDifferentFieldsConverge(t *testing.T) {
	st := newBarrierStore(2)
	_, _, err := st.InsertIfAbsent(context.Background(), catalog.Bootstrap("shops", doc(t, `{"price": 1}`)))
	require.NoError(t, err)

	e := &Engine{Catalogs: st, Records: st}
	recs := ingestConcurrently(t, e, "shops",
		`{"price": 2, "color": "red"}`,
		`{"price": 3, "size": "XL"}`,
	)

	final := latest(t, st, "shops")
	assert.Equal(t, 3, final.Version)
	assert.ElementsMatch(t, []string{"price", "color", "size"}, final.FieldMap.Names())

	got := []int{recs[0].CatalogVersion, recs[1].CatalogVersion}
	sort.Ints(got)
	assert.Equal(t, []int{2, 3}, got)
}

func TestIngest_ConcurrentBootstrapConverges(t *testing.T) {
	st := newBarrierStore(3)
	e := &Engine{Catalogs: st, Records: st}
	recs := ingestConcurrently(t, e, "fresh",
		`{"a": 1}`, `{"a": 2}`, `{"a": 3}`,
	)
	versions, err := st.List(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	for _, r := range recs {
		assert.Equal(t, 1, r.CatalogVersion)
	}
}

type failingRecords struct {
	*memory.Store
	indexErr error
}

func (f failingRecords) EnsureIndexes(context.Context, catalog.IndexPolicy) error { return f.indexErr }

func TestIngest_IndexFailureIsLoggedNotFatal(t *testing.T) {
	st := memory.New()
	log := &lines{}
	m := &countingMetrics{}
	e := &Engine{Catalogs: st, Records: failingRecords{Store: st, indexErr: errors.New("no space")}, Logger: log, Metrics: m}

	_, err := e.IngestRecord(context.Background(), "s", doc(t, `{"a": 1}`))
	require.NoError(t, err)
	assert.True(t, log.contains("stage=indexes"), "log lines: %v", log.out)
	assert.True(t, log.contains("reason=bootstrap"))
	assert.Equal(t, float64(1), m.get(metrics.CatalogVersions+"/bootstrap"))
}

type lines struct {
	mu  sync.Mutex
	out []string
}

func (l *lines) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = append(l.out, fmt.Sprintf(format, v...))
}

func (l *lines) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.out {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestFindRecords_FilterAndPaging(t *testing.T) {
	e, _ := newEngine(true)
	ctx := context.Background()
	for _, p := range []string{
		`{"title": "a", "price": 100}`,
		`{"title": "b", "price": 300}`,
		`{"title": "c", "price": 500}`,
		`{"title": "d", "price": 700}`,
	} {
		_, err := e.IngestRecord(ctx, "shop", doc(t, p))
		require.NoError(t, err)
	}

	page, err := e.FindRecords(ctx, url.Values{
		"minPrice": {"200"}, "maxPrice": {"600"},
		"sortBy": {"price"}, "sortDir": {"asc"}, "perPage": {"1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, int64(2), page.TotalPages)
	require.Len(t, page.Data, 1)
	v, _ := page.Data[0].Normalized.Get("title")
	assert.Equal(t, "b", v)

	page, err = e.FindRecords(ctx, url.Values{"search": {"C"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	page, err = e.FindRecords(ctx, url.Values{"page": {"9"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Total)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)

	sources, err := e.FindSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shop"}, sources)
}

func TestFindSources_EmptyIsNotNil(t *testing.T) {
	e, _ := newEngine(true)
	sources, err := e.FindSources(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sources)
	assert.Empty(t, sources)
}

func TestHandleIngestJob(t *testing.T) {
	e, st := newEngine(false)
	seedStrictPrice(t, st, "listings")
	ctx := context.Background()

	ok, err := NewIngestJob("listings", doc(t, `{"price": 3}`), queue.Policy{Attempts: 3})
	require.NoError(t, err)
	require.NoError(t, e.HandleIngestJob(ctx, ok))

	bad, err := NewIngestJob("listings", doc(t, `{"price": "x"}`), queue.Policy{Attempts: 3})
	require.NoError(t, err)
	err = e.HandleIngestJob(ctx, bad)
	assert.True(t, queue.IsPermanent(err))
	assert.True(t, IsRejection(err))

	garbage := queue.Job{ID: "g", Name: JobIngestOne, Payload: []byte(`[`)}
	assert.True(t, queue.IsPermanent(e.HandleIngestJob(ctx, garbage)))

	// Jobs from other producers carry the record under "item".
	wire := queue.Job{ID: "w", Name: JobIngestOne, Payload: []byte(`{"source": "listings", "item": {"price": 4}}`)}
	require.NoError(t, e.HandleIngestJob(ctx, wire))
	n, err := st.CountRecords(ctx, query.Filter{Source: "listings"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
