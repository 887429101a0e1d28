package memory

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

func obj(t *testing.T, s string) *document.Object {
	t.Helper()
	o, err := document.Decode(strings.NewReader(s))
	require.NoError(t, err)
	return o
}

func TestInsertIfAbsent_ConcurrentWritersConverge(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := catalog.Bootstrap("listings", obj(t, `{"price": 1}`))

	const writers = 16
	var (
		wg       sync.WaitGroup
		inserted int
		mu       sync.Mutex
		ids      = map[string]struct{}{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := catalog.Next(base, []string{"extra"})
			stored, ok, err := s.InsertIfAbsent(ctx, next)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			ids[stored.ID.String()] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Len(t, ids, 1, "every writer must read back the same stored row")

	latest, err := s.Latest(ctx, "listings")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.False(t, latest.CreatedAt.IsZero())
}

func TestLatest_NotFound(t *testing.T) {
	_, err := New().Latest(context.Background(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSourcesAndFieldNames(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := catalog.Bootstrap("b-src", obj(t, `{"city": "x"}`))
	_, _, err := s.InsertIfAbsent(ctx, a)
	require.NoError(t, err)
	_, _, err = s.InsertIfAbsent(ctx, catalog.Next(a, []string{"price"}))
	require.NoError(t, err)
	_, _, err = s.InsertIfAbsent(ctx, catalog.Bootstrap("a-src", obj(t, `{"name": "y"}`)))
	require.NoError(t, err)

	sources, err := s.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-src", "b-src"}, sources)

	names, err := s.FieldNames(ctx, "b-src")
	require.NoError(t, err)
	assert.Equal(t, []string{"city", "price"}, names)

	all, err := s.FieldNames(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"city", "name", "price"}, all)

	versions, err := s.List(ctx, "b-src")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
}

func TestFindRecords_FilterSortPage(t *testing.T) {
	s := New()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, p := range []string{
		`{"price": 300, "city": "Lagos"}`,
		`{"price": 100, "city": "Abuja"}`,
		`{"price": 500, "city": "lagos"}`,
		`{"price": 900, "city": "Lagos"}`,
	} {
		require.NoError(t, s.InsertRecord(ctx, &storage.Record{
			Source:     "listings",
			Normalized: obj(t, p),
			IngestedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	params, _ := url.ParseQuery("minPrice=200&maxPrice=600&city=~lagos&sortBy=price&sortDir=asc&perPage=1&page=2&fields=price")
	f, err := query.Compiler{}.Compile(ctx, params)
	require.NoError(t, err)

	total, err := s.CountRecords(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	page, err := s.FindRecords(ctx, f, query.ParseFindParams(params))
	require.NoError(t, err)
	require.Len(t, page, 1)
	price, _ := page[0].Normalized.Get("price")
	assert.Equal(t, "500", document.String(price))
	assert.Equal(t, []string{"price"}, page[0].Normalized.Keys())

	newest, err := s.FindRecords(ctx, query.Filter{}, query.ParseFindParams(url.Values{}))
	require.NoError(t, err)
	require.Len(t, newest, 4)
	p0, _ := newest[0].Normalized.Get("price")
	assert.Equal(t, "900", document.String(p0))
	assert.NotEqual(t, newest[0].ID.String(), newest[1].ID.String())
}

func TestEnsureIndexes_Dedupes(t *testing.T) {
	s := New()
	p := catalog.IndexPolicy{catalog.FieldIndex("a"), catalog.FieldIndex("a"), catalog.FieldIndex("b")}
	require.NoError(t, s.EnsureIndexes(context.Background(), p))
	require.NoError(t, s.EnsureIndexes(context.Background(), p))
	assert.Equal(t, []string{"a:1", "b:1"}, s.Indexes())
}

func TestRegistered(t *testing.T) {
	st, err := storage.Open(context.Background(), storage.Config{Kind: "memory"})
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*Store)
	assert.True(t, ok)
}
