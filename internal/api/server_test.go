package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaflow/internal/catalog"
	"schemaflow/internal/document"
	"schemaflow/internal/ingest"
	"schemaflow/internal/schema"
	"schemaflow/internal/sourcesync"
	"schemaflow/internal/storage/memory"
)

type fixedTrigger struct {
	result sourcesync.TriggerResult
	calls  int
}

func (f *fixedTrigger) Trigger(context.Context) sourcesync.TriggerResult {
	f.calls++
	return f.result
}

type response struct {
	Success    bool            `json:"success"`
	Status     int             `json:"status"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination"`
}

func newServer(t *testing.T, autoWiden bool, tr Trigger) http.Handler {
	t.Helper()
	engine := ingest.New(memory.New(), ingest.Options{AutoWiden: autoWiden})
	return New(context.Background(), engine, tr, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) response {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var out response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	assert.Equal(t, rr.Code, out.Status)
	return out
}

func TestHealth(t *testing.T) {
	res := do(t, newServer(t, true, nil), http.MethodGet, "/health", "")
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestIngestThenFind(t *testing.T) {
	h := newServer(t, true, nil)

	res := do(t, h, http.MethodPost, "/records/shops", `{"name": "A", "price": 100}`)
	require.Equal(t, http.StatusCreated, res.Status, res.Message)
	var rec struct {
		Source         string         `json:"source"`
		CatalogVersion int            `json:"catalogVersion"`
		Normalized     map[string]any `json:"normalizedPayload"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &rec))
	assert.Equal(t, "shops", rec.Source)
	assert.Equal(t, 1, rec.CatalogVersion)
	assert.Equal(t, "A", rec.Normalized["name"])

	do(t, h, http.MethodPost, "/records/shops", `{"name": "B", "price": 700}`)
	do(t, h, http.MethodPost, "/records/hotels", `{"name": "C"}`)

	res = do(t, h, http.MethodGet, "/records?source=shops&minPrice=50&maxPrice=600", "")
	require.Equal(t, http.StatusOK, res.Status)
	var data []map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	require.Len(t, data, 1)
	require.NotNil(t, res.Pagination)
	assert.Equal(t, int64(1), res.Pagination.TotalDocumentCount)
	assert.Equal(t, 1, res.Pagination.CurrentPage)
	assert.Equal(t, 50, res.Pagination.PerPage)

	res = do(t, h, http.MethodGet, "/records/sources", "")
	var sources []string
	require.NoError(t, json.Unmarshal(res.Data, &sources))
	assert.ElementsMatch(t, []string{"hotels", "shops"}, sources)
	assert.Nil(t, res.Pagination)
}

func TestFind_EmptyStoreReturnsEmptyList(t *testing.T) {
	res := do(t, newServer(t, true, nil), http.MethodGet, "/records", "")
	assert.JSONEq(t, `[]`, string(res.Data))
	assert.Equal(t, int64(0), res.Pagination.TotalDocumentCount)
}

func TestIngest_RejectionCarriesErrors(t *testing.T) {
	// v1 takes numeric prices only.
	st := memory.New()
	obj, err := document.Decode(strings.NewReader(`{"price": 1}`))
	require.NoError(t, err)
	v1 := catalog.Bootstrap("shops", obj)
	root := schema.NewObject()
	root.Set("price", &schema.Leaf{Types: []string{schema.TypeNumber}})
	v1.Schema = root
	_, _, err = st.InsertIfAbsent(context.Background(), v1)
	require.NoError(t, err)
	h := New(context.Background(), ingest.New(st, ingest.Options{AutoWiden: false}), nil, nil).Handler()

	res := do(t, h, http.MethodPost, "/records/shops", `{"price": 1}`)
	require.Equal(t, http.StatusCreated, res.Status, res.Message)

	res = do(t, h, http.MethodPost, "/records/shops", `{"price": "cheap"}`)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.False(t, res.Success)
	var errs []struct {
		Keyword      string `json:"keyword"`
		InstancePath string `json:"instancePath"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &errs))
	require.NotEmpty(t, errs)
	assert.Equal(t, "type", errs[0].Keyword)
	assert.Contains(t, errs[0].InstancePath, "price")
}

func TestIngest_BadBodies(t *testing.T) {
	h := newServer(t, true, nil)
	for _, body := range []string{``, `[1,2]`, `"text"`, `{"a":`} {
		res := do(t, h, http.MethodPost, "/records/shops", body)
		assert.Equal(t, http.StatusBadRequest, res.Status, "body %q", body)
	}
}

func TestTriggerSync(t *testing.T) {
	tr := &fixedTrigger{result: sourcesync.Accepted}
	h := newServer(t, true, tr)

	res := do(t, h, http.MethodGet, "/records/sync", "")
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.JSONEq(t, `"accepted"`, string(res.Data))

	tr.result = sourcesync.AlreadyInProgress
	res = do(t, h, http.MethodGet, "/records/sync", "")
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.JSONEq(t, `"already-in-progress"`, string(res.Data))
	assert.Equal(t, 2, tr.calls)

	res = do(t, newServer(t, true, nil), http.MethodGet, "/records/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
}

func TestLegacyRoutes(t *testing.T) {
	tr := &fixedTrigger{result: sourcesync.Accepted}
	h := newServer(t, true, tr)
	do(t, h, http.MethodPost, "/records/shops", `{"name": "A", "price": 100}`)

	res := do(t, h, http.MethodGet, "/record?source=shops", "")
	require.Equal(t, http.StatusOK, res.Status)
	var data []map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Len(t, data, 1)

	res = do(t, h, http.MethodGet, "/record/sources", "")
	assert.JSONEq(t, `["shops"]`, string(res.Data))

	res = do(t, h, http.MethodGet, "/record/injestManual", "")
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.Equal(t, 1, tr.calls)
}
