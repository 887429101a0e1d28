package catalog

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemaflow/internal/document"
	"schemaflow/internal/schema"
)

func payload(t *testing.T, s string) *document.Object {
	t.Helper()
	obj, err := document.Decode(strings.NewReader(s))
	require.NoError(t, err)
	return obj
}

func TestBootstrap_CollisionSuffixes(t *testing.T) {
	c := Bootstrap("listings", payload(t, `{"a": {"x": 1}, "b": {"x": 2}, "c": {"x": 3}}`))

	assert.Equal(t, 1, c.Version)
	assert.Equal(t, FieldMap{
		{Name: "x", Path: "$.a.x"},
		{Name: "x_2", Path: "$.b.x"},
		{Name: "x_3", Path: "$.c.x"},
	}, c.FieldMap)

	require.Len(t, c.IndexPolicy, 3)
	assert.Equal(t, "x_2:1", c.IndexPolicy[1].Signature())
	assert.True(t, c.IndexPolicy[0].Options.Sparse)
	assert.True(t, c.IndexPolicy[0].Options.Background)
}

func TestBootstrap_ProjectionRecoversLeaves(t *testing.T) {
	p := payload(t, `{"name": "Flat", "price": 120, "tags": ["a","b"], "address": {"city": "Lagos"}, "nothing": null}`)
	c := Bootstrap("listings", p)

	norm := Project(p, c.FieldMap)
	assert.Equal(t, []string{"name", "price", "tags", "city", "nothing"}, norm.Keys())

	for _, k := range []string{"name", "price", "tags", "nothing"} {
		want, _ := p.Get(k)
		got, _ := norm.Get(k)
		assert.Equal(t, want, got, k)
	}
	city, _ := norm.Get("city")
	assert.Equal(t, "Lagos", city)
}

func TestProject_MissingPathsAreNull(t *testing.T) {
	fm := FieldMap{{Name: "zip", Path: "$.address.zip"}, {Name: "price", Path: ".price"}}
	norm := Project(payload(t, `{"price": 5}`), fm)

	v, ok := norm.Get("zip")
	assert.True(t, ok)
	assert.Nil(t, v)
	price, _ := norm.Get("price")
	assert.Equal(t, json.Number("5"), price)
}

func TestUnknown_EmptyIffAllPathsKnown(t *testing.T) {
	p := payload(t, `{"a": 1, "b": {"c": 2}}`)
	c := Bootstrap("s", p)
	assert.Empty(t, Unknown(p, c.FieldMap))

	more := payload(t, `{"a": 1, "b": {"c": 2, "d": 3}, "e": [1]}`)
	assert.Equal(t, []string{"b.d", "e"}, Unknown(more, c.FieldMap))
}

func TestNext_OnlyAddsEntries(t *testing.T) {
	base := Bootstrap("s", payload(t, `{"price": 1, "meta": {"x": 1}}`))
	next := Next(base, []string{"extra", "other.x"})

	assert.Equal(t, 2, next.Version)
	assert.Equal(t, base.FieldMap, next.FieldMap[:len(base.FieldMap)])
	assert.Equal(t, Field{Name: "extra", Path: "$.extra"}, next.FieldMap[2])
	assert.Equal(t, Field{Name: "x_2", Path: "$.other.x"}, next.FieldMap[3])

	require.Len(t, next.IndexPolicy, 4)
	assert.Equal(t, "extra:1", next.IndexPolicy[2].Signature())

	_, ok := next.Schema.Lookup("other", "x")
	assert.True(t, ok)
	_, ok = base.Schema.Lookup("extra")
	assert.False(t, ok)
	assert.NotEqual(t, base.ID, next.ID)
}

func TestWidened_KeepsMapAndPolicy(t *testing.T) {
	base := Bootstrap("s", payload(t, `{"price": 1}`))
	w := schema.Widen(base.Schema, []schema.ValidationError{{Keyword: schema.KeywordType, InstancePath: "/price"}})

	next := Widened(base, w)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, base.FieldMap, next.FieldMap)
	assert.Equal(t, base.IndexPolicy, next.IndexPolicy)
	assert.Same(t, w, next.Schema)
}

func TestIndexPolicy_Dedupe(t *testing.T) {
	p := IndexPolicy{FieldIndex("a"), FieldIndex("b"), {Keys: []IndexKey{{Field: "a", Direction: 1}}}}
	out := p.Dedupe()
	require.Len(t, out, 2)
	assert.Equal(t, "a_asc", out[0].Name())
	assert.Equal(t, "b_asc", out[1].Name())
}

func TestCatalog_JSONKeepsFieldOrder(t *testing.T) {
	c := Bootstrap("s", payload(t, `{"z": 1, "a": 2}`))
	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var back Catalog
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []string{"z", "a"}, back.FieldMap.Names())
	assert.Equal(t, []string{"z", "a"}, back.Schema.Keys())
}
