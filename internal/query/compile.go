package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Reserved parameter names. They never become field conditions.
const (
	ParamSearch  = "search"
	ParamSource  = "source"
	ParamSortBy  = "sortBy"
	ParamSortDir = "sortDir"
	ParamPage    = "page"
	ParamPerPage = "perPage"
	ParamFields  = "fields"
)

var reserved = map[string]struct{}{
	ParamSearch: {}, ParamSource: {}, ParamSortBy: {}, ParamSortDir: {},
	ParamPage: {}, ParamPerPage: {}, ParamFields: {},
}

// IsReserved reports whether key is handled outside the dynamic rules.
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// FieldNameLister lists every normalized field name known for a source, or
// across all sources when source is empty.
type FieldNameLister interface {
	FieldNames(ctx context.Context, source string) ([]string, error)
}

// ErrNoFieldLister is returned when a search is requested from a Compiler
// that cannot resolve field names.
var ErrNoFieldLister = errors.New("query: search needs a field name lister")

// Compiler turns query parameters into a Filter.
type Compiler struct {
	Fields FieldNameLister
}

// rule is one dynamic key interpretation. Rules are tried in order and the
// first whose match accepts the key wins.
type rule struct {
	name  string
	match func(key string) (field string, ok bool)
	apply func(f *Filter, field, value string)
}

var rules = []rule{
	{name: "min", match: prefixed("min"), apply: applyMin},
	{name: "max", match: prefixed("max"), apply: applyMax},
	{name: "contains", match: prefixed("contains"), apply: applyContains},
	{name: "in", match: prefixed("in"), apply: applyIn},
	{name: "exact", match: func(key string) (string, bool) { return key, key != "" }, apply: applyExact},
}

// prefixed matches keys of the form <prefix><Field> and yields the field with
// its first letter lowered ("minPrice" -> "price"). The rune after the prefix
// must be upper case, so "inventory" or "maximum" stay plain keys.
func prefixed(prefix string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if len(key) <= len(prefix) || !strings.HasPrefix(key, prefix) {
			return "", false
		}
		rest := key[len(prefix):]
		r, size := utf8.DecodeRuneInString(rest)
		if !unicode.IsUpper(r) {
			return "", false
		}
		return string(unicode.ToLower(r)) + rest[size:], true
	}
}

// Compile builds the filter for params. Keys are visited in sorted order so
// the result does not depend on map iteration.
//
// Only the search parameter consults the field lister; every other key is
// interpreted purely syntactically.
func (c Compiler) Compile(ctx context.Context, params url.Values) (Filter, error) {
	var f Filter
	f.Source = strings.TrimSpace(params.Get(ParamSource))

	if text := normalizeText(params.Get(ParamSearch)); text != "" {
		if c.Fields == nil {
			return Filter{}, ErrNoFieldLister
		}
		names, err := c.Fields.FieldNames(ctx, f.Source)
		if err != nil {
			return Filter{}, fmt.Errorf("query: list fields for search: %w", err)
		}
		if len(names) > 0 {
			f.Search = &Search{
				Text:   text,
				Match:  Match{Pattern: regexp.QuoteMeta(text), CaseInsensitive: true},
				Fields: names,
			}
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if IsReserved(key) {
			continue
		}
		value := params.Get(key)
		for _, r := range rules {
			field, ok := r.match(key)
			if !ok {
				continue
			}
			r.apply(&f, field, value)
			break
		}
	}
	return f, nil
}

func applyMin(f *Filter, field, value string) {
	if n, ok := parseNumber(value); ok {
		f.condition(field).Gte = &n
	}
}

func applyMax(f *Filter, field, value string) {
	if n, ok := parseNumber(value); ok {
		f.condition(field).Lte = &n
	}
}

func applyContains(f *Filter, field, value string) {
	c := f.condition(field)
	c.Matches = append(c.Matches, Match{Pattern: regexp.QuoteMeta(normalizeText(value)), CaseInsensitive: true})
}

func applyIn(f *Filter, field, value string) {
	items := make([]any, 0)
	for _, tok := range parseCSV(value) {
		if n, ok := parseNumber(tok); ok {
			items = append(items, n)
			continue
		}
		items = append(items, normalizeText(tok))
	}
	f.condition(field).In = items
}

// applyExact coerces the value: booleans, then numbers, then "~text" as a
// case-insensitive exact match, else a literal string.
func applyExact(f *Filter, field, value string) {
	c := f.condition(field)
	switch {
	case isBoolean(value):
		c.Eq, c.HasEq = strings.EqualFold(value, "true"), true
	case isNumeric(value):
		n, _ := parseNumber(value)
		c.Eq, c.HasEq = n, true
	case strings.HasPrefix(value, "~"):
		text := norm.NFC.String(value[1:])
		c.Matches = append(c.Matches, Match{Pattern: "^" + regexp.QuoteMeta(text) + "$", CaseInsensitive: true})
	default:
		c.Eq, c.HasEq = norm.NFC.String(value), true
	}
}

func isBoolean(s string) bool {
	return strings.EqualFold(s, "true") || strings.EqualFold(s, "false")
}

func isNumeric(s string) bool {
	_, ok := parseNumber(s)
	return ok
}

// parseNumber accepts finite decimal numbers. Empty input is not a number.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

func parseCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
