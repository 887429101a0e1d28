// Package query compiles open-ended query parameters into a storage-neutral
// filter over normalized record fields.
//
// A Filter is rendered by each backend on its own terms (SQL for the
// relational stores, direct evaluation for the memory store). Expression
// renders the same filter as a document-store expression, which is the shape
// the HTTP layer echoes back for debugging.
package query

import (
	"fmt"
	"regexp"

	"schemaflow/internal/document"
)

// NormalizedPrefix is the document path under which normalized fields live.
const NormalizedPrefix = "normalized."

// Match is a regular expression test on a string value. Pattern uses RE2
// syntax restricted to what every backend understands: literals, anchors and
// escapes.
type Match struct {
	Pattern         string
	CaseInsensitive bool
}

// Regexp compiles the match for in-process evaluation.
func (m Match) Regexp() (*regexp.Regexp, error) {
	p := m.Pattern
	if m.CaseInsensitive {
		p = "(?i)" + p
	}
	return regexp.Compile(p)
}

// Condition is every constraint on one normalized field. All parts are ANDed.
type Condition struct {
	Field   string
	Eq      any // bool, float64 or string; only meaningful when HasEq
	HasEq   bool
	Gte     *float64
	Lte     *float64
	Matches []Match
	In      []any // float64 or string
}

// Path is the document path of the condition's field.
func (c Condition) Path() string { return NormalizedPrefix + c.Field }

// Search is a case-insensitive substring test ORed across Fields.
type Search struct {
	Text   string
	Match  Match
	Fields []string
}

// Filter is the compiled form of a query. The zero value matches everything.
type Filter struct {
	Source     string
	Search     *Search
	Conditions []Condition
}

func (f *Filter) condition(field string) *Condition {
	for i := range f.Conditions {
		if f.Conditions[i].Field == field {
			return &f.Conditions[i]
		}
	}
	f.Conditions = append(f.Conditions, Condition{Field: field})
	return &f.Conditions[len(f.Conditions)-1]
}

// Condition returns the condition on field, if any.
func (f Filter) Condition(field string) (Condition, bool) {
	for _, c := range f.Conditions {
		if c.Field == field {
			return c, true
		}
	}
	return Condition{}, false
}

// Expression renders the filter as a document-store expression, e.g.
//
//	{"source": "listings", "normalized.price": {"$gte": 200, "$lte": 600}}
func (f Filter) Expression() map[string]any {
	out := map[string]any{}
	if f.Source != "" {
		out["source"] = f.Source
	}
	if f.Search != nil && len(f.Search.Fields) > 0 {
		or := make([]any, 0, len(f.Search.Fields))
		for _, name := range f.Search.Fields {
			or = append(or, map[string]any{NormalizedPrefix + name: regexExpr(f.Search.Match)})
		}
		out["$or"] = or
	}

	var and []any
	for _, c := range f.Conditions {
		ops := map[string]any{}
		if c.Gte != nil {
			ops["$gte"] = *c.Gte
		}
		if c.Lte != nil {
			ops["$lte"] = *c.Lte
		}
		if c.In != nil {
			ops["$in"] = c.In
		}
		for i, m := range c.Matches {
			if i == 0 {
				for k, v := range regexExpr(m) {
					ops[k] = v
				}
				continue
			}
			and = append(and, map[string]any{c.Path(): regexExpr(m)})
		}
		if c.HasEq {
			if len(ops) == 0 {
				out[c.Path()] = c.Eq
				continue
			}
			ops["$eq"] = c.Eq
		}
		if len(ops) > 0 {
			out[c.Path()] = ops
		}
	}
	if len(and) > 0 {
		out["$and"] = and
	}
	return out
}

func regexExpr(m Match) map[string]any {
	out := map[string]any{"$regex": m.Pattern}
	if m.CaseInsensitive {
		out["$options"] = "i"
	}
	return out
}

// Evaluator tests records in process. Regular expressions are compiled once.
type Evaluator struct {
	f       Filter
	search  *regexp.Regexp
	matches map[string][]*regexp.Regexp
}

// NewEvaluator compiles every pattern of f.
func NewEvaluator(f Filter) (*Evaluator, error) {
	e := &Evaluator{f: f, matches: map[string][]*regexp.Regexp{}}
	if f.Search != nil && len(f.Search.Fields) > 0 {
		re, err := f.Search.Match.Regexp()
		if err != nil {
			return nil, fmt.Errorf("query: compile search: %w", err)
		}
		e.search = re
	}
	for _, c := range f.Conditions {
		for _, m := range c.Matches {
			re, err := m.Regexp()
			if err != nil {
				return nil, fmt.Errorf("query: compile %s: %w", c.Field, err)
			}
			e.matches[c.Field] = append(e.matches[c.Field], re)
		}
	}
	return e, nil
}

// Match reports whether a record of source with the given normalized payload
// satisfies the filter.
func (e *Evaluator) Match(source string, normalized *document.Object) bool {
	if e.f.Source != "" && source != e.f.Source {
		return false
	}
	if e.search != nil {
		hit := false
		for _, name := range e.f.Search.Fields {
			v, _ := normalized.Get(name)
			if matchString(e.search, v) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, c := range e.f.Conditions {
		v, _ := normalized.Get(c.Field)
		if !e.matchCondition(c, v) {
			return false
		}
	}
	return true
}

func (e *Evaluator) matchCondition(c Condition, v any) bool {
	if c.HasEq && !equal(v, c.Eq) {
		return false
	}
	if c.Gte != nil || c.Lte != nil {
		n, isNum := document.Number(v)
		if !isNum || (c.Gte != nil && n < *c.Gte) || (c.Lte != nil && n > *c.Lte) {
			return false
		}
	}
	for _, re := range e.matches[c.Field] {
		if !matchString(re, v) {
			return false
		}
	}
	if c.In != nil {
		for _, want := range c.In {
			if equal(v, want) {
				return true
			}
		}
		return false
	}
	return true
}

// Only string values match; numbers and arrays never do.
func matchString(re *regexp.Regexp, v any) bool {
	s, ok := v.(string)
	return ok && re.MatchString(s)
}

func equal(have, want any) bool {
	switch w := want.(type) {
	case float64:
		n, ok := document.Number(have)
		return ok && n == w
	case bool:
		b, ok := have.(bool)
		return ok && b == w
	case string:
		s, ok := have.(string)
		return ok && s == w
	default:
		return have == want
	}
}
