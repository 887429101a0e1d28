// Package document holds the ordered JSON object model used for ingested
// payloads.
//
// encoding/json decodes objects into map[string]any, which loses the key order
// of the wire document. Schema inference and field-name assignment depend on
// that order (first-seen wins), so payloads are materialized token by token into
// *Object instead.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Object is a JSON object that remembers key insertion order.
//
// Values are one of: nil, bool, string, json.Number, []any, *Object.
// Numbers decoded by this package are json.Number; callers building objects
// by hand may also use float64/int values.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{values: make(map[string]any)}
}

// FromMap builds an Object from a plain map. Keys are sorted because maps carry
// no order; nested maps are converted recursively.
func FromMap(m map[string]any) *Object {
	o := NewObject()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		o.Set(k, fromAny(m[k]))
	}
	return o
}

func fromAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return FromMap(t)
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = fromAny(it)
		}
		return out
	default:
		return v
	}
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the keys in insertion order. The returned slice must not be modified.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[key]
	return v, ok
}

// Set stores v under key. New keys are appended; existing keys keep their position.
func (o *Object) Set(key string, v any) {
	if o.values == nil {
		o.values = make(map[string]any)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := &Object{
		keys:   append([]string(nil), o.keys...),
		values: make(map[string]any, len(o.values)),
	}
	for k, v := range o.values {
		out.values[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Object:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = cloneValue(it)
		}
		return out
	default:
		return v
	}
}

// ToMap converts the object (recursively) into plain Go maps and slices.
func (o *Object) ToMap() map[string]any {
	if o == nil {
		return nil
	}
	out := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		out[k] = toPlain(o.values[k])
	}
	return out
}

func toPlain(v any) any {
	switch t := v.(type) {
	case *Object:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = toPlain(it)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON writes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, fmt.Errorf("document: marshal %q: %w", k, err)
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("document: read first token: %w", err)
	}
	if tok == nil {
		*o = Object{values: make(map[string]any)}
		return nil
	}
	v, err := DecodeValue(dec, tok)
	if err != nil {
		return err
	}
	obj, ok := v.(*Object)
	if !ok {
		return fmt.Errorf("document: expected object, got %T", v)
	}
	*o = *obj
	return nil
}

// ErrNotObject is returned by Decode when the next value is not a JSON object.
var ErrNotObject = errors.New("document: value is not an object")

// Decode reads exactly one JSON object from r.
func Decode(r io.Reader) (*Object, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	v, err := DecodeValue(dec, tok)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// DecodeValue builds a value for the current JSON value given its first token,
// which the caller has already read from dec. Objects become *Object.
func DecodeValue(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		// scalar token
		return tok, nil
	}

	switch d {
	case '{':
		obj := NewObject()
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("document: read object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("document: object key not a string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("document: read value for %q: %w", k, err)
			}
			v, err := DecodeValue(dec, vt)
			if err != nil {
				return nil, err
			}
			obj.Set(k, v)
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("document: read object end: %w", err)
		} else if end != json.Delim('}') {
			return nil, fmt.Errorf("document: expected '}', got %v", end)
		}
		return obj, nil

	case '[':
		arr := make([]any, 0)
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("document: read array value: %w", err)
			}
			v, err := DecodeValue(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("document: read array end: %w", err)
		} else if end != json.Delim(']') {
			return nil, fmt.Errorf("document: expected ']', got %v", end)
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("document: unexpected delimiter %q", d)
	}
}

// Number reports v as a float64 when it is a JSON number.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		return 0, false
	default:
		return 0, false
	}
}

// String renders a scalar for text comparisons. Objects and arrays render as JSON.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
