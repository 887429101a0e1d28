// Package schema models the permissive structural schema kept per catalog
// version, and the operations that evolve it: Extend adds newly observed leaf
// paths, Widen relaxes leaves after type conflicts.
//
// A schema node is either a *Leaf (a set of accepted JSON types plus an
// optional string pattern) or an *ObjectNode (ordered named children). On the
// wire both are JSON-Schema shaped so the validator can consume them directly.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"schemaflow/internal/document"
)

// JSON types a leaf can accept.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeNull    = "null"
)

// NumericStringPattern is attached to widened leaves so strict consumers can
// still tell numeric strings apart.
const NumericStringPattern = `^-?\d+(\.\d+)?$`

// PermissiveTypes is the type list given to newly discovered leaves.
func PermissiveTypes() []string {
	return []string{TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeNull}
}

// Node is a schema tree node: *Leaf or *ObjectNode.
type Node interface {
	isNode()
	cloneNode() Node
}

// Leaf accepts any of Types. Pattern, when set, constrains string values.
type Leaf struct {
	Types   []string
	Pattern string
}

func (*Leaf) isNode() {}

func (l *Leaf) cloneNode() Node {
	return &Leaf{Types: append([]string(nil), l.Types...), Pattern: l.Pattern}
}

// Accepts reports whether t is one of the leaf's types.
func (l *Leaf) Accepts(t string) bool {
	for _, have := range l.Types {
		if have == t {
			return true
		}
	}
	return false
}

// ObjectNode is an object with ordered named children.
type ObjectNode struct {
	keys     []string
	children map[string]Node
}

func (*ObjectNode) isNode() {}

func (o *ObjectNode) cloneNode() Node { return o.Clone() }

// NewObject returns an empty object node.
func NewObject() *ObjectNode {
	return &ObjectNode{children: make(map[string]Node)}
}

// Keys returns child names in insertion order.
func (o *ObjectNode) Keys() []string { return o.keys }

// Child returns the named child.
func (o *ObjectNode) Child(name string) (Node, bool) {
	n, ok := o.children[name]
	return n, ok
}

// Set stores n under name, keeping the position of an existing child.
func (o *ObjectNode) Set(name string, n Node) {
	if o.children == nil {
		o.children = make(map[string]Node)
	}
	if _, ok := o.children[name]; !ok {
		o.keys = append(o.keys, name)
	}
	o.children[name] = n
}

// Clone returns a deep, independent copy. A nil receiver yields an empty object.
func (o *ObjectNode) Clone() *ObjectNode {
	out := NewObject()
	if o == nil {
		return out
	}
	for _, k := range o.keys {
		out.Set(k, o.children[k].cloneNode())
	}
	return out
}

// Lookup walks a dot path and returns the node found there.
func (o *ObjectNode) Lookup(parts ...string) (Node, bool) {
	var cur Node = o
	for _, p := range parts {
		obj, ok := cur.(*ObjectNode)
		if !ok {
			return nil, false
		}
		cur, ok = obj.children[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// MarshalJSON renders {"type":"object","properties":{...}} with ordered properties.
func (o *ObjectNode) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`{"type":"object","properties":{`)
	if o != nil {
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
			vb, err := json.Marshal(o.children[k])
			if err != nil {
				return nil, fmt.Errorf("schema: marshal %q: %w", k, err)
			}
			b.Write(vb)
		}
	}
	b.WriteString(`}}`)
	return b.Bytes(), nil
}

type leafJSON struct {
	Type    []string `json:"type,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// MarshalJSON renders {"type":[...],"pattern":...}. Types are always a list.
func (l *Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(leafJSON{Type: l.Types, Pattern: l.Pattern})
}

// UnmarshalJSON decodes a JSON-Schema shaped document into an object node.
func (o *ObjectNode) UnmarshalJSON(data []byte) error {
	var doc document.Object
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("schema: decode: %w", err)
	}
	n, err := nodeFromDocument(&doc)
	if err != nil {
		return err
	}
	obj, ok := n.(*ObjectNode)
	if !ok {
		// A root leaf is not meaningful; treat it as an empty object.
		*o = *NewObject()
		return nil
	}
	*o = *obj
	return nil
}

// nodeFromDocument decides the variant: "type":"object" (string form) or a
// "properties" member means object; anything else is a leaf.
func nodeFromDocument(doc *document.Object) (Node, error) {
	rawType, _ := doc.Get("type")
	props, hasProps := doc.Get("properties")

	if s, ok := rawType.(string); (ok && s == TypeObject) || hasProps {
		out := NewObject()
		if p, ok := props.(*document.Object); ok {
			for _, k := range p.Keys() {
				v, _ := p.Get(k)
				child, ok := v.(*document.Object)
				if !ok {
					return nil, fmt.Errorf("schema: property %q is not an object", k)
				}
				n, err := nodeFromDocument(child)
				if err != nil {
					return nil, err
				}
				out.Set(k, n)
			}
		}
		return out, nil
	}

	leaf := &Leaf{}
	switch t := rawType.(type) {
	case string:
		leaf.Types = []string{t}
	case []any:
		for _, it := range t {
			if s, ok := it.(string); ok {
				leaf.Types = append(leaf.Types, s)
			}
		}
	}
	if p, ok := doc.Get("pattern"); ok {
		if s, ok := p.(string); ok {
			leaf.Pattern = s
		}
	}
	return leaf, nil
}

func unionTypes(have []string, add ...string) []string {
	out := append([]string(nil), have...)
	for _, a := range add {
		found := false
		for _, h := range out {
			if h == a {
				found = true
				break
			}
		}
		if !found {
			out = append(out, a)
		}
	}
	return out
}
