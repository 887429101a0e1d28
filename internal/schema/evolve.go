package schema

import "strings"

// Extend returns a copy of root with a permissive leaf at every path that does
// not exist yet. Existing nodes are never modified: a terminal that already
// exists is kept as is, and a path that runs into an existing leaf stops there.
// root is not mutated.
func Extend(root *ObjectNode, paths []string) *ObjectNode {
	out := root.Clone()
	for _, p := range paths {
		if p == "" {
			continue
		}
		parts := strings.Split(p, ".")
		node := out
		for i, part := range parts {
			child, exists := node.children[part]
			if i == len(parts)-1 {
				if !exists {
					node.Set(part, &Leaf{Types: PermissiveTypes()})
				}
				break
			}
			if !exists {
				next := NewObject()
				node.Set(part, next)
				node = next
				continue
			}
			next, ok := child.(*ObjectNode)
			if !ok {
				break
			}
			node = next
		}
	}
	return out
}

// Widen returns a copy of root where the node at each mismatch's instance path
// additionally accepts numbers and strings. Types are only ever added.
//
// The numeric-string pattern is attached only when strings were not accepted
// before, so values that validated earlier keep validating.
// An object node hit by a type mismatch becomes a leaf accepting objects,
// numbers and strings.
func Widen(root *ObjectNode, mismatches []ValidationError) *ObjectNode {
	out := root.Clone()
	for _, e := range mismatches {
		parts := SplitInstancePath(e.InstancePath)
		if len(parts) == 0 {
			continue
		}
		node := out
		for i, part := range parts {
			child, exists := node.children[part]
			if i == len(parts)-1 {
				node.Set(part, widenNode(child))
				break
			}
			if !exists {
				next := NewObject()
				node.Set(part, next)
				node = next
				continue
			}
			next, ok := child.(*ObjectNode)
			if !ok {
				break
			}
			node = next
		}
	}
	return out
}

func widenNode(n Node) *Leaf {
	var (
		types   []string
		pattern string
	)
	switch t := n.(type) {
	case *Leaf:
		types = t.Types
		pattern = t.Pattern
		if len(types) == 0 {
			// Accepts anything already.
			return &Leaf{Pattern: pattern}
		}
	case *ObjectNode:
		types = []string{TypeObject}
	}

	acceptedStrings := false
	for _, ty := range types {
		if ty == TypeString {
			acceptedStrings = true
			break
		}
	}
	if !acceptedStrings {
		pattern = NumericStringPattern
	}
	return &Leaf{Types: unionTypes(types, TypeNumber, TypeString), Pattern: pattern}
}

// SplitInstancePath splits a JSON-pointer style path ("/address/zip").
func SplitInstancePath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
