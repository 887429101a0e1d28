package document

import "strings"

// Flatten returns the dot-joined leaf paths of v.
//
// Rules:
//   - nested objects recurse; an empty object contributes no paths
//   - scalars, null and arrays are leaves (arrays are not recursed into)
//   - order follows each object's key order
//
// Non-object roots have no paths.
func Flatten(v any) []string {
	var out []string
	switch t := v.(type) {
	case *Object:
		flattenInto(&out, "", t)
	case map[string]any:
		flattenInto(&out, "", FromMap(t))
	}
	return out
}

func flattenInto(out *[]string, prefix string, obj *Object) {
	for _, k := range obj.keys {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if child, ok := obj.values[k].(*Object); ok && child != nil {
			flattenInto(out, full, child)
			continue
		}
		*out = append(*out, full)
	}
}

// TrimPath strips a leading "$." or "." from a field-map path.
func TrimPath(path string) string {
	if strings.HasPrefix(path, "$.") {
		return path[2:]
	}
	return strings.TrimPrefix(path, ".")
}

// Get resolves a dot path ("$.a.b", ".a.b" or "a.b") against v.
// Missing keys and non-object intermediates resolve to nil.
func Get(v any, path string) any {
	clean := TrimPath(path)
	if clean == "" {
		return nil
	}
	cur := v
	for _, seg := range strings.Split(clean, ".") {
		obj, ok := cur.(*Object)
		if !ok || obj == nil {
			return nil
		}
		next, ok := obj.values[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
