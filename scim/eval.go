package scim

import (
	"strings"
)

// caseInsensitiveAttrs are the attributes whose string values compare
// case-insensitively. Everything else is case-sensitive per RFC 7644
// Section 3.4.2.2 (attribute names are always case-insensitive).
var caseInsensitiveAttrs = map[string]bool{
	"username":    true,
	"displayname": true,
}

// foldsCase reports whether comparisons against this path ignore case.
func foldsCase(path AttrPath) bool {
	if path.URN != "" || len(path.Names) != 1 {
		return false
	}
	return caseInsensitiveAttrs[strings.ToLower(path.Names[0])]
}

// Evaluate interprets a filter expression against a materialized resource
// document. A nil expression matches everything.
func Evaluate(expr Expr, doc map[string]any) bool {
	if expr == nil {
		return true
	}
	switch e := expr.(type) {
	case *LogicalExpr:
		switch e.Op {
		case "and":
			return Evaluate(e.Left, doc) && Evaluate(e.Right, doc)
		case "or":
			return Evaluate(e.Left, doc) || Evaluate(e.Right, doc)
		}
		return false
	case *NotExpr:
		return !Evaluate(e.Expr, doc)
	case *ValuePathExpr:
		return evalValuePath(e, doc)
	case *CompareExpr:
		return evalCompare(e, doc)
	}
	return false
}

// evalValuePath matches when any element of the addressed multi-valued
// attribute satisfies the sub-filter.
func evalValuePath(e *ValuePathExpr, doc map[string]any) bool {
	value := lookupPath(doc, e.Path)
	arr, ok := value.([]any)
	if !ok {
		// A single complex value is treated as a one-element list.
		if m, ok := value.(map[string]any); ok {
			return Evaluate(e.Sub, m)
		}
		return false
	}
	for _, elem := range arr {
		if m, ok := elem.(map[string]any); ok && Evaluate(e.Sub, m) {
			return true
		}
	}
	return false
}

func evalCompare(e *CompareExpr, doc map[string]any) bool {
	value := lookupPath(doc, e.Path)
	fold := foldsCase(e.Path)

	if e.Op == "pr" {
		return attrPresent(value)
	}
	// Multi-valued attributes match when any element matches.
	if arr, ok := value.([]any); ok {
		for _, elem := range arr {
			if compareScalar(e.Op, elem, e.Value, fold) {
				return true
			}
		}
		return false
	}
	return compareScalar(e.Op, value, e.Value, fold)
}

// lookupPath walks an attribute path through a document. Attribute name
// matching is case-insensitive. When the walk crosses an array the
// remaining path is applied to every element and the hits are collected,
// so emails.value yields every address.
func lookupPath(doc map[string]any, path AttrPath) any {
	var current any = doc
	if path.URN != "" {
		current = lookupKey(doc, path.URN)
	}
	for i, name := range path.Names {
		switch node := current.(type) {
		case map[string]any:
			current = lookupKey(node, name)
		case []any:
			rest := AttrPath{Names: path.Names[i:]}
			var collected []any
			for _, elem := range node {
				m, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				if v := lookupPath(m, rest); v != nil {
					collected = append(collected, v)
				}
			}
			if len(collected) == 0 {
				return nil
			}
			return collected
		default:
			return nil
		}
	}
	return current
}

func lookupKey(m map[string]any, name string) any {
	if m == nil {
		return nil
	}
	if v, ok := m[name]; ok {
		return v
	}
	for key, v := range m {
		if strings.EqualFold(key, name) {
			return v
		}
	}
	return nil
}

func attrPresent(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

func compareScalar(op string, have, want any, fold bool) bool {
	switch op {
	case "eq":
		return valuesEqual(have, want, fold)
	case "ne":
		return !valuesEqual(have, want, fold)
	case "co":
		hs, ws, ok := asStrings(have, want, fold)
		return ok && strings.Contains(hs, ws)
	case "sw":
		hs, ws, ok := asStrings(have, want, fold)
		return ok && strings.HasPrefix(hs, ws)
	case "ew":
		hs, ws, ok := asStrings(have, want, fold)
		return ok && strings.HasSuffix(hs, ws)
	case "gt":
		return compareOrder(have, want, fold, func(c int) bool { return c > 0 })
	case "ge":
		return compareOrder(have, want, fold, func(c int) bool { return c >= 0 })
	case "lt":
		return compareOrder(have, want, fold, func(c int) bool { return c < 0 })
	case "le":
		return compareOrder(have, want, fold, func(c int) bool { return c <= 0 })
	}
	return false
}

func valuesEqual(have, want any, fold bool) bool {
	if have == nil || want == nil {
		return have == nil && want == nil
	}
	if hs, ws, ok := asStrings(have, want, fold); ok {
		return hs == ws
	}
	if hb, ok := have.(bool); ok {
		if wb, ok := want.(bool); ok {
			return hb == wb
		}
		// Boolean attributes sometimes arrive as "True"/"False" strings.
		if ws, ok := want.(string); ok {
			return hb == strings.EqualFold(ws, "true")
		}
		return false
	}
	if hn, ok := asNumber(have); ok {
		if wn, ok := asNumber(want); ok {
			return hn == wn
		}
	}
	return false
}

func compareOrder(have, want any, fold bool, keep func(int) bool) bool {
	if hn, ok := asNumber(have); ok {
		if wn, ok := asNumber(want); ok {
			switch {
			case hn < wn:
				return keep(-1)
			case hn > wn:
				return keep(1)
			default:
				return keep(0)
			}
		}
		return false
	}
	hs, ws, ok := asStrings(have, want, fold)
	if !ok {
		return false
	}
	return keep(strings.Compare(hs, ws))
}

func asStrings(have, want any, fold bool) (string, string, bool) {
	hs, ok := have.(string)
	if !ok {
		return "", "", false
	}
	ws, ok := want.(string)
	if !ok {
		return "", "", false
	}
	if fold {
		return strings.ToLower(hs), strings.ToLower(ws), true
	}
	return hs, ws, true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
