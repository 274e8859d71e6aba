package store

import (
	"strings"
)

// Predicate operators. Branch nodes use OpAnd/OpOr/OpNot; leaves carry one
// of the SCIM comparison operators.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// Predicate is the filter fragment a store evaluates natively. The planner
// builds these from the parts of a SCIM filter that push down; anything it
// cannot express here stays behind as an in-memory residual.
type Predicate struct {
	Op    string
	Left  *Predicate
	Right *Predicate

	// Leaf fields. Projected marks Path[0] as a first-class column
	// (userName, displayName, externalId, id, active); otherwise Path
	// addresses the payload and is only handed to stores that advertise
	// structured payload support.
	Path      []string
	Value     any
	Fold      bool
	Projected bool
}

// And combines two predicates; either side may be nil.
func And(left, right *Predicate) *Predicate {
	if left == nil {
		return right
	}
	if right == nil {
		return left
	}
	return &Predicate{Op: OpAnd, Left: left, Right: right}
}

// Or combines two predicates. Unlike And, a nil side makes the whole
// disjunction unpushable, so callers must not pass nil.
func Or(left, right *Predicate) *Predicate {
	return &Predicate{Op: OpOr, Left: left, Right: right}
}

// Not negates a predicate.
func Not(p *Predicate) *Predicate {
	return &Predicate{Op: OpNot, Left: p}
}

// Compare builds a leaf node.
func Compare(op string, path []string, value any, fold, projected bool) *Predicate {
	return &Predicate{Op: op, Path: path, Value: value, Fold: fold, Projected: projected}
}

// IsLeaf reports whether p is a comparison rather than a combinator.
func (p *Predicate) IsLeaf() bool {
	return p.Op != OpAnd && p.Op != OpOr && p.Op != OpNot
}

// Match evaluates the predicate against a resource record. The in-memory
// store uses this directly; the SQL store compiles the same tree to a WHERE
// clause, and the two must agree on every resource.
func (p *Predicate) Match(r *Resource) bool {
	if p == nil {
		return true
	}
	switch p.Op {
	case OpAnd:
		return p.Left.Match(r) && p.Right.Match(r)
	case OpOr:
		return p.Left.Match(r) || p.Right.Match(r)
	case OpNot:
		return !p.Left.Match(r)
	}

	value := p.resolve(r)
	// Multi-valued attributes match when any element matches.
	if arr, ok := value.([]any); ok && p.Op != "pr" {
		for _, elem := range arr {
			if matchScalar(p.Op, elem, p.Value, p.Fold) {
				return true
			}
		}
		return false
	}
	if p.Op == "pr" {
		return present(value)
	}
	return matchScalar(p.Op, value, p.Value, p.Fold)
}

// resolve reads the compared value from the record: projected fields come
// from their columns, everything else walks the payload.
func (p *Predicate) resolve(r *Resource) any {
	if p.Projected && len(p.Path) == 1 {
		switch p.Path[0] {
		case "id":
			return r.SCIMID
		case "userName":
			return nullableString(r.UserName)
		case "displayName":
			return nullableString(r.DisplayName)
		case "externalId":
			return nullableString(r.ExternalID)
		case "active":
			if r.Active == nil {
				return nil
			}
			return *r.Active
		}
	}
	var current any = r.Payload
	for _, name := range p.Path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		var found bool
		for key, v := range m {
			if strings.EqualFold(key, name) {
				current, found = v, true
				break
			}
		}
		if !found {
			return nil
		}
	}
	return current
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func present(v any) bool {
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

func matchScalar(op string, have, want any, fold bool) bool {
	switch op {
	case "eq":
		return scalarEqual(have, want, fold)
	case "ne":
		return !scalarEqual(have, want, fold)
	case "co":
		hs, ws, ok := stringPair(have, want, fold)
		return ok && strings.Contains(hs, ws)
	case "sw":
		hs, ws, ok := stringPair(have, want, fold)
		return ok && strings.HasPrefix(hs, ws)
	case "ew":
		hs, ws, ok := stringPair(have, want, fold)
		return ok && strings.HasSuffix(hs, ws)
	case "gt":
		return orderCompare(have, want, fold, func(c int) bool { return c > 0 })
	case "ge":
		return orderCompare(have, want, fold, func(c int) bool { return c >= 0 })
	case "lt":
		return orderCompare(have, want, fold, func(c int) bool { return c < 0 })
	case "le":
		return orderCompare(have, want, fold, func(c int) bool { return c <= 0 })
	}
	return false
}

func scalarEqual(have, want any, fold bool) bool {
	if have == nil || want == nil {
		return have == nil && want == nil
	}
	if hs, ws, ok := stringPair(have, want, fold); ok {
		return hs == ws
	}
	if hb, ok := have.(bool); ok {
		if wb, ok := want.(bool); ok {
			return hb == wb
		}
		// Lenient boolean forms sent by some IdPs.
		if ws, ok := want.(string); ok {
			return hb == strings.EqualFold(ws, "true")
		}
		return false
	}
	hn, hok := toNumber(have)
	wn, wok := toNumber(want)
	if hok && wok {
		return hn == wn
	}
	return false
}

func orderCompare(have, want any, fold bool, keep func(int) bool) bool {
	hn, hok := toNumber(have)
	wn, wok := toNumber(want)
	if hok && wok {
		switch {
		case hn < wn:
			return keep(-1)
		case hn > wn:
			return keep(1)
		default:
			return keep(0)
		}
	}
	hs, ws, ok := stringPair(have, want, fold)
	if !ok {
		return false
	}
	return keep(strings.Compare(hs, ws))
}

func stringPair(have, want any, fold bool) (string, string, bool) {
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

func toNumber(v any) (float64, bool) {
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
