package scim

import (
	"strings"

	"github.com/provisor/scimhub/store"
)

// projectedAttrs maps bare attribute names to the projected column the
// store keeps alongside the payload. Filters on these never touch the
// document.
var projectedAttrs = map[string]string{
	"id":          "id",
	"username":    "userName",
	"displayname": "displayName",
	"externalid":  "externalId",
	"active":      "active",
}

// payloadPushOps are the operators a store can apply to payload paths
// without structured-document support diverging from Evaluate. Ordering
// operators stay residual because JSON numbers and strings do not share
// a collation across backends.
var payloadPushOps = map[string]bool{
	"eq": true,
	"ne": true,
	"co": true,
	"sw": true,
	"ew": true,
	"pr": true,
}

// Plan is the outcome of splitting a filter between the store and the
// in-memory evaluator. Pushed is handed to SearchResources; Residual is
// applied with Evaluate to every row the store returns. Either side may
// be nil.
type Plan struct {
	Pushed   *store.Predicate
	Residual Expr
}

// FullyPushed reports whether the store alone can answer the filter,
// which lets pagination and totals happen in the backend.
func (p Plan) FullyPushed() bool {
	return p.Residual == nil
}

// PlanFilter decides, per subtree, whether the store can evaluate the
// expression. Conjunctions split freely; disjunctions and negations push
// only when the whole subtree pushes, otherwise row counts would drift
// between backends.
func PlanFilter(expr Expr, caps store.Capabilities) Plan {
	if expr == nil {
		return Plan{}
	}
	switch e := expr.(type) {
	case *LogicalExpr:
		if e.Op == "and" {
			left := PlanFilter(e.Left, caps)
			right := PlanFilter(e.Right, caps)
			return Plan{
				Pushed:   store.And(left.Pushed, right.Pushed),
				Residual: conjoin(left.Residual, right.Residual),
			}
		}
		left := PlanFilter(e.Left, caps)
		right := PlanFilter(e.Right, caps)
		if left.FullyPushed() && right.FullyPushed() && left.Pushed != nil && right.Pushed != nil {
			return Plan{Pushed: store.Or(left.Pushed, right.Pushed)}
		}
		return Plan{Residual: expr}
	case *NotExpr:
		inner := PlanFilter(e.Expr, caps)
		if inner.FullyPushed() && inner.Pushed != nil {
			return Plan{Pushed: store.Not(inner.Pushed)}
		}
		return Plan{Residual: expr}
	case *ValuePathExpr:
		return Plan{Residual: expr}
	case *CompareExpr:
		if pred := planCompare(e, caps); pred != nil {
			return Plan{Pushed: pred}
		}
		return Plan{Residual: expr}
	}
	return Plan{Residual: expr}
}

func planCompare(e *CompareExpr, caps store.Capabilities) *store.Predicate {
	if name, ok := projectedAttr(e.Path); ok {
		if name == "active" {
			return planActive(e)
		}
		fold := name == "userName" || name == "displayName"
		value := e.Value
		if s, ok := value.(string); ok && fold {
			value = strings.ToLower(s)
		}
		return store.Compare(e.Op, []string{name}, value, fold, true)
	}
	if !caps.StructuredPayload {
		return nil
	}
	if !payloadPushOps[e.Op] {
		return nil
	}
	switch e.Value.(type) {
	case string, nil:
	default:
		return nil
	}
	return store.Compare(e.Op, e.Path.Segments(), e.Value, false, false)
}

// planActive narrows the pushable operators for active to the ones with
// unambiguous boolean semantics and coerces string literals up front so
// backends compare bool against bool.
func planActive(e *CompareExpr) *store.Predicate {
	switch e.Op {
	case "pr":
		return store.Compare("pr", []string{"active"}, nil, false, true)
	case "eq", "ne":
	default:
		return nil
	}
	value := e.Value
	switch v := value.(type) {
	case bool:
	case string:
		switch strings.ToLower(v) {
		case "true":
			value = true
		case "false":
			value = false
		default:
			return nil
		}
	default:
		return nil
	}
	return store.Compare(e.Op, []string{"active"}, value, false, true)
}

func projectedAttr(path AttrPath) (string, bool) {
	if path.URN != "" || len(path.Names) != 1 {
		return "", false
	}
	name, ok := projectedAttrs[strings.ToLower(path.Names[0])]
	return name, ok
}

func conjoin(left, right Expr) Expr {
	if left == nil {
		return right
	}
	if right == nil {
		return left
	}
	return &LogicalExpr{Op: "and", Left: left, Right: right}
}
