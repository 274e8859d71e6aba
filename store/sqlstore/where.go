package sqlstore

import (
	"fmt"
	"strings"

	"github.com/provisor/scimhub/store"
)

// projectedColumns maps predicate path heads to resource table columns.
// The folded variants exist so case-insensitive compares hit the shadow
// index instead of wrapping the live column in LOWER().
var projectedColumns = map[string]string{
	"id":          "scim_id",
	"userName":    "user_name",
	"displayName": "display_name",
	"externalId":  "external_id",
	"active":      "active",
}

var foldedColumns = map[string]string{
	"userName":    "user_name_fold",
	"displayName": "display_name_fold",
}

// whereBuilder compiles a store.Predicate into a WHERE fragment with ?
// placeholders. The planner only pushes shapes both engines can answer,
// so compilation never fails on a well-formed predicate.
type whereBuilder struct {
	d      dialect
	params []any
}

// compileWhere returns the SQL fragment and its parameters for p. A nil
// predicate compiles to the empty string.
func compileWhere(d dialect, p *store.Predicate) (string, []any) {
	if p == nil {
		return "", nil
	}
	wb := &whereBuilder{d: d}
	return wb.compile(p), wb.params
}

func (wb *whereBuilder) compile(p *store.Predicate) string {
	switch p.Op {
	case store.OpAnd:
		return fmt.Sprintf("(%s AND %s)", wb.compile(p.Left), wb.compile(p.Right))
	case store.OpOr:
		return fmt.Sprintf("(%s OR %s)", wb.compile(p.Left), wb.compile(p.Right))
	case store.OpNot:
		return fmt.Sprintf("NOT (%s)", wb.compile(p.Left))
	}
	return wb.compileLeaf(p)
}

func (wb *whereBuilder) compileLeaf(p *store.Predicate) string {
	expr := wb.pathExpr(p)

	switch p.Op {
	case "eq", "ne":
		return wb.equality(expr, p)
	case "co":
		return wb.like(expr, p, "%", "%")
	case "sw":
		return wb.like(expr, p, "", "%")
	case "ew":
		return wb.like(expr, p, "%", "")
	case "gt", "ge", "lt", "le":
		return wb.ordering(expr, p)
	case "pr":
		// active is the only non-text projected column; comparing an
		// integer to '' is a type error on postgres.
		if p.Projected && len(p.Path) == 1 && p.Path[0] == "active" {
			return fmt.Sprintf("%s IS NOT NULL", expr)
		}
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", expr, expr)
	}
	// Unknown leaf operators match nothing rather than everything.
	return "1 = 0"
}

// pathExpr resolves the comparison target: a projected column, its folded
// shadow for case-insensitive compares, or a payload path expression.
func (wb *whereBuilder) pathExpr(p *store.Predicate) string {
	if p.Projected && len(p.Path) == 1 {
		if p.Fold {
			if col, ok := foldedColumns[p.Path[0]]; ok {
				return col
			}
		}
		if col, ok := projectedColumns[p.Path[0]]; ok {
			return col
		}
	}
	return wb.d.PayloadPath(p.Path)
}

func (wb *whereBuilder) param(v any) string {
	wb.params = append(wb.params, v)
	return "?"
}

func (wb *whereBuilder) equality(expr string, p *store.Predicate) string {
	if p.Value == nil {
		if p.Op == "eq" {
			return fmt.Sprintf("%s IS NULL", expr)
		}
		return fmt.Sprintf("%s IS NOT NULL", expr)
	}
	op := "="
	if p.Op == "ne" {
		op = "<>"
	}
	var cmp string
	switch v := p.Value.(type) {
	case bool:
		n := 0
		if v {
			n = 1
		}
		cmp = fmt.Sprintf("%s %s %s", expr, op, wb.param(n))
	case string:
		if p.Fold && !p.Projected {
			cmp = fmt.Sprintf("LOWER(%s) %s %s", expr, op, wb.param(strings.ToLower(v)))
		} else {
			// Folded projected compares already target the shadow column and
			// receive a case-folded value from the planner.
			cmp = fmt.Sprintf("%s %s %s", expr, op, wb.param(v))
		}
	default:
		cmp = fmt.Sprintf("%s %s %s", expr, op, wb.param(p.Value))
	}
	if p.Op == "ne" {
		// Three-valued logic drops NULL rows from <>, but Predicate.Match
		// treats an absent value as not-equal. Keep those rows in.
		return fmt.Sprintf("(%s IS NULL OR %s)", expr, cmp)
	}
	return cmp
}

func (wb *whereBuilder) like(expr string, p *store.Predicate, prefix, suffix string) string {
	s, ok := p.Value.(string)
	if !ok {
		return "1 = 0"
	}
	if !p.Fold {
		// Case-sensitive, like Predicate.Match. Sqlite connections open
		// with case_sensitive_like on; postgres LIKE already is.
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, expr, wb.param(prefix+escapeLike(s)+suffix))
	}
	pattern := prefix + escapeLike(strings.ToLower(s)) + suffix
	if p.Projected {
		// The folded shadow column stores lowercased values.
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, expr, wb.param(pattern))
	}
	return fmt.Sprintf(`LOWER(%s) LIKE %s ESCAPE '\'`, expr, wb.param(pattern))
}

func (wb *whereBuilder) ordering(expr string, p *store.Predicate) string {
	var op string
	switch p.Op {
	case "gt":
		op = ">"
	case "ge":
		op = ">="
	case "lt":
		op = "<"
	case "le":
		op = "<="
	}
	if s, ok := p.Value.(string); ok {
		if p.Fold && !p.Projected {
			return fmt.Sprintf("LOWER(%s) %s %s", expr, op, wb.param(strings.ToLower(s)))
		}
		return fmt.Sprintf("%s %s %s", expr, op, wb.param(s))
	}
	return fmt.Sprintf("%s %s %s", expr, op, wb.param(p.Value))
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// orderClause builds the ORDER BY fragment for a query. Projected sort
// keys use the folded shadow where one exists so ordering matches the
// in-memory store's case-insensitive sort; empty string sorts last like
// NULLS LAST.
func orderClause(q store.Query) string {
	if q.SortBy == "" {
		return "ORDER BY id ASC"
	}
	col, ok := projectedColumns[q.SortBy]
	if !ok {
		return "ORDER BY id ASC"
	}
	if folded, hasFold := foldedColumns[q.SortBy]; hasFold {
		col = folded
	}
	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	return fmt.Sprintf("ORDER BY %s IS NULL, %s %s, id ASC", col, col, dir)
}
