package scim

import (
	"fmt"
	"strings"
)

// PatchPath is a parsed RFC 7644 Section 3.5.2 path: an optional schema
// URN prefix followed by attribute segments, each optionally carrying a
// value-selection filter.
type PatchPath struct {
	URN      string
	Segments []PatchSegment
}

// PatchSegment is one attribute step of a PATCH path. Filter is non-nil
// for value-path segments such as emails[type eq "work"].
type PatchSegment struct {
	Name   string
	Filter Expr
}

// IsZero reports whether the operation carried no path at all.
func (p PatchPath) IsZero() bool {
	return p.URN == "" && len(p.Segments) == 0
}

// ParsePatchPath parses a PATCH operation path. An empty string is the
// no-path form and parses to the zero PatchPath.
func ParsePatchPath(raw string) (PatchPath, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PatchPath{}, nil
	}

	var p PatchPath
	rest := raw
	if strings.HasPrefix(strings.ToLower(rest), "urn:") {
		// A path that is exactly a known schema URN targets the whole
		// extension object; otherwise the attribute part starts after
		// the last colon.
		if isSchemaURN(rest) {
			return PatchPath{URN: rest}, nil
		}
		head := rest
		if i := strings.IndexByte(head, '['); i >= 0 {
			head = head[:i]
		}
		i := strings.LastIndexByte(head, ':')
		if i < 0 || i == len(rest)-1 {
			return PatchPath{}, ErrInvalidPath(fmt.Sprintf("path %q has no attribute after the URN", raw))
		}
		p.URN = rest[:i]
		rest = rest[i+1:]
	}

	segs, err := splitPatchSegments(rest)
	if err != nil {
		return PatchPath{}, ErrInvalidPath(fmt.Sprintf("path %q: %s", raw, err))
	}
	p.Segments = segs
	return p, nil
}

func isSchemaURN(raw string) bool {
	switch strings.ToLower(raw) {
	case strings.ToLower(SchemaUser), strings.ToLower(SchemaGroup), strings.ToLower(SchemaEnterpriseUser):
		return true
	}
	return false
}

func splitPatchSegments(rest string) ([]PatchSegment, error) {
	var segs []PatchSegment
	for {
		n := 0
		for n < len(rest) && rest[n] != '[' && rest[n] != '.' {
			n++
		}
		name := rest[:n]
		if name == "" || !isAttrName(name) {
			return nil, fmt.Errorf("invalid attribute name %q", name)
		}
		seg := PatchSegment{Name: name}
		rest = rest[n:]

		if len(rest) > 0 && rest[0] == '[' {
			inner, remainder, err := cutBracket(rest)
			if err != nil {
				return nil, err
			}
			sub, err := NewFilterParser(inner).Parse()
			if err != nil {
				return nil, fmt.Errorf("value filter: %s", err)
			}
			if sub == nil {
				return nil, fmt.Errorf("empty value filter")
			}
			seg.Filter = sub
			rest = remainder
		}
		segs = append(segs, seg)

		if rest == "" {
			return segs, nil
		}
		if rest[0] != '.' {
			return nil, fmt.Errorf("unexpected character %q", rest[0])
		}
		rest = rest[1:]
		if rest == "" {
			return nil, fmt.Errorf("trailing '.'")
		}
	}
}

// cutBracket returns the filter text inside a leading bracket and the
// input after the closing bracket. Quoted strings may contain ']'.
func cutBracket(s string) (inner, rest string, err error) {
	inQuote := false
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if inQuote {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inQuote = false
			}
			continue
		}
		switch ch {
		case '"':
			inQuote = true
		case ']':
			return s[1:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("unterminated '['")
}

// A MemberOp is a membership mutation lifted out of a group PATCH.
// Members live as edges, not in the payload, so the evaluator reports
// these for the caller to apply against the membership store.
type MemberOp struct {
	Op      string      // add, remove, or replace
	Members []MemberRef // explicit member list
	Filter  Expr        // sub-filter of a members[...] remove
	All     bool        // replace with an empty value: clear the group
}

// PatchResult is the outcome of evaluating a PATCH request: the new
// payload plus any membership operations, in request order.
type PatchResult struct {
	Payload   map[string]any
	MemberOps []MemberOp
}

// PatchEvaluator applies RFC 7644 Section 3.5.2 operations to a payload.
// It is a pure function of its inputs and performs no I/O.
type PatchEvaluator struct {
	Kind  Kind
	Flags Flags
}

// Apply evaluates the operations against a copy of payload. The input
// payload is never mutated.
func (pe PatchEvaluator) Apply(payload map[string]any, ops []PatchOperation) (PatchResult, error) {
	doc := copyMap(payload)
	if doc == nil {
		doc = map[string]any{}
	}
	result := PatchResult{Payload: doc}

	for i, op := range ops {
		verb := strings.ToLower(strings.TrimSpace(op.Op))
		switch verb {
		case "add", "replace", "remove":
		default:
			return PatchResult{}, ErrInvalidSyntax(fmt.Sprintf("operation %d: unknown op %q", i+1, op.Op))
		}

		path, err := ParsePatchPath(op.Path)
		if err != nil {
			return PatchResult{}, err
		}

		if path.IsZero() {
			if verb == "remove" {
				return PatchResult{}, ErrNoTarget("remove operation requires a path")
			}
			if err := pe.applyNoPath(&result, verb, op.Value); err != nil {
				return PatchResult{}, err
			}
			continue
		}

		if pe.Kind.HasMembers && isMembersPath(path) {
			mop, err := pe.memberOp(verb, path, op.Value)
			if err != nil {
				return PatchResult{}, err
			}
			result.MemberOps = append(result.MemberOps, mop)
			continue
		}

		if err := pe.applyPath(doc, verb, path, op.Value); err != nil {
			return PatchResult{}, err
		}
	}
	return result, nil
}

// applyNoPath merges an object value at the top level. URN keys address
// extension objects; for groups a members key becomes a membership op.
func (pe PatchEvaluator) applyNoPath(result *PatchResult, verb string, value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return ErrInvalidValue(fmt.Sprintf("%s operation without a path requires an object value", verb))
	}
	doc := result.Payload
	for key, v := range obj {
		if strings.EqualFold(key, "schemas") {
			continue
		}
		if pe.Kind.HasMembers && strings.EqualFold(key, "members") {
			mop, err := pe.memberList(verb, v)
			if err != nil {
				return err
			}
			result.MemberOps = append(result.MemberOps, mop)
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "urn:") {
			if err := mergeExtension(doc, verb, key, v); err != nil {
				return err
			}
			continue
		}
		setOrCollapse(doc, verb, key, v)
	}
	return nil
}

// mergeExtension merges a URN-keyed object value into its extension.
func mergeExtension(doc map[string]any, verb string, urn string, value any) error {
	sub, ok := value.(map[string]any)
	if !ok {
		return ErrInvalidValue(fmt.Sprintf("extension %s requires an object value", urn))
	}
	key := canonicalKey(doc, urn)
	ext, _ := doc[key].(map[string]any)
	if ext == nil {
		ext = map[string]any{}
	}
	for k, v := range sub {
		setOrCollapse(ext, verb, k, v)
	}
	if len(ext) == 0 {
		delete(doc, key)
		return nil
	}
	doc[key] = ext
	return nil
}

// setOrCollapse writes one key, honoring the empty-means-remove rule for
// replace operations.
func setOrCollapse(m map[string]any, verb string, name string, value any) {
	key := canonicalKey(m, name)
	if verb == "replace" && isEmptyPatchValue(value) {
		delete(m, key)
		return
	}
	if verb == "add" {
		if existing, ok := m[key].([]any); ok {
			m[key] = appendValues(existing, value)
			return
		}
	}
	m[key] = value
}

// applyPath applies one operation along a parsed path.
func (pe PatchEvaluator) applyPath(doc map[string]any, verb string, path PatchPath, value any) error {
	// Replacing with an empty form removes the target instead.
	if verb == "replace" && isEmptyPatchValue(value) {
		verb = "remove"
		value = nil
	}

	if path.URN == "" {
		return pe.applySegments(doc, verb, path.Segments, value)
	}

	key := canonicalKey(doc, path.URN)
	if len(path.Segments) == 0 {
		if verb == "remove" {
			delete(doc, key)
			return nil
		}
		return mergeExtension(doc, verb, key, value)
	}

	ext, _ := doc[key].(map[string]any)
	if ext == nil {
		if verb == "remove" {
			return nil
		}
		ext = map[string]any{}
		doc[key] = ext
	}
	if err := pe.applySegments(ext, verb, path.Segments, value); err != nil {
		return err
	}
	// An extension emptied by a remove disappears entirely.
	if len(ext) == 0 {
		delete(doc, key)
	}
	return nil
}

func (pe PatchEvaluator) applySegments(m map[string]any, verb string, segs []PatchSegment, value any) error {
	seg := segs[0]
	if len(segs) == 1 {
		return pe.applyLeaf(m, verb, seg, value)
	}

	key := canonicalKey(m, seg.Name)
	child := m[key]

	if seg.Filter != nil {
		view, _ := arrayView(child)
		matched := 0
		for _, elem := range view {
			em, ok := elem.(map[string]any)
			if !ok || !Evaluate(seg.Filter, em) {
				continue
			}
			matched++
			if err := pe.applySegments(em, verb, segs[1:], value); err != nil {
				return err
			}
		}
		if matched > 0 {
			return nil
		}
		switch verb {
		case "remove":
			return nil
		case "replace":
			return ErrNoTarget(fmt.Sprintf("no %s value matches the path filter", seg.Name))
		}
		// add creates the element the filter describes, then descends.
		elem := seedFromFilter(seg.Filter)
		if err := pe.applySegments(elem, verb, segs[1:], value); err != nil {
			return err
		}
		m[key] = append(view, elem)
		return nil
	}

	childMap, ok := child.(map[string]any)
	if !ok {
		if verb == "remove" {
			return nil
		}
		childMap = map[string]any{}
		m[key] = childMap
	}
	if err := pe.applySegments(childMap, verb, segs[1:], value); err != nil {
		return err
	}
	// Removing the last sub-attribute prunes the parent.
	if len(childMap) == 0 {
		delete(m, key)
	}
	return nil
}

func (pe PatchEvaluator) applyLeaf(m map[string]any, verb string, seg PatchSegment, value any) error {
	key := canonicalKey(m, seg.Name)

	if seg.Filter != nil {
		current := m[key]
		view, wrapped := arrayView(current)

		switch verb {
		case "remove":
			if view == nil {
				return nil
			}
			kept := make([]any, 0, len(view))
			for _, elem := range view {
				if em, ok := elem.(map[string]any); ok && Evaluate(seg.Filter, em) {
					continue
				}
				kept = append(kept, elem)
			}
			storeArray(m, key, kept, wrapped)
			return nil
		case "replace":
			matched := matchedMaps(view, seg.Filter)
			if len(matched) == 0 {
				return ErrNoTarget(fmt.Sprintf("no %s value matches the path filter", seg.Name))
			}
			for _, elem := range matched {
				replaceElement(elem, value)
			}
			return nil
		default: // add
			matched := matchedMaps(view, seg.Filter)
			if len(matched) > 0 {
				for _, elem := range matched {
					mergeElement(elem, value)
				}
				return nil
			}
			elem := seedFromFilter(seg.Filter)
			mergeElement(elem, value)
			m[key] = append(view, elem)
			return nil
		}
	}

	switch verb {
	case "remove":
		current, ok := m[key]
		if !ok {
			return nil
		}
		if arr, isArr := current.([]any); isArr && value != nil {
			kept := removeFromArray(arr, value)
			if len(kept) == 0 {
				delete(m, key)
			} else {
				m[key] = kept
			}
			return nil
		}
		delete(m, key)
		return nil
	case "add":
		if existing, ok := m[key].([]any); ok {
			m[key] = appendValues(existing, value)
			return nil
		}
		m[key] = value
		return nil
	default: // replace
		m[key] = value
		return nil
	}
}

// isMembersPath reports whether the path targets the top-level members
// attribute of a group.
func isMembersPath(path PatchPath) bool {
	if len(path.Segments) == 0 {
		return false
	}
	if path.URN != "" && !strings.EqualFold(path.URN, SchemaGroup) {
		return false
	}
	return strings.EqualFold(path.Segments[0].Name, "members")
}

// memberOp turns a members-path operation into a MemberOp, enforcing the
// per-endpoint multi-member flags.
func (pe PatchEvaluator) memberOp(verb string, path PatchPath, value any) (MemberOp, error) {
	if len(path.Segments) > 1 {
		return MemberOp{}, ErrInvalidValue("member sub-attributes cannot be modified")
	}
	seg := path.Segments[0]
	if seg.Filter != nil {
		// Filtered removes bypass the multi-member flags. No other verb
		// has defined semantics against edge-stored members.
		if verb != "remove" {
			return MemberOp{}, ErrInvalidValue("a filtered members path supports remove only")
		}
		return MemberOp{Op: "remove", Filter: seg.Filter}, nil
	}
	return pe.memberList(verb, value)
}

// memberList validates a members array value and applies the flag gates.
func (pe PatchEvaluator) memberList(verb string, value any) (MemberOp, error) {
	if verb == "replace" && isEmptyMembersValue(value) {
		if !pe.Flags.AllowRemoveAllMembers {
			return MemberOp{}, ErrInvalidValue(fmt.Sprintf("replacing members with an empty value requires %s", FlagAllowRemoveAllMembers))
		}
		return MemberOp{Op: "replace", All: true}, nil
	}

	arr, ok := value.([]any)
	if !ok {
		return MemberOp{}, ErrInvalidValue("members requires an array value")
	}

	refs, err := memberRefs(arr)
	if err != nil {
		return MemberOp{}, err
	}
	switch verb {
	case "add":
		if len(refs) > 1 && !pe.Flags.AddMultipleMembers {
			return MemberOp{}, ErrInvalidValue(fmt.Sprintf("adding %d members in one operation requires %s", len(refs), FlagAddMultipleMembers))
		}
	case "remove":
		if len(refs) > 1 && !pe.Flags.RemoveMultipleMembers {
			return MemberOp{}, ErrInvalidValue(fmt.Sprintf("removing %d members in one operation requires %s", len(refs), FlagRemoveMultipleMembers))
		}
	}
	return MemberOp{Op: verb, Members: refs}, nil
}

// memberRefs extracts member references from an array value, collapsing
// duplicates by id.
func memberRefs(arr []any) ([]MemberRef, error) {
	refs := make([]MemberRef, 0, len(arr))
	seen := make(map[string]bool, len(arr))
	for _, elem := range arr {
		obj, ok := elem.(map[string]any)
		if !ok {
			return nil, ErrInvalidValue("each member must be an object with a value")
		}
		id, _ := lookupKey(obj, "value").(string)
		if id == "" {
			return nil, ErrInvalidValue("each member must carry a non-empty value")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ref := MemberRef{Value: id}
		if display, ok := lookupKey(obj, "display").(string); ok {
			ref.Display = display
		}
		if typ, ok := lookupKey(obj, "type").(string); ok {
			ref.Type = typ
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func isEmptyMembersValue(value any) bool {
	if arr, ok := value.([]any); ok {
		return len(arr) == 0
	}
	return isEmptyPatchValue(value)
}

// isEmptyPatchValue recognizes the empty forms IdPs send to clear an
// attribute: null, "", {}, {"value":""}, {"value":null}.
func isEmptyPatchValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]any:
		if len(v) == 0 {
			return true
		}
		if !hasOnlyValueKey(v) {
			return false
		}
		inner := lookupKey(v, "value")
		if inner == nil {
			return true
		}
		s, ok := inner.(string)
		return ok && s == ""
	}
	return false
}

func hasOnlyValueKey(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		if !strings.EqualFold(k, "value") {
			return false
		}
	}
	return true
}

// seedFromFilter builds the element an add-with-filter creates when
// nothing matches, from the filter's equality constraints.
func seedFromFilter(expr Expr) map[string]any {
	elem := map[string]any{}
	collectEqConstraints(expr, elem)
	return elem
}

func collectEqConstraints(expr Expr, into map[string]any) {
	switch e := expr.(type) {
	case *LogicalExpr:
		if e.Op == "and" {
			collectEqConstraints(e.Left, into)
			collectEqConstraints(e.Right, into)
		}
	case *CompareExpr:
		if e.Op == "eq" && e.Path.URN == "" && len(e.Path.Names) == 1 {
			into[e.Path.Names[0]] = e.Value
		}
	}
}

// arrayView views a value as a slice of elements. A single object counts
// as a one-element list; wrapped reports that case so writes can restore
// the shape.
func arrayView(v any) (view []any, wrapped bool) {
	switch node := v.(type) {
	case []any:
		return node, false
	case map[string]any:
		return []any{node}, true
	}
	return nil, false
}

func matchedMaps(view []any, filter Expr) []map[string]any {
	var matched []map[string]any
	for _, elem := range view {
		if em, ok := elem.(map[string]any); ok && Evaluate(filter, em) {
			matched = append(matched, em)
		}
	}
	return matched
}

func storeArray(m map[string]any, key string, kept []any, wrapped bool) {
	switch {
	case len(kept) == 0:
		delete(m, key)
	case wrapped && len(kept) == 1:
		m[key] = kept[0]
	default:
		m[key] = kept
	}
}

// replaceElement overwrites a matched element in place so the enclosing
// array keeps its slot.
func replaceElement(elem map[string]any, value any) {
	obj, isObj := value.(map[string]any)
	for k := range elem {
		delete(elem, k)
	}
	if !isObj {
		elem["value"] = value
		return
	}
	for k, v := range obj {
		elem[k] = v
	}
}

// mergeElement merges an add value into a matched element.
func mergeElement(elem map[string]any, value any) {
	obj, ok := value.(map[string]any)
	if !ok {
		elem["value"] = value
		return
	}
	for k, v := range obj {
		elem[canonicalKey(elem, k)] = v
	}
}

// removeFromArray drops elements matching a remove value. Objects match
// when every key in the value matches; scalars match an equal element or
// an element whose value sub-attribute equals the scalar.
func removeFromArray(arr []any, value any) []any {
	kept := make([]any, 0, len(arr))
	for _, elem := range arr {
		if !removeMatches(elem, value) {
			kept = append(kept, elem)
		}
	}
	return kept
}

func removeMatches(elem, value any) bool {
	if obj, ok := value.(map[string]any); ok {
		em, ok := elem.(map[string]any)
		if !ok {
			return false
		}
		for k, want := range obj {
			if !valuesEqual(lookupKey(em, k), want, false) {
				return false
			}
		}
		return true
	}
	if em, ok := elem.(map[string]any); ok {
		return valuesEqual(lookupKey(em, "value"), value, false)
	}
	return valuesEqual(elem, value, false)
}

// canonicalKey returns the existing spelling of a key so writes never
// duplicate an attribute under a different casing.
func canonicalKey(m map[string]any, name string) string {
	if _, ok := m[name]; ok {
		return name
	}
	for k := range m {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

func appendValues(arr []any, value any) []any {
	if more, ok := value.([]any); ok {
		return append(arr, more...)
	}
	return append(arr, value)
}

// copyMap deep-copies a JSON-shaped document.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
