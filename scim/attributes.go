package scim

import (
	"sort"
	"strings"
	"time"
)

// AttributeSelector handles attribute selection and exclusion
type AttributeSelector struct {
	attributes            map[string]bool
	excluded              map[string]bool
	subAttributes         map[string][]string // parent -> list of sub-attributes to include
	excludedSubAttributes map[string][]string // parent -> list of sub-attributes to exclude
	includeAll            bool
	excludeAny            bool
}

// NewAttributeSelector creates a new attribute selector
func NewAttributeSelector(attributes, excluded []string) *AttributeSelector {
	as := &AttributeSelector{
		attributes:            make(map[string]bool),
		excluded:              make(map[string]bool),
		subAttributes:         make(map[string][]string),
		excludedSubAttributes: make(map[string][]string),
		includeAll:            len(attributes) == 0,
		excludeAny:            len(excluded) > 0,
	}

	for _, attr := range attributes {
		parent, sub := splitAttrKey(attr)
		if sub == "" {
			as.attributes[parent] = true
		} else {
			as.subAttributes[parent] = append(as.subAttributes[parent], sub)
		}
	}

	for _, attr := range excluded {
		parent, sub := splitAttrKey(attr)
		if sub == "" {
			as.excluded[parent] = true
		} else {
			as.excludedSubAttributes[parent] = append(as.excludedSubAttributes[parent], sub)
		}
	}

	return as
}

// splitAttrKey lowers an attribute reference and splits it into the
// top-level document key and the remaining sub-attribute path. For
// URN-prefixed references the extension URN is the top-level key.
func splitAttrKey(attr string) (parent, sub string) {
	lower := strings.ToLower(strings.TrimSpace(attr))
	if strings.HasPrefix(lower, "urn:") {
		if isSchemaURN(lower) {
			return lower, ""
		}
		if i := strings.LastIndex(lower, ":"); i > 0 {
			return lower[:i], lower[i+1:]
		}
	}
	if strings.Contains(lower, ".") {
		parts := strings.SplitN(lower, ".", 2)
		return parts[0], parts[1]
	}
	return lower, ""
}

// FilterResource filters a resource document based on attribute selection
func (as *AttributeSelector) FilterResource(doc map[string]any) map[string]any {
	// If no filtering needed, return as-is
	if as.includeAll && !as.excludeAny {
		return doc
	}

	// Always include these core attributes
	coreAttributes := map[string]bool{
		"id":      true,
		"schemas": true,
		"meta":    true,
	}

	filtered := make(map[string]any)

	for key, value := range doc {
		lowerKey := strings.ToLower(key)

		if coreAttributes[lowerKey] {
			filtered[key] = value
			continue
		}

		if as.excluded[lowerKey] {
			continue
		}

		if !as.includeAll {
			// Check if this attribute or its sub-attributes are requested
			if as.attributes[lowerKey] {
				filtered[key] = value
			} else if subs, hasSubAttrs := as.subAttributes[lowerKey]; hasSubAttrs {
				filteredValue := as.filterSubAttributes(value, subs)
				if filteredValue != nil {
					filtered[key] = filteredValue
				}
			}
		} else {
			// Include all except excluded
			if excludedSubs, hasExcludedSubs := as.excludedSubAttributes[lowerKey]; hasExcludedSubs {
				filteredValue := as.excludeSubAttributes(value, excludedSubs)
				if filteredValue != nil {
					filtered[key] = filteredValue
				}
			} else {
				filtered[key] = value
			}
		}
	}

	return filtered
}

// filterSubAttributes filters a complex or multi-valued attribute to only include requested sub-attributes
// Supports arbitrary nesting levels (e.g., ["type"], ["street.postalCode"], etc.)
func (as *AttributeSelector) filterSubAttributes(value any, requestedSubs []string) any {
	if value == nil {
		return nil
	}

	// Group sub-attributes by their immediate child
	// e.g., ["type", "street.postalCode"] -> {"type": [], "street": ["postalCode"]}
	immediateChildren := make(map[string][]string)
	for _, sub := range requestedSubs {
		if strings.Contains(sub, ".") {
			parts := strings.SplitN(sub, ".", 2)
			immediateChildren[strings.ToLower(parts[0])] = append(immediateChildren[strings.ToLower(parts[0])], parts[1])
		} else {
			immediateChildren[strings.ToLower(sub)] = []string{}
		}
	}

	// Handle multi-valued attributes (arrays)
	if arr, ok := value.([]any); ok {
		filtered := make([]any, 0, len(arr))
		for _, item := range arr {
			if itemMap, ok := item.(map[string]any); ok {
				filteredItem := as.filterMapBySubAttributes(itemMap, immediateChildren)
				if len(filteredItem) > 0 {
					filtered = append(filtered, filteredItem)
				}
			}
		}
		if len(filtered) > 0 {
			return filtered
		}
		return nil
	}

	// Handle single complex attributes (objects)
	if objMap, ok := value.(map[string]any); ok {
		filteredObj := as.filterMapBySubAttributes(objMap, immediateChildren)
		if len(filteredObj) > 0 {
			return filteredObj
		}
		return nil
	}

	// If it's neither an array nor an object, return as-is
	return value
}

// filterMapBySubAttributes filters a map based on requested sub-attributes
func (as *AttributeSelector) filterMapBySubAttributes(objMap map[string]any, requestedChildren map[string][]string) map[string]any {
	filteredObj := make(map[string]any)

	for k, v := range objMap {
		lowerK := strings.ToLower(k)
		if children, exists := requestedChildren[lowerK]; exists {
			if len(children) == 0 {
				// Direct match - include the whole attribute
				filteredObj[k] = v
			} else {
				// Nested attribute - recursively filter
				filtered := as.filterSubAttributes(v, children)
				if filtered != nil {
					filteredObj[k] = filtered
				}
			}
		}
	}

	return filteredObj
}

// excludeSubAttributes excludes specific sub-attributes from a complex or multi-valued attribute
// Supports arbitrary nesting levels (e.g., ["familyName"], ["street.postalCode"], etc.)
func (as *AttributeSelector) excludeSubAttributes(value any, excludedSubs []string) any {
	if value == nil {
		return nil
	}

	immediateExclusions := make(map[string][]string)
	for _, sub := range excludedSubs {
		if strings.Contains(sub, ".") {
			parts := strings.SplitN(sub, ".", 2)
			immediateExclusions[strings.ToLower(parts[0])] = append(immediateExclusions[strings.ToLower(parts[0])], parts[1])
		} else {
			immediateExclusions[strings.ToLower(sub)] = []string{}
		}
	}

	// Handle multi-valued attributes (arrays)
	if arr, ok := value.([]any); ok {
		filtered := make([]any, 0, len(arr))
		for _, item := range arr {
			if itemMap, ok := item.(map[string]any); ok {
				filteredItem := as.excludeFromMap(itemMap, immediateExclusions)
				if len(filteredItem) > 0 {
					filtered = append(filtered, filteredItem)
				}
			} else {
				// If item is not a map, include as-is
				filtered = append(filtered, item)
			}
		}
		return filtered
	}

	// Handle single complex attributes (objects)
	if objMap, ok := value.(map[string]any); ok {
		return as.excludeFromMap(objMap, immediateExclusions)
	}

	// If it's neither an array nor an object, return as-is
	return value
}

// excludeFromMap excludes specific keys from a map based on exclusion rules
func (as *AttributeSelector) excludeFromMap(objMap map[string]any, exclusions map[string][]string) map[string]any {
	filteredObj := make(map[string]any)

	for k, v := range objMap {
		lowerK := strings.ToLower(k)
		if children, shouldExclude := exclusions[lowerK]; shouldExclude {
			if len(children) == 0 {
				// Direct exclusion - skip this attribute entirely
				continue
			}
			// Nested exclusion - recursively exclude sub-attributes
			filtered := as.excludeSubAttributes(v, children)
			if filtered != nil {
				filteredObj[k] = filtered
			}
		} else {
			filteredObj[k] = v
		}
	}

	return filteredObj
}

// SortResources sorts resource documents based on sortBy and sortOrder.
// Attribute values are extracted once per document up front. Documents
// without the sort attribute go last regardless of direction, matching
// the SQL backends' NULLS LAST ordering.
func SortResources(docs []map[string]any, sortBy, sortOrder string) []map[string]any {
	if sortBy == "" || len(docs) == 0 {
		return docs
	}
	path, err := ParseAttrPath(sortBy)
	if err != nil {
		return docs
	}

	sorted := make([]map[string]any, len(docs))
	copy(sorted, docs)

	ascending := strings.ToLower(sortOrder) != "descending"
	fold := foldsCase(path)

	type docValue struct {
		doc   map[string]any
		value any
	}
	pairs := make([]docValue, len(sorted))
	for i := range sorted {
		pairs[i] = docValue{
			doc:   sorted[i],
			value: sortValue(sorted[i], path, fold),
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i].value, pairs[j].value
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		cmp := compareForSort(a, b)
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})

	for i := range pairs {
		sorted[i] = pairs[i].doc
	}

	return sorted
}

// sortValue extracts a document's sort key. Multi-valued attributes sort
// by their first element.
func sortValue(doc map[string]any, path AttrPath, fold bool) any {
	v := lookupPath(doc, path)
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		v = arr[0]
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return nil
		}
		if fold {
			return strings.ToLower(s)
		}
	}
	return v
}

// compareForSort compares two values for sorting.
//
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func compareForSort(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	aStr, aIsStr := a.(string)
	bStr, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(aStr, bStr)
	}

	aNum, aIsNum := asNumber(a)
	bNum, bIsNum := asNumber(b)
	if aIsNum && bIsNum {
		if aNum < bNum {
			return -1
		}
		if aNum > bNum {
			return 1
		}
		return 0
	}

	aBool, aIsBool := a.(bool)
	bBool, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		if !aBool && bBool {
			return -1
		}
		if aBool && !bBool {
			return 1
		}
		return 0
	}

	aTime := toTime(a)
	bTime := toTime(b)
	if aTime != nil && bTime != nil {
		if aTime.Before(*bTime) {
			return -1
		}
		if aTime.After(*bTime) {
			return 1
		}
		return 0
	}

	return 0
}

// toTime converts a value to *time.Time if possible.
func toTime(v any) *time.Time {
	switch val := v.(type) {
	case time.Time:
		return &val
	case *time.Time:
		return val
	default:
		return nil
	}
}

// ApplyPagination applies pagination to resources
func ApplyPagination[T any](resources []T, startIndex, count int) ([]T, int, int) {
	total := len(resources)

	// Adjust startIndex (SCIM uses 1-based indexing)
	if startIndex < 1 {
		startIndex = 1
	}

	// Calculate array indices (0-based)
	start := startIndex - 1
	if start >= total {
		return []T{}, startIndex, 0
	}

	end := min(start+count, total)

	paged := resources[start:end]
	return paged, startIndex, len(paged)
}

// FilterByExpr applies a residual filter expression in memory.
func FilterByExpr(docs []map[string]any, expr Expr) []map[string]any {
	if expr == nil {
		return docs
	}
	filtered := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		if Evaluate(expr, doc) {
			filtered = append(filtered, doc)
		}
	}
	return filtered
}
