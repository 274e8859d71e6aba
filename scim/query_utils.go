package scim

// ProcessListQuery applies the full in-memory list pipeline to documents
// that have no store backing them: filter, sort, paginate, then project
// the attribute selection. Discovery lists and other synthesized
// collections go through here.
func ProcessListQuery(docs []map[string]any, params QueryParams) (*ListResponse[map[string]any], error) {
	expr, err := ParseFilter(params.Filter)
	if err != nil {
		return nil, err
	}

	filtered := FilterByExpr(docs, expr)
	totalResults := len(filtered)

	sorted := SortResources(filtered, params.SortBy, params.SortOrder)

	paged, startIndex, itemsPerPage := ApplyPagination(sorted, params.StartIndex, params.Count)

	resources := paged
	if len(params.Attributes) > 0 || len(params.ExcludedAttr) > 0 {
		selector := NewAttributeSelector(params.Attributes, params.ExcludedAttr)
		projected := make([]map[string]any, len(paged))
		for i, doc := range paged {
			projected[i] = selector.FilterResource(doc)
		}
		resources = projected
	}

	return &ListResponse[map[string]any]{
		Schemas:      []string{SchemaListResponse},
		TotalResults: totalResults,
		StartIndex:   startIndex,
		ItemsPerPage: itemsPerPage,
		Resources:    resources,
	}, nil
}
