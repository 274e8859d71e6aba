package scim

import (
	"encoding/json"
	"net/http"
	"slices"
)

// SearchRequest is the RFC 7644 Section 3.4.3 search-by-POST body.
type SearchRequest struct {
	Schemas            []string `json:"schemas"`
	Attributes         []string `json:"attributes,omitempty"`
	ExcludedAttributes []string `json:"excludedAttributes,omitempty"`
	Filter             string   `json:"filter,omitempty"`
	SortBy             string   `json:"sortBy,omitempty"`
	SortOrder          string   `json:"sortOrder,omitempty"`
	StartIndex         int      `json:"startIndex,omitempty"`
	Count              int      `json:"count,omitempty"`
}

// parseSearchRequest reads a .search body into the same shape the GET
// list path uses, so both are answered identically.
func (s *Server) parseSearchRequest(r *http.Request) (listParams, error) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return listParams{}, ErrInvalidSyntax("request body is not valid JSON")
	}
	if !slices.Contains(req.Schemas, SchemaSearchRequest) {
		return listParams{}, ErrInvalidValue("search request requires the SearchRequest schema")
	}
	if len(req.Attributes) > 0 && len(req.ExcludedAttributes) > 0 {
		return listParams{}, ErrInvalidValue("attributes and excludedAttributes are mutually exclusive")
	}

	lp := listParams{QueryParams: QueryParams{
		Filter:       req.Filter,
		Attributes:   req.Attributes,
		ExcludedAttr: req.ExcludedAttributes,
		StartIndex:   req.StartIndex,
		Count:        req.Count,
		SortBy:       req.SortBy,
		SortOrder:    req.SortOrder,
	}}
	if lp.StartIndex < 1 {
		lp.StartIndex = 1
	}
	if lp.Count < 0 {
		lp.Count = 0
	} else if lp.Count == 0 {
		lp.Count = 100
	} else if lp.Count > maxListCount {
		lp.Count = maxListCount
	}
	if lp.SortOrder == "" {
		lp.SortOrder = "ascending"
	}

	if req.Filter != "" {
		expr, err := ParseFilter(req.Filter)
		if err != nil {
			return listParams{}, err
		}
		lp.expr = expr
	}
	return lp, nil
}
