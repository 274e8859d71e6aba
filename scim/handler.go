package scim

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// ContentType is the media type of every SCIM response body.
const ContentType = "application/scim+json; charset=utf-8"

// maxListCount bounds the page size a client can request. It is also
// advertised as filter.maxResults in ServiceProviderConfig.
const maxListCount = 200

// Handler owns SCIM response encoding and query parsing.
type Handler struct {
	baseURL string
}

// NewHandler creates a new SCIM handler. baseURL is the externally
// visible origin, without a trailing slash.
func NewHandler(baseURL string) *Handler {
	return &Handler{
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// WriteError writes a SCIM error response. Status travels as a string in
// the body per RFC 7644 Section 3.12.
func (h *Handler) WriteError(w http.ResponseWriter, status int, detail string, scimType string) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)

	err := Error{
		Schemas:  []string{SchemaError},
		Status:   strconv.Itoa(status),
		Detail:   detail,
		ScimType: scimType,
	}

	json.NewEncoder(w).Encode(err)
}

// WriteJSON writes a successful SCIM response.
func (h *Handler) WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// CheckContentType rejects write bodies that are neither scim+json nor
// plain json. A missing Content-Type is tolerated; Entra omits it on
// some DELETE-adjacent calls.
func (h *Handler) CheckContentType(r *http.Request) *SCIMError {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return NewSCIMError(http.StatusUnsupportedMediaType, fmt.Sprintf("unparseable Content-Type %q", ct), "")
	}
	switch mediaType {
	case "application/scim+json", "application/json":
		return nil
	}
	return NewSCIMError(http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported Content-Type %q", mediaType), "")
}

// ParseQueryParams extracts SCIM query parameters from the request.
// attributes and excludedAttributes are mutually exclusive per RFC 7644
// Section 3.9.
func (h *Handler) ParseQueryParams(r *http.Request) (QueryParams, error) {
	params := QueryParams{
		StartIndex: 1,
		Count:      100,
		SortOrder:  "ascending",
	}

	if filter := r.URL.Query().Get("filter"); filter != "" {
		params.Filter = filter
	}

	hasAttributes := false
	if attrs := r.URL.Query().Get("attributes"); attrs != "" {
		params.Attributes = splitAttrList(attrs)
		hasAttributes = true
	}

	hasExcluded := false
	if excludedAttr := r.URL.Query().Get("excludedAttributes"); excludedAttr != "" {
		params.ExcludedAttr = splitAttrList(excludedAttr)
		hasExcluded = true
	}

	if hasAttributes && hasExcluded {
		return params, ErrInvalidValue("attributes and excludedAttributes are mutually exclusive")
	}

	if startIndex := r.URL.Query().Get("startIndex"); startIndex != "" {
		if idx, err := strconv.Atoi(startIndex); err == nil && idx > 0 {
			params.StartIndex = idx
		}
	}

	if count := r.URL.Query().Get("count"); count != "" {
		if c, err := strconv.Atoi(count); err == nil {
			// Negative counts read as zero per RFC 7644 Section 3.4.2.4.
			if c < 0 {
				c = 0
			}
			if c > maxListCount {
				c = maxListCount
			}
			params.Count = c
		}
	}

	if sortBy := r.URL.Query().Get("sortBy"); sortBy != "" {
		params.SortBy = sortBy
	}

	if sortOrder := r.URL.Query().Get("sortOrder"); sortOrder != "" {
		params.SortOrder = strings.ToLower(sortOrder)
	}

	return params, nil
}

func splitAttrList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetResourceLocation returns the absolute URL of a resource under its
// endpoint's SCIM base.
func (h *Handler) GetResourceLocation(endpointID, pathSegment, id string) string {
	return fmt.Sprintf("%s/endpoints/%s/%s/%s", h.baseURL, endpointID, pathSegment, id)
}

// EndpointBase returns the SCIM base URL of an endpoint.
func (h *Handler) EndpointBase(endpointID string) string {
	return fmt.Sprintf("%s/endpoints/%s", h.baseURL, endpointID)
}
