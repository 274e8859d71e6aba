package scim

import (
	"encoding/json"
	"net/http"

	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
)

// ServiceProviderConfig is the RFC 7643 Section 5 capability document.
type ServiceProviderConfig struct {
	Schemas               []string               `json:"schemas"`
	DocumentationURI      string                 `json:"documentationUri,omitempty"`
	Patch                 SupportedFeature       `json:"patch"`
	Bulk                  BulkFeature            `json:"bulk"`
	Filter                FilterFeature          `json:"filter"`
	ChangePassword        SupportedFeature       `json:"changePassword"`
	Sort                  SupportedFeature       `json:"sort"`
	Etag                  SupportedFeature       `json:"etag"`
	AuthenticationSchemes []AuthenticationScheme `json:"authenticationSchemes"`
}

// SupportedFeature indicates if a feature is supported.
type SupportedFeature struct {
	Supported bool `json:"supported"`
}

// BulkFeature describes bulk operation capabilities.
type BulkFeature struct {
	Supported      bool `json:"supported"`
	MaxOperations  int  `json:"maxOperations"`
	MaxPayloadSize int  `json:"maxPayloadSize"`
}

// FilterFeature describes filter capabilities.
type FilterFeature struct {
	Supported  bool `json:"supported"`
	MaxResults int  `json:"maxResults"`
}

// AuthenticationScheme describes an authentication scheme.
type AuthenticationScheme struct {
	Type             string `json:"type"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	SpecURI          string `json:"specUri,omitempty"`
	DocumentationURI string `json:"documentationUri,omitempty"`
	Primary          bool   `json:"primary,omitempty"`
}

// SchemaDefinition represents a SCIM schema definition.
type SchemaDefinition struct {
	ID          string                `json:"id"`
	Name        string                `json:"name,omitempty"`
	Description string                `json:"description,omitempty"`
	Attributes  []AttributeDefinition `json:"attributes,omitempty"`
}

// AttributeDefinition describes a SCIM attribute.
type AttributeDefinition struct {
	Name            string                `json:"name"`
	Type            string                `json:"type"`
	SubAttributes   []AttributeDefinition `json:"subAttributes,omitempty"`
	MultiValued     bool                  `json:"multiValued"`
	Description     string                `json:"description,omitempty"`
	Required        bool                  `json:"required"`
	CaseExact       bool                  `json:"caseExact"`
	Mutability      string                `json:"mutability"`
	Returned        string                `json:"returned"`
	Uniqueness      string                `json:"uniqueness"`
	ReferenceTypes  []string              `json:"referenceTypes,omitempty"`
	CanonicalValues []string              `json:"canonicalValues,omitempty"`
}

// ResourceTypeDefinition represents a resource type.
type ResourceTypeDefinition struct {
	Schemas          []string             `json:"schemas"`
	ID               string               `json:"id"`
	Name             string               `json:"name,omitempty"`
	Endpoint         string               `json:"endpoint"`
	Description      string               `json:"description,omitempty"`
	Schema           string               `json:"schema"`
	SchemaExtensions []SchemaExtensionRef `json:"schemaExtensions,omitempty"`
}

// SchemaExtensionRef references a schema extension.
type SchemaExtensionRef struct {
	Schema   string `json:"schema"`
	Required bool   `json:"required"`
}

// BuildServiceProviderConfig assembles the per-endpoint capability
// document. Capabilities are fixed by the implementation, not the
// endpoint flags: PATCH shapes gated by flags still answer
// patch.supported = true.
func BuildServiceProviderConfig() *ServiceProviderConfig {
	return &ServiceProviderConfig{
		Schemas: []string{SchemaSPConfig},
		Patch:   SupportedFeature{Supported: true},
		Bulk:    BulkFeature{Supported: false},
		Filter: FilterFeature{
			Supported:  true,
			MaxResults: maxListCount,
		},
		ChangePassword: SupportedFeature{Supported: false},
		Sort:           SupportedFeature{Supported: true},
		Etag:           SupportedFeature{Supported: true},
		AuthenticationSchemes: []AuthenticationScheme{
			{
				Type:        "oauthbearertoken",
				Name:        "OAuth Bearer Token",
				Description: "Authentication scheme using the OAuth Bearer Token Standard",
				SpecURI:     "http://www.rfc-editor.org/info/rfc6750",
				Primary:     true,
			},
		},
	}
}

// DefaultSchemas returns the discovery schema rows seeded for every new
// endpoint: core User and Group plus the enterprise User extension.
func DefaultSchemas() []store.SchemaRow {
	defs := []SchemaDefinition{userSchema(), groupSchema(), enterpriseUserSchema()}
	rows := make([]store.SchemaRow, 0, len(defs))
	for _, def := range defs {
		rows = append(rows, store.SchemaRow{URN: def.ID, Document: toDocument(def)})
	}
	return rows
}

// DefaultResourceTypes returns the resource type rows seeded for every
// new endpoint.
func DefaultResourceTypes() []store.ResourceTypeRow {
	defs := []ResourceTypeDefinition{
		{
			Schemas:     []string{SchemaResourceType},
			ID:          "User",
			Name:        "User",
			Endpoint:    "/Users",
			Description: "User Account",
			Schema:      SchemaUser,
			SchemaExtensions: []SchemaExtensionRef{
				{Schema: SchemaEnterpriseUser, Required: false},
			},
		},
		{
			Schemas:     []string{SchemaResourceType},
			ID:          "Group",
			Name:        "Group",
			Endpoint:    "/Groups",
			Description: "Group",
			Schema:      SchemaGroup,
		},
	}
	rows := make([]store.ResourceTypeRow, 0, len(defs))
	for _, def := range defs {
		rows = append(rows, store.ResourceTypeRow{TypeID: def.ID, Document: toDocument(def)})
	}
	return rows
}

// toDocument converts a typed discovery definition into the map form the
// store persists. The definitions are static, so marshaling cannot fail.
func toDocument(v any) map[string]any {
	raw, _ := json.Marshal(v)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	return doc
}

func userSchema() SchemaDefinition {
	return SchemaDefinition{
		ID:          SchemaUser,
		Name:        "User",
		Description: "User Account",
		Attributes: []AttributeDefinition{
			{
				Name:        "userName",
				Type:        "string",
				MultiValued: false,
				Required:    true,
				CaseExact:   false,
				Mutability:  "readWrite",
				Returned:    "default",
				Uniqueness:  "server",
			},
			{
				Name:        "name",
				Type:        "complex",
				MultiValued: false,
				Required:    false,
				Mutability:  "readWrite",
				Returned:    "default",
				SubAttributes: []AttributeDefinition{
					{Name: "formatted", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "familyName", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "givenName", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "middleName", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "honorificPrefix", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "honorificSuffix", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
				},
			},
			{
				Name:        "displayName",
				Type:        "string",
				MultiValued: false,
				Required:    false,
				Mutability:  "readWrite",
				Returned:    "default",
			},
			{
				Name:        "emails",
				Type:        "complex",
				MultiValued: true,
				Required:    false,
				Mutability:  "readWrite",
				Returned:    "default",
				SubAttributes: []AttributeDefinition{
					{Name: "value", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "display", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "type", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default", CanonicalValues: []string{"work", "home", "other"}},
					{Name: "primary", Type: "boolean", MultiValued: false, Mutability: "readWrite", Returned: "default"},
				},
			},
			{
				Name:        "active",
				Type:        "boolean",
				MultiValued: false,
				Required:    false,
				Mutability:  "readWrite",
				Returned:    "default",
			},
			{
				Name:        "externalId",
				Type:        "string",
				MultiValued: false,
				Required:    false,
				CaseExact:   true,
				Mutability:  "readWrite",
				Returned:    "default",
				Uniqueness:  "server",
			},
		},
	}
}

func groupSchema() SchemaDefinition {
	return SchemaDefinition{
		ID:          SchemaGroup,
		Name:        "Group",
		Description: "Group",
		Attributes: []AttributeDefinition{
			{
				Name:        "displayName",
				Type:        "string",
				MultiValued: false,
				Required:    true,
				CaseExact:   false,
				Mutability:  "readWrite",
				Returned:    "default",
				Uniqueness:  "server",
			},
			{
				Name:        "members",
				Type:        "complex",
				MultiValued: true,
				Required:    false,
				Mutability:  "readWrite",
				Returned:    "default",
				SubAttributes: []AttributeDefinition{
					{Name: "value", Type: "string", MultiValued: false, Mutability: "immutable", Returned: "default"},
					{Name: "$ref", Type: "reference", MultiValued: false, Mutability: "immutable", Returned: "default", ReferenceTypes: []string{"User", "Group"}},
					{Name: "type", Type: "string", MultiValued: false, Mutability: "immutable", Returned: "default", CanonicalValues: []string{"User", "Group"}},
					{Name: "display", Type: "string", MultiValued: false, Mutability: "immutable", Returned: "default"},
				},
			},
		},
	}
}

func enterpriseUserSchema() SchemaDefinition {
	return SchemaDefinition{
		ID:          SchemaEnterpriseUser,
		Name:        "EnterpriseUser",
		Description: "Enterprise User",
		Attributes: []AttributeDefinition{
			{Name: "employeeNumber", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
			{Name: "costCenter", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
			{Name: "organization", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
			{Name: "division", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
			{Name: "department", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
			{
				Name:        "manager",
				Type:        "complex",
				MultiValued: false,
				Mutability:  "readWrite",
				Returned:    "default",
				SubAttributes: []AttributeDefinition{
					{Name: "value", Type: "string", MultiValued: false, Mutability: "readWrite", Returned: "default"},
					{Name: "$ref", Type: "reference", MultiValued: false, Mutability: "readWrite", Returned: "default", ReferenceTypes: []string{"User"}},
					{Name: "displayName", Type: "string", MultiValued: false, Mutability: "readOnly", Returned: "default"},
				},
			},
		},
	}
}

// handleServiceProviderConfig answers GET /ServiceProviderConfig.
func (s *Server) handleServiceProviderConfig(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug(r.Context(), logging.CategoryDiscovery, "service provider config served", nil)
	s.handler.WriteJSON(w, http.StatusOK, BuildServiceProviderConfig())
}

// handleSchemas answers GET /Schemas from the endpoint's seeded rows.
func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	ep := EndpointFromContext(r.Context())
	rows, err := s.store.ListSchemas(r.Context(), ep.ID)
	if err != nil {
		s.writeError(w, r, UserKind, "", err)
		return
	}
	docs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.Document)
	}
	s.writeDiscoveryList(w, r, docs)
}

// handleResourceTypes answers GET /ResourceTypes from the endpoint's
// seeded rows.
func (s *Server) handleResourceTypes(w http.ResponseWriter, r *http.Request) {
	ep := EndpointFromContext(r.Context())
	rows, err := s.store.ListResourceTypes(r.Context(), ep.ID)
	if err != nil {
		s.writeError(w, r, UserKind, "", err)
		return
	}
	docs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.Document)
	}
	s.writeDiscoveryList(w, r, docs)
}

func (s *Server) writeDiscoveryList(w http.ResponseWriter, r *http.Request, docs []map[string]any) {
	params, err := s.handler.ParseQueryParams(r)
	if err != nil {
		s.writeError(w, r, UserKind, "", err)
		return
	}
	resp, err := ProcessListQuery(docs, params)
	if err != nil {
		s.writeError(w, r, UserKind, "", err)
		return
	}
	s.handler.WriteJSON(w, http.StatusOK, resp)
}
