// Package store defines the persistence contracts shared by every backend:
// endpoints (tenants), the unified resource table, membership edges,
// credentials, discovery rows, and request logs. Implementations live in
// store/memstore and store/sqlstore and must satisfy the same behavior.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resource discriminator values.
const (
	TypeUser  = "User"
	TypeGroup = "Group"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// UniquenessError reports a violated tenant-scoped unique constraint.
// The Error text is the exact detail sent to SCIM clients on 409.
type UniquenessError struct {
	Attribute string
	Value     string
}

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("A resource with %s '%s' already exists.", e.Attribute, e.Value)
}

// Endpoint is the tenant: an isolated SCIM namespace with its own
// configuration and credentials.
type Endpoint struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName,omitempty"`
	Description string         `json:"description,omitempty"`
	Active      bool           `json:"active"`
	Config      map[string]any `json:"config,omitempty"`
	Created     time.Time      `json:"created"`
	Modified    time.Time      `json:"modified"`
}

// Resource is the unified record backing SCIM Users and Groups.
// UserName, DisplayName and ExternalID use the empty string for null;
// the projected fields always agree with the same-named payload keys.
type Resource struct {
	ID          int64
	EndpointID  string
	Type        string
	SCIMID      string
	ExternalID  string
	UserName    string
	DisplayName string
	Active      *bool
	Payload     map[string]any
	Version     int64
	Created     time.Time
	Modified    time.Time
}

// Member is one membership edge within an endpoint. Edges are keyed by
// (GroupID, MemberID); duplicates collapse on write.
type Member struct {
	GroupID  string
	MemberID string
	Display  string
	Type     string
}

// Credential authenticates SCIM traffic for one endpoint. Only the bcrypt
// hash of the token is stored.
type Credential struct {
	ID         string     `json:"id"`
	EndpointID string     `json:"endpointId"`
	Type       string     `json:"credentialType"`
	Name       string     `json:"name,omitempty"`
	SecretHash string     `json:"-"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Created    time.Time  `json:"created"`
}

// SchemaRow is one per-endpoint discovery schema document.
type SchemaRow struct {
	EndpointID string
	URN        string
	Document   map[string]any
}

// ResourceTypeRow is one per-endpoint discovery resource type document.
type ResourceTypeRow struct {
	EndpointID string
	TypeID     string
	Document   map[string]any
}

// RequestLog is one audit record per HTTP request. Bodies arrive already
// truncated and redacted by the request plane.
type RequestLog struct {
	ID           int64
	EndpointID   string
	RequestID    string
	Method       string
	URL          string
	Status       int
	DurationMs   int64
	Identifier   string
	RequestBody  string
	ResponseBody string
	Created      time.Time
}

// EndpointStats summarizes what an endpoint currently owns.
type EndpointStats struct {
	Users       int `json:"users"`
	Groups      int `json:"groups"`
	Memberships int `json:"memberships"`
	RequestLogs int `json:"requestLogs"`
	Credentials int `json:"credentials"`
}

// CreateEndpointInput carries the admin-supplied fields for a new endpoint.
type CreateEndpointInput struct {
	Name        string
	DisplayName string
	Description string
	Active      *bool
	Config      map[string]any
}

// UpdateEndpointInput is a partial endpoint update. Nil fields are left
// unchanged; a non-nil Config replaces the stored map wholesale.
type UpdateEndpointInput struct {
	DisplayName *string
	Description *string
	Active      *bool
	Config      map[string]any
}

// CreateResourceInput carries the write-side fields for a new resource.
type CreateResourceInput struct {
	EndpointID  string
	Type        string
	SCIMID      string
	ExternalID  string
	UserName    string
	DisplayName string
	Active      *bool
	Payload     map[string]any
}

// UpdateResourceInput replaces projected fields and payload in one step.
// ExpectVersion guards the compare-and-swap: the write succeeds only when
// the stored version still equals it, and the new version is ExpectVersion+1.
type UpdateResourceInput struct {
	ExternalID    string
	UserName      string
	DisplayName   string
	Active        *bool
	Payload       map[string]any
	ExpectVersion int64
}

// CreateCredentialInput carries the fields for a new credential. SecretHash
// must already be the bcrypt hash of the plaintext token.
type CreateCredentialInput struct {
	EndpointID string
	Type       string
	Name       string
	SecretHash string
	ExpiresAt  *time.Time
}

// UniqueCheck lists the values AssertUnique verifies. Empty fields are
// skipped; ExcludeSCIMID ignores the resource currently being updated.
// DisplayName collisions are checked against Groups only.
type UniqueCheck struct {
	EndpointID    string
	Type          string
	UserName      string
	DisplayName   string
	ExternalID    string
	ExcludeSCIMID string
}

// Query selects resources of one type within one endpoint. A nil Where
// scans everything of that type. SortBy names a projected field; the empty
// string keeps insertion order. Offset/Limit window the filtered set;
// Limit 0 means no limit.
type Query struct {
	EndpointID string
	Type       string
	Where      *Predicate
	SortBy     string
	SortDesc   bool
	Offset     int
	Limit      int
}

// Page is a query result: the requested window plus the number of matches
// before pagination.
type Page struct {
	Items []*Resource
	Total int
}

// Capabilities describes optional query features a store supports.
type Capabilities struct {
	// StructuredPayload reports whether Where predicates may address
	// payload attributes, not just projected fields.
	StructuredPayload bool
}

// EndpointStore manages tenants. DeleteEndpoint cascades: resources,
// memberships, credentials, request logs, and discovery rows tagged with
// the endpoint id are removed in the same logical action.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, in CreateEndpointInput) (*Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	GetEndpointByName(ctx context.Context, name string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, active *bool) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, id string, in UpdateEndpointInput) (*Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
	GetEndpointStats(ctx context.Context, id string) (*EndpointStats, error)
}

// ResourceStore is the persistence contract for SCIM resources.
// Lookups by userName are case-insensitive. DeleteResource also removes
// every membership edge the resource participates in, as group or member.
type ResourceStore interface {
	CreateResource(ctx context.Context, in CreateResourceInput) (*Resource, error)
	GetResource(ctx context.Context, endpointID, scimID string) (*Resource, error)
	GetResourceByUserName(ctx context.Context, endpointID, userName string) (*Resource, error)
	GetResourceByExternalID(ctx context.Context, endpointID, externalID string) (*Resource, error)
	SearchResources(ctx context.Context, q Query) (*Page, error)
	UpdateResource(ctx context.Context, endpointID, scimID string, in UpdateResourceInput) (*Resource, error)
	DeleteResource(ctx context.Context, endpointID, scimID string) error
	AssertUnique(ctx context.Context, chk UniqueCheck) error
	Capabilities() Capabilities
}

// MembershipStore manages the membership edge set of one endpoint.
type MembershipStore interface {
	AddMembers(ctx context.Context, endpointID, groupID string, members []Member) error
	RemoveMembers(ctx context.Context, endpointID, groupID string, memberIDs []string) error
	ReplaceMembers(ctx context.Context, endpointID, groupID string, members []Member) error
	ListMembers(ctx context.Context, endpointID, groupID string) ([]Member, error)
}

// CredentialStore manages per-endpoint bearer credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, in CreateCredentialInput) (*Credential, error)
	ListCredentials(ctx context.Context, endpointID string) ([]*Credential, error)
	DeleteCredential(ctx context.Context, endpointID, id string) error
	// ActiveCredentials returns the active, unexpired credentials the
	// authentication guard may match a presented token against.
	ActiveCredentials(ctx context.Context, endpointID string) ([]*Credential, error)
}

// DiscoveryStore holds the per-endpoint schema and resource type documents
// seeded at endpoint creation.
type DiscoveryStore interface {
	SeedDiscovery(ctx context.Context, endpointID string, schemas []SchemaRow, types []ResourceTypeRow) error
	ListSchemas(ctx context.Context, endpointID string) ([]SchemaRow, error)
	ListResourceTypes(ctx context.Context, endpointID string) ([]ResourceTypeRow, error)
}

// RequestLogStore persists batched request audit records.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, recs []RequestLog) error
	CountRequestLogs(ctx context.Context, endpointID string) (int, error)
}

// Store bundles every repository port. Both implementations satisfy it.
type Store interface {
	EndpointStore
	ResourceStore
	MembershipStore
	CredentialStore
	DiscoveryStore
	RequestLogStore
	Close() error
}
