// Package memstore is the in-memory store implementation: nested maps per
// endpoint behind one mutex. It backs tests, demos, and dev runs, and must
// stay behaviorally identical to the SQL implementation.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provisor/scimhub/store"
)

// Store implements store.Store with in-process maps. All mutations are
// serialized by the mutex, which is what makes version increments atomic.
type Store struct {
	mu sync.RWMutex

	endpoints map[string]*store.Endpoint
	tenants   map[string]*tenantData
	byName    map[string]string // lower(name) -> endpoint id

	nextID    int64
	nextLogID int64
}

// tenantData holds everything owned by one endpoint, so cascade delete is
// the removal of a single struct.
type tenantData struct {
	resources   map[string]*store.Resource // scimID -> resource
	byUserName  map[string]string          // lower(userName) -> scimID
	byGroupName map[string]string          // lower(displayName) -> group scimID
	byExternal  map[string]string          // externalId -> scimID
	members     map[string]map[string]store.Member
	credentials map[string]*store.Credential
	schemas     []store.SchemaRow
	types       []store.ResourceTypeRow
	requestLogs []store.RequestLog
}

// New creates an empty store.
func New() *Store {
	return &Store{
		endpoints: make(map[string]*store.Endpoint),
		tenants:   make(map[string]*tenantData),
		byName:    make(map[string]string),
	}
}

// Close is a no-op; the store holds no external resources.
func (s *Store) Close() error { return nil }

// Capabilities reports full predicate support: Match walks payloads
// directly, so every pushable predicate is answerable.
func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{StructuredPayload: true}
}

func newTenantData() *tenantData {
	return &tenantData{
		resources:   make(map[string]*store.Resource),
		byUserName:  make(map[string]string),
		byGroupName: make(map[string]string),
		byExternal:  make(map[string]string),
		members:     make(map[string]map[string]store.Member),
		credentials: make(map[string]*store.Credential),
	}
}

// --- EndpointStore ---

func (s *Store) CreateEndpoint(_ context.Context, in store.CreateEndpointInput) (*store.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[strings.ToLower(in.Name)]; ok {
		return nil, &store.UniquenessError{Attribute: "name", Value: in.Name}
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}
	now := time.Now().UTC()
	ep := &store.Endpoint{
		ID:          uuid.NewString(),
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Active:      active,
		Config:      copyConfig(in.Config),
		Created:     now,
		Modified:    now,
	}
	s.endpoints[ep.ID] = ep
	s.byName[strings.ToLower(ep.Name)] = ep.ID
	s.tenants[ep.ID] = newTenantData()
	return copyEndpoint(ep), nil
}

func (s *Store) GetEndpoint(_ context.Context, id string) (*store.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (s *Store) GetEndpointByName(_ context.Context, name string) (*store.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEndpoint(s.endpoints[id]), nil
}

func (s *Store) ListEndpoints(_ context.Context, active *bool) ([]*store.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if active != nil && ep.Active != *active {
			continue
		}
		out = append(out, copyEndpoint(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *Store) UpdateEndpoint(_ context.Context, id string, in store.UpdateEndpointInput) (*store.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if in.DisplayName != nil {
		ep.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		ep.Description = *in.Description
	}
	if in.Active != nil {
		ep.Active = *in.Active
	}
	if in.Config != nil {
		ep.Config = copyConfig(in.Config)
	}
	ep.Modified = time.Now().UTC()
	return copyEndpoint(ep), nil
}

func (s *Store) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.byName, strings.ToLower(ep.Name))
	delete(s.endpoints, id)
	delete(s.tenants, id)
	return nil
}

func (s *Store) GetEndpointStats(_ context.Context, id string) (*store.EndpointStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	stats := &store.EndpointStats{
		Credentials: len(td.credentials),
		RequestLogs: len(td.requestLogs),
	}
	for _, r := range td.resources {
		if r.Type == store.TypeUser {
			stats.Users++
		} else {
			stats.Groups++
		}
	}
	for _, edges := range td.members {
		stats.Memberships += len(edges)
	}
	return stats, nil
}

// --- ResourceStore ---

func (s *Store) CreateResource(_ context.Context, in store.CreateResourceInput) (*store.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[in.EndpointID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if _, exists := td.resources[in.SCIMID]; exists {
		return nil, &store.UniquenessError{Attribute: "id", Value: in.SCIMID}
	}
	if err := td.checkUnique(in.Type, in.UserName, in.DisplayName, in.ExternalID, ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.nextID++
	res := &store.Resource{
		ID:          s.nextID,
		EndpointID:  in.EndpointID,
		Type:        in.Type,
		SCIMID:      in.SCIMID,
		ExternalID:  in.ExternalID,
		UserName:    in.UserName,
		DisplayName: in.DisplayName,
		Active:      in.Active,
		Payload:     copyPayload(in.Payload),
		Version:     1,
		Created:     now,
		Modified:    now,
	}
	td.resources[res.SCIMID] = res
	td.index(res)
	return copyResource(res), nil
}

func (s *Store) GetResource(_ context.Context, endpointID, scimID string) (*store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	res, ok := td.resources[scimID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyResource(res), nil
}

func (s *Store) GetResourceByUserName(_ context.Context, endpointID, userName string) (*store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	id, ok := td.byUserName[strings.ToLower(userName)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyResource(td.resources[id]), nil
}

func (s *Store) GetResourceByExternalID(_ context.Context, endpointID, externalID string) (*store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	id, ok := td.byExternal[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyResource(td.resources[id]), nil
}

func (s *Store) SearchResources(_ context.Context, q store.Query) (*store.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[q.EndpointID]
	if !ok {
		return nil, store.ErrNotFound
	}

	matched := make([]*store.Resource, 0, len(td.resources))
	for _, res := range td.resources {
		if res.Type != q.Type {
			continue
		}
		if !q.Where.Match(res) {
			continue
		}
		matched = append(matched, res)
	}

	sortResources(matched, q.SortBy, q.SortDesc)

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= total {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	items := make([]*store.Resource, len(matched))
	for i, res := range matched {
		items[i] = copyResource(res)
	}
	return &store.Page{Items: items, Total: total}, nil
}

func (s *Store) UpdateResource(_ context.Context, endpointID, scimID string, in store.UpdateResourceInput) (*store.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	res, ok := td.resources[scimID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if res.Version != in.ExpectVersion {
		return nil, store.ErrVersionConflict
	}
	if err := td.checkUnique(res.Type, in.UserName, in.DisplayName, in.ExternalID, scimID); err != nil {
		return nil, err
	}

	td.unindex(res)
	res.ExternalID = in.ExternalID
	res.UserName = in.UserName
	res.DisplayName = in.DisplayName
	res.Active = in.Active
	res.Payload = copyPayload(in.Payload)
	res.Version++
	res.Modified = time.Now().UTC()
	td.index(res)
	return copyResource(res), nil
}

func (s *Store) DeleteResource(_ context.Context, endpointID, scimID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return store.ErrNotFound
	}
	res, ok := td.resources[scimID]
	if !ok {
		return store.ErrNotFound
	}
	td.unindex(res)
	delete(td.resources, scimID)

	// Remove every incident membership edge, as group and as member.
	delete(td.members, scimID)
	for groupID, edges := range td.members {
		delete(edges, scimID)
		if len(edges) == 0 {
			delete(td.members, groupID)
		}
	}
	return nil
}

func (s *Store) AssertUnique(_ context.Context, chk store.UniqueCheck) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[chk.EndpointID]
	if !ok {
		return store.ErrNotFound
	}
	return td.checkUnique(chk.Type, chk.UserName, chk.DisplayName, chk.ExternalID, chk.ExcludeSCIMID)
}

// checkUnique verifies the tenant-scoped constraints. DisplayName only
// collides between Groups; userName and externalId are per-endpoint.
func (td *tenantData) checkUnique(resourceType, userName, displayName, externalID, exclude string) error {
	if userName != "" {
		if id, ok := td.byUserName[strings.ToLower(userName)]; ok && id != exclude {
			return &store.UniquenessError{Attribute: "userName", Value: userName}
		}
	}
	if displayName != "" && resourceType == store.TypeGroup {
		if id, ok := td.byGroupName[strings.ToLower(displayName)]; ok && id != exclude {
			return &store.UniquenessError{Attribute: "displayName", Value: displayName}
		}
	}
	if externalID != "" {
		if id, ok := td.byExternal[externalID]; ok && id != exclude {
			return &store.UniquenessError{Attribute: "externalId", Value: externalID}
		}
	}
	return nil
}

func (td *tenantData) index(res *store.Resource) {
	if res.UserName != "" {
		td.byUserName[strings.ToLower(res.UserName)] = res.SCIMID
	}
	if res.DisplayName != "" && res.Type == store.TypeGroup {
		td.byGroupName[strings.ToLower(res.DisplayName)] = res.SCIMID
	}
	if res.ExternalID != "" {
		td.byExternal[res.ExternalID] = res.SCIMID
	}
}

func (td *tenantData) unindex(res *store.Resource) {
	if res.UserName != "" {
		delete(td.byUserName, strings.ToLower(res.UserName))
	}
	if res.DisplayName != "" && res.Type == store.TypeGroup {
		delete(td.byGroupName, strings.ToLower(res.DisplayName))
	}
	if res.ExternalID != "" {
		delete(td.byExternal, res.ExternalID)
	}
}

// --- MembershipStore ---

func (s *Store) AddMembers(_ context.Context, endpointID, groupID string, members []store.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return store.ErrNotFound
	}
	edges := td.members[groupID]
	if edges == nil {
		edges = make(map[string]store.Member)
		td.members[groupID] = edges
	}
	for _, m := range members {
		m.GroupID = groupID
		edges[m.MemberID] = m
	}
	return nil
}

func (s *Store) RemoveMembers(_ context.Context, endpointID, groupID string, memberIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return store.ErrNotFound
	}
	edges := td.members[groupID]
	for _, id := range memberIDs {
		delete(edges, id)
	}
	if len(edges) == 0 {
		delete(td.members, groupID)
	}
	return nil
}

func (s *Store) ReplaceMembers(_ context.Context, endpointID, groupID string, members []store.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return store.ErrNotFound
	}
	if len(members) == 0 {
		delete(td.members, groupID)
		return nil
	}
	edges := make(map[string]store.Member, len(members))
	for _, m := range members {
		m.GroupID = groupID
		edges[m.MemberID] = m
	}
	td.members[groupID] = edges
	return nil
}

func (s *Store) ListMembers(_ context.Context, endpointID, groupID string) ([]store.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	edges := td.members[groupID]
	out := make([]store.Member, 0, len(edges))
	for _, m := range edges {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

// --- CredentialStore ---

func (s *Store) CreateCredential(_ context.Context, in store.CreateCredentialInput) (*store.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[in.EndpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cred := &store.Credential{
		ID:         uuid.NewString(),
		EndpointID: in.EndpointID,
		Type:       in.Type,
		Name:       in.Name,
		SecretHash: in.SecretHash,
		Active:     true,
		ExpiresAt:  in.ExpiresAt,
		Created:    time.Now().UTC(),
	}
	td.credentials[cred.ID] = cred
	out := *cred
	return &out, nil
}

func (s *Store) ListCredentials(_ context.Context, endpointID string) ([]*store.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]*store.Credential, 0, len(td.credentials))
	for _, cred := range td.credentials {
		c := *cred
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *Store) DeleteCredential(_ context.Context, endpointID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := td.credentials[id]; !ok {
		return store.ErrNotFound
	}
	delete(td.credentials, id)
	return nil
}

func (s *Store) ActiveCredentials(_ context.Context, endpointID string) ([]*store.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	out := make([]*store.Credential, 0, len(td.credentials))
	for _, cred := range td.credentials {
		if !cred.Active {
			continue
		}
		if cred.ExpiresAt != nil && cred.ExpiresAt.Before(now) {
			continue
		}
		c := *cred
		out = append(out, &c)
	}
	return out, nil
}

// --- DiscoveryStore ---

func (s *Store) SeedDiscovery(_ context.Context, endpointID string, schemas []store.SchemaRow, types []store.ResourceTypeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return store.ErrNotFound
	}
	td.schemas = append([]store.SchemaRow(nil), schemas...)
	td.types = append([]store.ResourceTypeRow(nil), types...)
	return nil
}

func (s *Store) ListSchemas(_ context.Context, endpointID string) ([]store.SchemaRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]store.SchemaRow(nil), td.schemas...), nil
}

func (s *Store) ListResourceTypes(_ context.Context, endpointID string) ([]store.ResourceTypeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]store.ResourceTypeRow(nil), td.types...), nil
}

// --- RequestLogStore ---

func (s *Store) InsertRequestLogs(_ context.Context, recs []store.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		// Records for deleted or unknown endpoints are dropped, matching
		// the SQL implementation's foreign-key behavior.
		td, ok := s.tenants[rec.EndpointID]
		if !ok {
			continue
		}
		s.nextLogID++
		rec.ID = s.nextLogID
		td.requestLogs = append(td.requestLogs, rec)
	}
	return nil
}

func (s *Store) CountRequestLogs(_ context.Context, endpointID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.tenants[endpointID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return len(td.requestLogs), nil
}

// --- helpers ---

// sortResources orders by a projected field, case-folded for the
// case-insensitive ones, empty values last in either direction. The SQL
// backends produce the same order with LOWER(...) and NULLS LAST.
func sortResources(items []*store.Resource, sortBy string, desc bool) {
	if sortBy == "" {
		sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		return
	}
	key := func(r *store.Resource) string {
		switch sortBy {
		case "userName":
			return strings.ToLower(r.UserName)
		case "displayName":
			return strings.ToLower(r.DisplayName)
		case "externalId":
			return r.ExternalID
		case "id":
			return r.SCIMID
		}
		return ""
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := key(items[i]), key(items[j])
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		if desc {
			return a > b
		}
		return a < b
	})
}

func copyEndpoint(ep *store.Endpoint) *store.Endpoint {
	out := *ep
	out.Config = copyConfig(ep.Config)
	return &out
}

func copyConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyResource(res *store.Resource) *store.Resource {
	out := *res
	out.Payload = copyPayload(res.Payload)
	if res.Active != nil {
		active := *res.Active
		out.Active = &active
	}
	return &out
}

func copyPayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyPayloadValue(v)
	}
	return out
}

func copyPayloadValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyPayload(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyPayloadValue(e)
		}
		return out
	}
	return v
}
