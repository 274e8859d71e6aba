package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
	"github.com/provisor/scimhub/store/memstore"
)

func queryEscape(s string) string {
	return url.QueryEscape(s)
}

type serverFixture struct {
	store *memstore.Store
	mux   *http.ServeMux
	ep    *store.Endpoint
}

// testGuard resolves the {endpoint} path value directly against the
// store, standing in for the credential-checking tenant guard.
func testGuard(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ep, err := st.GetEndpoint(r.Context(), r.PathValue("endpoint"))
			if err != nil {
				http.Error(w, "unknown endpoint", http.StatusNotFound)
				return
			}
			flags, err := ParseFlags(ep.Config)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithEndpoint(r.Context(), ep, flags)))
		})
	}
}

func newServerFixture(t *testing.T, config map[string]any) *serverFixture {
	t.Helper()
	st := memstore.New()
	ep, err := st.CreateEndpoint(context.Background(), store.CreateEndpointInput{
		Name:   "acme",
		Config: config,
	})
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if err := st.SeedDiscovery(context.Background(), ep.ID, DefaultSchemas(), DefaultResourceTypes()); err != nil {
		t.Fatalf("seed discovery: %v", err)
	}

	logger := logging.New(logging.NewConfig(logging.LevelError, logging.ModeJSON), io.Discard)
	srv := NewServer(st, logger, "http://localhost:8880/scim")
	mux := http.NewServeMux()
	srv.Register(mux, testGuard(st))

	return &serverFixture{store: st, mux: mux, ep: ep}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, "/endpoints/"+f.ep.ID+path, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/scim+json")
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func decodeDoc(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return doc
}

func (f *serverFixture) createUser(t *testing.T, userName string) map[string]any {
	t.Helper()
	w := f.do(t, "POST", "/Users", map[string]any{
		"schemas":  []string{SchemaUser},
		"userName": userName,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: status %d: %s", w.Code, w.Body.String())
	}
	return decodeDoc(t, w)
}

func TestUserLifecycle(t *testing.T) {
	f := newServerFixture(t, nil)

	// Create.
	w := f.do(t, "POST", "/Users", map[string]any{
		"schemas":  []string{SchemaUser},
		"userName": "john@example.com",
		"name":     map[string]any{"givenName": "John"},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if etag := w.Header().Get("ETag"); etag != `W/"v1"` {
		t.Errorf("ETag = %q, want v1", etag)
	}
	created := decodeDoc(t, w)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created resource has no id: %v", created)
	}
	if loc := w.Header().Get("Location"); loc != "http://localhost:8880/scim/endpoints/"+f.ep.ID+"/Users/"+id {
		t.Errorf("Location = %q", loc)
	}
	// A user created without active is active.
	if created["active"] != true {
		t.Errorf("active = %v, want defaulted true", created["active"])
	}
	meta, _ := created["meta"].(map[string]any)
	if meta["resourceType"] != "User" || meta["version"] != `W/"v1"` {
		t.Errorf("meta = %v", meta)
	}

	// Read back, then conditionally.
	w = f.do(t, "GET", "/Users/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	w = f.do(t, "GET", "/Users/"+id, nil, map[string]string{"If-None-Match": `W/"v1"`})
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional get: status %d, want 304", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("304 carried a body: %s", w.Body.String())
	}

	// Replace bumps the version.
	w = f.do(t, "PUT", "/Users/"+id, map[string]any{
		"schemas":  []string{SchemaUser},
		"userName": "john@example.com",
		"title":    "Engineer",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put: status %d: %s", w.Code, w.Body.String())
	}
	if etag := w.Header().Get("ETag"); etag != `W/"v2"` {
		t.Errorf("ETag after put = %q, want v2", etag)
	}
	replaced := decodeDoc(t, w)
	if replaced["title"] != "Engineer" {
		t.Errorf("title = %v", replaced["title"])
	}
	if _, ok := replaced["name"]; ok {
		t.Error("replace should drop attributes missing from the body")
	}

	// A stale If-Match fails before any write.
	w = f.do(t, "PUT", "/Users/"+id, map[string]any{
		"schemas":  []string{SchemaUser},
		"userName": "stale@example.com",
	}, map[string]string{"If-Match": `W/"v1"`})
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale put: status %d, want 412", w.Code)
	}
	errBody := decodeDoc(t, w)
	if errBody["status"] != "412" || errBody["scimType"] != "mutability" {
		t.Errorf("error body = %v", errBody)
	}

	// Patch.
	w = f.do(t, "PATCH", "/Users/"+id, map[string]any{
		"schemas": []string{SchemaPatchOp},
		"Operations": []map[string]any{
			{"op": "replace", "path": "active", "value": false},
		},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status %d: %s", w.Code, w.Body.String())
	}
	patched := decodeDoc(t, w)
	if patched["active"] != false {
		t.Errorf("active = %v, want false", patched["active"])
	}
	if etag := w.Header().Get("ETag"); etag != `W/"v3"` {
		t.Errorf("ETag after patch = %q, want v3", etag)
	}

	// Delete, then 404.
	w = f.do(t, "DELETE", "/Users/"+id, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = f.do(t, "GET", "/Users/"+id, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", w.Code)
	}
	errBody = decodeDoc(t, w)
	if errBody["status"] != "404" || errBody["schemas"].([]any)[0] != SchemaError {
		t.Errorf("error body = %v", errBody)
	}
}

func TestCreateUserValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, "POST", "/Users", map[string]any{
		"schemas": []string{SchemaUser},
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body := decodeDoc(t, w)
	if body["scimType"] != "invalidValue" {
		t.Errorf("scimType = %v", body["scimType"])
	}
}

func TestCreateUserDuplicateUserName(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createUser(t, "John@example.com")

	// userName uniqueness ignores case.
	w := f.do(t, "POST", "/Users", map[string]any{
		"schemas":  []string{SchemaUser},
		"userName": "john@EXAMPLE.com",
	}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	body := decodeDoc(t, w)
	if body["scimType"] != "uniqueness" || body["status"] != "409" {
		t.Errorf("error body = %v", body)
	}
}

func TestUnsupportedMediaType(t *testing.T) {
	f := newServerFixture(t, nil)
	w := f.do(t, "POST", "/Users", map[string]any{
		"schemas":  []string{SchemaUser},
		"userName": "u",
	}, map[string]string{"Content-Type": "text/plain"})
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
}

func TestListUsers(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createUser(t, "john@example.com")
	f.createUser(t, "jane@example.com")
	f.createUser(t, "sam@example.com")

	w := f.do(t, "GET", "/Users?filter="+queryEscape(`userName sw "j"`)+"&sortBy=userName&count=10", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d: %s", w.Code, w.Body.String())
	}
	body := decodeDoc(t, w)
	if body["totalResults"] != float64(2) || body["itemsPerPage"] != float64(2) {
		t.Errorf("page = %v", body)
	}
	resources := body["Resources"].([]any)
	first := resources[0].(map[string]any)
	if first["userName"] != "jane@example.com" {
		t.Errorf("sort order: first = %v", first["userName"])
	}

	// count=0 answers totals only.
	w = f.do(t, "GET", "/Users?count=0", nil, nil)
	body = decodeDoc(t, w)
	if body["totalResults"] != float64(3) || body["itemsPerPage"] != float64(0) {
		t.Errorf("count=0 response = %v", body)
	}

	// Residual filters return the same rows the pushed path would.
	w = f.do(t, "GET", "/Users?filter="+queryEscape(`emails pr`), nil, nil)
	body = decodeDoc(t, w)
	if body["totalResults"] != float64(0) {
		t.Errorf("residual filter = %v", body)
	}
}

func TestListUsersBadFilter(t *testing.T) {
	f := newServerFixture(t, nil)
	w := f.do(t, "GET", "/Users?filter="+queryEscape(`userName eq`), nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeDoc(t, w); body["scimType"] != "invalidFilter" {
		t.Errorf("scimType = %v", body["scimType"])
	}
}

func TestListUsersAttributeProjection(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createUser(t, "john@example.com")

	w := f.do(t, "GET", "/Users?attributes=userName", nil, nil)
	body := decodeDoc(t, w)
	doc := body["Resources"].([]any)[0].(map[string]any)
	if doc["userName"] != "john@example.com" {
		t.Errorf("userName missing: %v", doc)
	}
	if _, ok := doc["active"]; ok {
		t.Errorf("active survived the projection: %v", doc)
	}
	if _, ok := doc["id"]; !ok {
		t.Error("id is always returned")
	}
}

func TestSearchUsers(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createUser(t, "john@example.com")
	f.createUser(t, "jane@example.com")

	w := f.do(t, "POST", "/Users/.search", map[string]any{
		"schemas": []string{SchemaSearchRequest},
		"filter":  `userName eq "john@example.com"`,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search: status %d: %s", w.Code, w.Body.String())
	}
	body := decodeDoc(t, w)
	if body["totalResults"] != float64(1) {
		t.Errorf("totalResults = %v", body["totalResults"])
	}

	w = f.do(t, "POST", "/Users/.search", map[string]any{
		"filter": `userName pr`,
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("search without schema: status %d, want 400", w.Code)
	}
}

func TestGroupMembership(t *testing.T) {
	f := newServerFixture(t, map[string]any{
		FlagAddMultipleMembers: true,
	})
	john := f.createUser(t, "john@example.com")
	jane := f.createUser(t, "jane@example.com")
	johnID := john["id"].(string)
	janeID := jane["id"].(string)

	// Create a group with one member.
	w := f.do(t, "POST", "/Groups", map[string]any{
		"schemas":     []string{SchemaGroup},
		"displayName": "Engineering",
		"members":     []map[string]any{{"value": johnID}},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create group: status %d: %s", w.Code, w.Body.String())
	}
	group := decodeDoc(t, w)
	groupID := group["id"].(string)
	members := group["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("members = %v", members)
	}
	member := members[0].(map[string]any)
	if member["value"] != johnID {
		t.Errorf("member value = %v", member["value"])
	}
	// Display falls back to the member's userName, and $ref points at the
	// member's own location.
	if member["display"] != "john@example.com" {
		t.Errorf("member display = %v", member["display"])
	}
	wantRef := "http://localhost:8880/scim/endpoints/" + f.ep.ID + "/Users/" + johnID
	if member["$ref"] != wantRef {
		t.Errorf("member $ref = %v, want %v", member["$ref"], wantRef)
	}

	// Patch in a second member.
	w = f.do(t, "PATCH", "/Groups/"+groupID, map[string]any{
		"schemas": []string{SchemaPatchOp},
		"Operations": []map[string]any{
			{"op": "add", "path": "members", "value": []map[string]any{{"value": janeID}}},
		},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch add member: status %d: %s", w.Code, w.Body.String())
	}
	group = decodeDoc(t, w)
	if got := len(group["members"].([]any)); got != 2 {
		t.Fatalf("members after add = %d", got)
	}

	// Filtered remove.
	w = f.do(t, "PATCH", "/Groups/"+groupID, map[string]any{
		"schemas": []string{SchemaPatchOp},
		"Operations": []map[string]any{
			{"op": "remove", "path": fmt.Sprintf("members[value eq %q]", johnID)},
		},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch remove member: status %d: %s", w.Code, w.Body.String())
	}
	group = decodeDoc(t, w)
	members = group["members"].([]any)
	if len(members) != 1 || members[0].(map[string]any)["value"] != janeID {
		t.Errorf("members after remove = %v", members)
	}
}

func TestGroupMemberFlagGates(t *testing.T) {
	f := newServerFixture(t, nil)
	john := f.createUser(t, "john@example.com")
	jane := f.createUser(t, "jane@example.com")

	w := f.do(t, "POST", "/Groups", map[string]any{
		"schemas":     []string{SchemaGroup},
		"displayName": "Engineering",
	}, nil)
	group := decodeDoc(t, w)
	groupID := group["id"].(string)

	// Multi-member adds need the endpoint flag.
	w = f.do(t, "PATCH", "/Groups/"+groupID, map[string]any{
		"schemas": []string{SchemaPatchOp},
		"Operations": []map[string]any{
			{"op": "add", "path": "members", "value": []map[string]any{
				{"value": john["id"]},
				{"value": jane["id"]},
			}},
		},
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("multi add without flag: status %d, want 400", w.Code)
	}
	if body := decodeDoc(t, w); body["scimType"] != "invalidValue" {
		t.Errorf("scimType = %v", body["scimType"])
	}

	// The gate fails before any write: the group is still empty.
	w = f.do(t, "GET", "/Groups/"+groupID, nil, nil)
	group = decodeDoc(t, w)
	if _, ok := group["members"]; ok {
		t.Errorf("members appeared despite the rejected patch: %v", group["members"])
	}
}

func TestGroupMemberMustExist(t *testing.T) {
	f := newServerFixture(t, nil)
	w := f.do(t, "POST", "/Groups", map[string]any{
		"schemas":     []string{SchemaGroup},
		"displayName": "Engineering",
		"members":     []map[string]any{{"value": "no-such-user"}},
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	body := decodeDoc(t, w)
	if body["scimType"] != "invalidValue" {
		t.Errorf("error body = %v", body)
	}
}

func TestPatchRejectsRemovingRequiredAttr(t *testing.T) {
	f := newServerFixture(t, nil)
	user := f.createUser(t, "john@example.com")
	id := user["id"].(string)

	w := f.do(t, "PATCH", "/Users/"+id, map[string]any{
		"schemas": []string{SchemaPatchOp},
		"Operations": []map[string]any{
			{"op": "remove", "path": "userName"},
		},
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(t, "GET", "/ServiceProviderConfig", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("spc: status %d", w.Code)
	}
	spc := decodeDoc(t, w)
	if patch := spc["patch"].(map[string]any); patch["supported"] != true {
		t.Errorf("patch = %v", patch)
	}
	if bulk := spc["bulk"].(map[string]any); bulk["supported"] != false {
		t.Errorf("bulk = %v", bulk)
	}
	if filter := spc["filter"].(map[string]any); filter["maxResults"] != float64(maxListCount) {
		t.Errorf("filter = %v", filter)
	}

	w = f.do(t, "GET", "/Schemas", nil, nil)
	schemas := decodeDoc(t, w)
	if schemas["totalResults"] != float64(3) {
		t.Errorf("schemas totalResults = %v", schemas["totalResults"])
	}

	w = f.do(t, "GET", "/ResourceTypes", nil, nil)
	types := decodeDoc(t, w)
	if types["totalResults"] != float64(2) {
		t.Errorf("resource types totalResults = %v", types["totalResults"])
	}
	// ResourceTypes supports filtering like any list.
	w = f.do(t, "GET", "/ResourceTypes?filter="+queryEscape(`id eq "User"`), nil, nil)
	types = decodeDoc(t, w)
	if types["totalResults"] != float64(1) {
		t.Errorf("filtered resource types = %v", types)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newServerFixture(t, nil)
	other, err := f.store.CreateEndpoint(context.Background(), store.CreateEndpointInput{Name: "globex"})
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	user := f.createUser(t, "john@example.com")
	id := user["id"].(string)

	// The same id under another endpoint does not exist.
	r := httptest.NewRequest("GET", "/endpoints/"+other.ID+"/Users/"+id, nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get: status %d, want 404", w.Code)
	}

	r = httptest.NewRequest("GET", "/endpoints/"+other.ID+"/Users", nil)
	w = httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	body := decodeDoc(t, w)
	if body["totalResults"] != float64(0) {
		t.Errorf("cross-tenant list = %v", body)
	}
}
