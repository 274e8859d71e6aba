package scimhub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/provisor/scimhub/config"
	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store/memstore"
)

const (
	testAdminToken = "test-admin-token"
	testJWTSecret  = "test-jwt-secret"
)

type serviceFixture struct {
	t       *testing.T
	svc     *Service
	store   *memstore.Store
	handler http.Handler
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Admin.Token = testAdminToken
	cfg.Admin.JWTSecret = testJWTSecret
	cfg.RequestLog.FlushSize = 1
	cfg.RequestLog.FlushIntervalSeconds = 1

	st := memstore.New()
	logger := logging.New(logging.NewConfig(logging.LevelInfo, logging.ModeJSON), io.Discard)

	svc := New(cfg, st, logger)
	require.NoError(t, svc.Initialize())
	t.Cleanup(svc.Close)

	handler, err := svc.Handler()
	require.NoError(t, err)

	return &serviceFixture{t: t, svc: svc, store: st, handler: handler}
}

func (f *serviceFixture) request(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/scim+json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *serviceFixture) decode(w *httptest.ResponseRecorder) map[string]any {
	f.t.Helper()
	var doc map[string]any
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &doc), "body: %s", w.Body.String())
	return doc
}

// provision creates an endpoint through the admin plane and mints a
// credential for it, returning the endpoint id and the plaintext token.
func (f *serviceFixture) provision(name string) (string, string) {
	f.t.Helper()

	w := f.request("POST", "/scim/admin/endpoints", testAdminToken, map[string]any{"name": name})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	endpointID := f.decode(w)["id"].(string)

	w = f.request("POST", "/scim/admin/endpoints/"+endpointID+"/credentials", testAdminToken,
		map[string]any{"name": "idp"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	token := f.decode(w)["token"].(string)
	require.NotEmpty(f.t, token)

	return endpointID, token
}

func TestProvisioningFlow(t *testing.T) {
	f := newServiceFixture(t)
	_, token := f.provision("acme")

	// Create a user over the SCIM plane with the minted credential.
	w := f.request("POST", "/scim/endpoints/acme/Users", token, map[string]any{
		"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"userName": "john@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, "application/scim+json; charset=utf-8", w.Header().Get("Content-Type"))
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
	user := f.decode(w)
	id := user["id"].(string)

	// The Location header carries the configured base URL and prefix.
	require.Equal(t,
		"http://localhost:8880/scim/endpoints/"+f.endpointID(t, "acme")+"/Users/"+id,
		w.Header().Get("Location"))

	// List, patch, delete.
	w = f.request("GET", "/scim/endpoints/acme/Users", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), f.decode(w)["totalResults"])

	w = f.request("PATCH", "/scim/endpoints/acme/Users/"+id, token, map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": []map[string]any{
			{"op": "replace", "path": "active", "value": false},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, false, f.decode(w)["active"])

	w = f.request("DELETE", "/scim/endpoints/acme/Users/"+id, token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func (f *serviceFixture) endpointID(t *testing.T, name string) string {
	t.Helper()
	ep, err := f.store.GetEndpointByName(context.Background(), name)
	require.NoError(t, err)
	return ep.ID
}

func TestSCIMPlaneAuth(t *testing.T) {
	f := newServiceFixture(t)
	_, token := f.provision("acme")

	// No credential.
	w := f.request("GET", "/scim/endpoints/acme/Users", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
	require.Equal(t, "401", f.decode(w)["status"])

	// Wrong credential.
	w = f.request("GET", "/scim/endpoints/acme/Users", "sct_not-a-real-token", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown endpoints answer 401, not 404, so names cannot be probed.
	w = f.request("GET", "/scim/endpoints/nonexistent/Users", token, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// The admin token does not work on the SCIM plane.
	w = f.request("GET", "/scim/endpoints/acme/Users", testAdminToken, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInactiveEndpointForbidden(t *testing.T) {
	f := newServiceFixture(t)
	endpointID, token := f.provision("acme")

	// Works while active.
	w := f.request("GET", "/scim/endpoints/acme/Users", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Deactivate through the admin plane; the registry invalidates, so the
	// change applies to the very next request.
	w = f.request("PATCH", "/scim/admin/endpoints/"+endpointID, testAdminToken,
		map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.request("GET", "/scim/endpoints/acme/Users", token, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminPlaneAuth(t *testing.T) {
	f := newServiceFixture(t)

	w := f.request("GET", "/scim/admin/endpoints", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request("GET", "/scim/admin/endpoints", "wrong-token", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request("GET", "/scim/admin/endpoints", testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminPlaneJWT(t *testing.T) {
	f := newServiceFixture(t)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	w := f.request("GET", "/scim/admin/endpoints", signed, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A token signed with another secret is rejected.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	w = f.request("GET", "/scim/admin/endpoints", forged, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// An expired token is rejected.
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	w = f.request("GET", "/scim/admin/endpoints", expired, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPrefixMounting(t *testing.T) {
	f := newServiceFixture(t)
	f.provision("acme")

	// Nothing is served outside the configured prefix.
	w := f.request("GET", "/admin/endpoints", testAdminToken, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.request("GET", "/endpoints/acme/Users", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestAuditTrail(t *testing.T) {
	f := newServiceFixture(t)
	endpointID, token := f.provision("acme")

	w := f.request("POST", "/scim/endpoints/acme/Users", token, map[string]any{
		"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"userName": "audited@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// The audit writer flushes in the background.
	require.Eventually(t, func() bool {
		n, err := f.store.CountRequestLogs(context.Background(), endpointID)
		return err == nil && n > 0
	}, 5*time.Second, 50*time.Millisecond, "request log never flushed")
}

func TestRequestIDPropagation(t *testing.T) {
	f := newServiceFixture(t)

	r := httptest.NewRequest("GET", "/scim/admin/endpoints", nil)
	r.Header.Set("Authorization", "Bearer "+testAdminToken)
	r.Header.Set("X-Request-Id", "req-supplied-by-caller")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	// A caller-supplied request id is kept, not replaced.
	require.Equal(t, "req-supplied-by-caller", w.Header().Get("X-Request-Id"))
}

func TestEndpointLogLevelSurvivesRestart(t *testing.T) {
	f := newServiceFixture(t)

	w := f.request("POST", "/scim/admin/endpoints", testAdminToken, map[string]any{
		"name":   "acme",
		"config": map[string]any{"logLevel": "debug"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	endpointID := f.decode(w)["id"].(string)

	// A fresh service over the same store stands in for a process restart;
	// the persisted override must come back without an admin write.
	cfg := config.DefaultConfig()
	cfg.Admin.Token = testAdminToken
	logger := logging.New(logging.NewConfig(logging.LevelInfo, logging.ModeJSON), io.Discard)

	restarted := New(cfg, f.store, logger)
	require.NoError(t, restarted.Initialize())
	t.Cleanup(restarted.Close)

	require.Equal(t, logging.LevelDebug,
		logger.Config().Resolve(logging.CategoryGeneral, endpointID))
}

func TestLogConfigRoundTrip(t *testing.T) {
	f := newServiceFixture(t)

	w := f.request("PUT", "/scim/admin/log-config/level/debug", testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.request("GET", "/scim/admin/log-config", testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "DEBUG", f.decode(w)["globalLevel"])

	// Activity lands in the recent-log ring and is queryable.
	w = f.request("GET", "/scim/admin/log-config/recent", testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := f.decode(w)
	require.Greater(t, body["totalResults"], float64(0))
}
