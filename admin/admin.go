// Package admin implements the management plane: endpoint lifecycle,
// credential issuance, and the runtime log configuration. Everything here
// sits behind the admin authenticator, never behind tenant credentials.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/provisor/scimhub/auth"
	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/scim"
	"github.com/provisor/scimhub/store"
	"github.com/provisor/scimhub/tenant"
)

// API serves the admin-plane HTTP surface.
type API struct {
	store    store.Store
	logger   *logging.Logger
	registry *tenant.Registry
}

// NewAPI creates the admin API over the shared store and logger. The
// registry is invalidated whenever an endpoint is mutated so the SCIM
// plane sees changes immediately.
func NewAPI(st store.Store, logger *logging.Logger, registry *tenant.Registry) *API {
	return &API{store: st, logger: logger, registry: registry}
}

// Register mounts every admin route on mux with the authenticator
// middleware applied per route.
func (a *API) Register(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authn(h))
	}

	handle("POST /admin/endpoints", a.handleCreateEndpoint)
	handle("GET /admin/endpoints", a.handleListEndpoints)
	handle("GET /admin/endpoints/{id}", a.handleGetEndpoint)
	handle("GET /admin/endpoints/by-name/{name}", a.handleGetEndpointByName)
	handle("PATCH /admin/endpoints/{id}", a.handleUpdateEndpoint)
	handle("DELETE /admin/endpoints/{id}", a.handleDeleteEndpoint)
	handle("GET /admin/endpoints/{id}/stats", a.handleEndpointStats)
	handle("POST /admin/endpoints/{id}/credentials", a.handleCreateCredential)
	handle("GET /admin/endpoints/{id}/credentials", a.handleListCredentials)
	handle("DELETE /admin/endpoints/{id}/credentials/{credId}", a.handleDeleteCredential)

	handle("GET /admin/log-config", a.handleGetLogConfig)
	handle("PUT /admin/log-config", a.handleUpdateLogConfig)
	handle("PUT /admin/log-config/level/{level}", a.handleSetGlobalLevel)
	handle("PUT /admin/log-config/category/{category}/{level}", a.handleSetCategoryLevel)
	handle("PUT /admin/log-config/endpoint/{id}", a.handleSetEndpointLevel)
	handle("DELETE /admin/log-config/endpoint/{id}", a.handleClearEndpointLevel)
	handle("GET /admin/log-config/recent", a.handleRecentLogs)
	handle("DELETE /admin/log-config/recent", a.handleClearRecentLogs)
	handle("GET /admin/log-config/stream", a.handleLogStream)
	handle("GET /admin/log-config/download", a.handleLogDownload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// createEndpointRequest is the POST /admin/endpoints body.
type createEndpointRequest struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description"`
	Active      *bool          `json:"active"`
	Config      map[string]any `json:"config"`
}

// updateEndpointRequest is the PATCH /admin/endpoints/{id} body. Config
// is raw so an absent field and an explicit object are distinguishable:
// a present config replaces the stored map wholesale.
type updateEndpointRequest struct {
	DisplayName *string         `json:"displayName"`
	Description *string         `json:"description"`
	Active      *bool           `json:"active"`
	Config      json.RawMessage `json:"config"`
}

func (a *API) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := validateConfig(req.Config); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	ep, err := a.store.CreateEndpoint(ctx, store.CreateEndpointInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Active:      req.Active,
		Config:      req.Config,
	})
	if err != nil {
		var ue *store.UniquenessError
		if errors.As(err, &ue) {
			writeErr(w, http.StatusConflict, "An endpoint named '"+req.Name+"' already exists.")
			return
		}
		a.logger.Error(ctx, logging.CategoryEndpoint, "endpoint create failed", err, nil)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.store.SeedDiscovery(ctx, ep.ID, scim.DefaultSchemas(), scim.DefaultResourceTypes()); err != nil {
		a.logger.Error(ctx, logging.CategoryEndpoint, "discovery seed failed", err, map[string]any{"endpointId": ep.ID})
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.syncLogLevel(ep)

	a.logger.Info(ctx, logging.CategoryEndpoint, "endpoint created", map[string]any{
		"endpointId": ep.ID,
		"name":       ep.Name,
	})
	writeJSON(w, http.StatusCreated, ep)
}

func (a *API) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := scim.ParseLenientBool(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid active filter")
			return
		}
		active = &v
	}
	eps, err := a.store.ListEndpoints(r.Context(), active)
	if err != nil {
		a.logger.Error(r.Context(), logging.CategoryEndpoint, "endpoint list failed", err, nil)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints":    eps,
		"totalResults": len(eps),
	})
}

func (a *API) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := a.store.GetEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (a *API) handleGetEndpointByName(w http.ResponseWriter, r *http.Request) {
	ep, err := a.store.GetEndpointByName(r.Context(), r.PathValue("name"))
	if err != nil {
		a.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (a *API) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req updateEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	in := store.UpdateEndpointInput{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Active:      req.Active,
	}
	if len(req.Config) > 0 && string(req.Config) != "null" {
		var cfg map[string]any
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErr(w, http.StatusBadRequest, "config must be an object")
			return
		}
		if err := validateConfig(cfg); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
		in.Config = cfg
	}

	ep, err := a.store.UpdateEndpoint(ctx, id, in)
	if err != nil {
		a.writeStoreErr(w, r, err)
		return
	}

	a.syncLogLevel(ep)
	a.registry.InvalidateID(ep.ID)

	a.logger.Info(ctx, logging.CategoryEndpoint, "endpoint updated", map[string]any{
		"endpointId": ep.ID,
		"name":       ep.Name,
	})
	writeJSON(w, http.StatusOK, ep)
}

func (a *API) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := a.store.DeleteEndpoint(ctx, id); err != nil {
		a.writeStoreErr(w, r, err)
		return
	}
	a.registry.InvalidateID(id)
	a.logger.Config().ClearEndpoint(id)

	a.logger.Info(ctx, logging.CategoryEndpoint, "endpoint deleted", map[string]any{"endpointId": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEndpointStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.GetEndpointStats(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// createCredentialRequest is the POST …/credentials body.
type createCredentialRequest struct {
	Name      string     `json:"name"`
	Type      string     `json:"credentialType"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// credentialResponse carries the plaintext token exactly once, in the
// create response. List responses use the bare Credential.
type credentialResponse struct {
	*store.Credential
	Token string `json:"token"`
}

func (a *API) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpointID := r.PathValue("id")

	if _, err := a.store.GetEndpoint(ctx, endpointID); err != nil {
		a.writeStoreErr(w, r, err)
		return
	}

	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if req.Type == "" {
		req.Type = "bearer"
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeErr(w, http.StatusBadRequest, "expiresAt must be in the future")
		return
	}

	token, err := auth.GenerateToken()
	if err != nil {
		a.logger.Error(ctx, logging.CategoryEndpoint, "token generation failed", err, nil)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		a.logger.Error(ctx, logging.CategoryEndpoint, "token hashing failed", err, nil)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	cred, err := a.store.CreateCredential(ctx, store.CreateCredentialInput{
		EndpointID: endpointID,
		Type:       req.Type,
		Name:       req.Name,
		SecretHash: hash,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		a.logger.Error(ctx, logging.CategoryEndpoint, "credential create failed", err, map[string]any{"endpointId": endpointID})
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info(ctx, logging.CategoryEndpoint, "credential created", map[string]any{
		"endpointId":   endpointID,
		"credentialId": cred.ID,
	})
	writeJSON(w, http.StatusCreated, credentialResponse{Credential: cred, Token: token})
}

func (a *API) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpointID := r.PathValue("id")

	if _, err := a.store.GetEndpoint(ctx, endpointID); err != nil {
		a.writeStoreErr(w, r, err)
		return
	}
	creds, err := a.store.ListCredentials(ctx, endpointID)
	if err != nil {
		a.logger.Error(ctx, logging.CategoryEndpoint, "credential list failed", err, map[string]any{"endpointId": endpointID})
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials":  creds,
		"totalResults": len(creds),
	})
}

func (a *API) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpointID := r.PathValue("id")
	credID := r.PathValue("credId")

	if err := a.store.DeleteCredential(ctx, endpointID, credID); err != nil {
		a.writeStoreErr(w, r, err)
		return
	}
	a.logger.Info(ctx, logging.CategoryEndpoint, "credential deleted", map[string]any{
		"endpointId":   endpointID,
		"credentialId": credID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.Error(r.Context(), logging.CategoryEndpoint, "store operation failed", err, nil)
	writeErr(w, http.StatusInternalServerError, "internal error")
}

// validateConfig rejects config maps the SCIM plane could not load:
// garbage boolean flags and unparsable logLevel values. Unknown keys
// pass through untouched.
func validateConfig(config map[string]any) error {
	flags, err := scim.ParseFlags(config)
	if err != nil {
		return err
	}
	if flags.LogLevel != "" {
		if _, err := logging.ParseLevel(flags.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// syncLogLevel mirrors the endpoint's logLevel config key into the
// logger's endpoint override map. Absence clears the override.
func (a *API) syncLogLevel(ep *store.Endpoint) {
	flags, err := scim.ParseFlags(ep.Config)
	if err != nil || flags.LogLevel == "" {
		a.logger.Config().ClearEndpoint(ep.ID)
		return
	}
	lvl, err := logging.ParseLevel(flags.LogLevel)
	if err != nil {
		a.logger.Config().ClearEndpoint(ep.ID)
		return
	}
	a.logger.Config().SetEndpoint(ep.ID, lvl)
}
