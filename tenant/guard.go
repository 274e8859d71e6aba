package tenant

import (
	"errors"
	"net/http"
	"strings"

	"github.com/provisor/scimhub/auth"
	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/scim"
	"github.com/provisor/scimhub/store"
)

// Guard authenticates SCIM-plane requests. The endpoint path value is
// resolved first; an unknown endpoint is a 401 so probing cannot
// distinguish missing tenants from bad credentials, while an inactive
// endpoint is a 403 even with valid credentials.
type Guard struct {
	registry *Registry
	creds    store.CredentialStore
	logger   *logging.Logger
}

func NewGuard(registry *Registry, creds store.CredentialStore, logger *logging.Logger) *Guard {
	return &Guard{registry: registry, creds: creds, logger: logger}
}

// Middleware wraps SCIM routes. Routes must carry an {endpoint} path
// segment.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("endpoint")
		ctx := r.Context()

		ep, err := g.registry.Lookup(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.logger.Error(ctx, logging.CategoryAuth, "unknown endpoint", nil,
					map[string]any{"endpoint": name})
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			g.logger.Error(ctx, logging.CategoryAuth, "endpoint lookup failed", err,
				map[string]any{"endpoint": name})
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		if rc := logging.RequestFromContext(ctx); rc != nil {
			rc.EndpointID = ep.ID
		}

		if !ep.Active {
			g.logger.Error(ctx, logging.CategoryAuth, "endpoint inactive", nil,
				map[string]any{"endpointId": ep.ID})
			writeError(w, http.StatusForbidden, "Endpoint is inactive")
			return
		}

		token, ok := bearerToken(r)
		if !ok || !g.verify(r, ep.ID, token) {
			g.logger.Error(ctx, logging.CategoryAuth, "credential verification failed", nil,
				map[string]any{"endpointId": ep.ID})
			w.Header().Set("WWW-Authenticate", `Bearer realm="scimhub"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		flags, err := scim.ParseFlags(ep.Config)
		if err != nil {
			// A stored config that no longer parses should not lock the
			// tenant out; run with defaults and surface the problem.
			g.logger.Error(ctx, logging.CategoryEndpoint, "invalid endpoint config", err,
				map[string]any{"endpointId": ep.ID})
			flags = scim.Flags{}
		}

		r = r.WithContext(scim.WithEndpoint(ctx, ep, flags))
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) verify(r *http.Request, endpointID, token string) bool {
	creds, err := g.creds.ActiveCredentials(r.Context(), endpointID)
	if err != nil {
		g.logger.Error(r.Context(), logging.CategoryAuth, "credential load failed", err,
			map[string]any{"endpointId": endpointID})
		return false
	}
	for _, c := range creds {
		if auth.VerifyToken(c.SecretHash, token) {
			if rc := logging.RequestFromContext(r.Context()); rc != nil {
				rc.AuthType = string(c.Type)
				rc.ClientID = c.ID
			}
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func writeError(w http.ResponseWriter, status int, detail string) {
	h := scim.NewHandler("")
	h.WriteError(w, status, detail, "")
}
