// Package scimhub wires the multi-tenant SCIM service together: the store,
// the structured log plane, the tenant guard, the SCIM resource server, the
// admin API, and the request audit writer, all behind one HTTP handler.
package scimhub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/provisor/scimhub/admin"
	"github.com/provisor/scimhub/auth"
	"github.com/provisor/scimhub/config"
	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/reqlog"
	"github.com/provisor/scimhub/scim"
	"github.com/provisor/scimhub/store"
	"github.com/provisor/scimhub/tenant"
)

// shutdownTimeout bounds how long in-flight requests may run once a stop
// signal arrives.
const shutdownTimeout = 10 * time.Second

// Service is one configured scimhub instance.
type Service struct {
	cfg    *config.Config
	store  store.Store
	logger *logging.Logger

	registry  *tenant.Registry
	guard     *tenant.Guard
	scim      *scim.Server
	admin     *admin.API
	reqWriter *reqlog.Writer
	handler   http.Handler
}

// New creates a service over an already opened store and logger. Call
// Initialize before Handler or Start.
func New(cfg *config.Config, st store.Store, logger *logging.Logger) *Service {
	return &Service{cfg: cfg, store: st, logger: logger}
}

// Initialize validates the configuration and builds the handler chain.
func (s *Service) Initialize() error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.registry = tenant.NewRegistry(s.store)
	s.guard = tenant.NewGuard(s.registry, s.store, s.logger)

	if err := s.restoreEndpointLogLevels(context.Background()); err != nil {
		return err
	}

	if s.cfg.RequestLog.Enabled {
		s.reqWriter = reqlog.NewWriter(
			s.store,
			s.logger,
			s.cfg.RequestLog.FlushSize,
			time.Duration(s.cfg.RequestLog.FlushIntervalSeconds)*time.Second,
		)
	}

	prefix := strings.TrimSuffix(s.cfg.Server.Prefix, "/")
	baseURL := strings.TrimSuffix(s.cfg.Server.BaseURL, "/") + prefix
	s.scim = scim.NewServer(s.store, s.logger, baseURL)
	s.admin = admin.NewAPI(s.store, s.logger, s.registry)

	mux := http.NewServeMux()
	s.scim.Register(mux, s.guard.Middleware)
	s.admin.Register(mux, auth.Middleware(s.adminAuthenticator(), func(r *http.Request, typ auth.AuthType) {
		if rc := logging.RequestFromContext(r.Context()); rc != nil {
			rc.AuthType = string(typ)
		}
	}))

	var handler http.Handler = mux
	if prefix != "" {
		outer := http.NewServeMux()
		outer.Handle(prefix+"/", http.StripPrefix(prefix, mux))
		handler = outer
	}
	s.handler = s.requestMiddleware(handler)

	s.logger.Info(context.Background(), logging.CategoryGeneral, "service initialized", map[string]any{
		"listenAddr": s.cfg.Server.ListenAddr,
		"baseURL":    baseURL,
		"requestLog": s.cfg.RequestLog.Enabled,
	})
	return nil
}

// restoreEndpointLogLevels reseeds the logger's per-endpoint overrides
// from persisted endpoint config. Without this a restart on a persistent
// store would silently drop every override until the next admin write.
func (s *Service) restoreEndpointLogLevels(ctx context.Context) error {
	endpoints, err := s.store.ListEndpoints(ctx, nil)
	if err != nil {
		return fmt.Errorf("restore endpoint log levels: %w", err)
	}
	for _, ep := range endpoints {
		flags, err := scim.ParseFlags(ep.Config)
		if err != nil || flags.LogLevel == "" {
			continue
		}
		lvl, err := logging.ParseLevel(flags.LogLevel)
		if err != nil {
			s.logger.Warn(ctx, logging.CategoryEndpoint, "ignoring invalid endpoint logLevel", map[string]any{
				"endpointId": ep.ID,
				"logLevel":   flags.LogLevel,
			})
			continue
		}
		s.logger.Config().SetEndpoint(ep.ID, lvl)
	}
	return nil
}

func (s *Service) adminAuthenticator() auth.Authenticator {
	var authenticators []auth.Authenticator
	if s.cfg.Admin.Token != "" {
		authenticators = append(authenticators, auth.NewStaticTokenAuthenticator(s.cfg.Admin.Token))
	}
	if s.cfg.Admin.JWTSecret != "" {
		authenticators = append(authenticators, auth.NewJWTAuthenticator(s.cfg.Admin.JWTSecret))
	}
	return auth.NewMultiAuthenticator(authenticators...)
}

// Handler returns the fully wired HTTP handler. It fails until Initialize
// has run.
func (s *Service) Handler() (http.Handler, error) {
	if s.handler == nil {
		return nil, fmt.Errorf("service not initialized - call Initialize() first")
	}
	return s.handler, nil
}

// Start serves until ctx is canceled, then shuts down gracefully: the
// listener stops, in-flight requests get shutdownTimeout to finish, and
// the audit writer drains.
func (s *Service) Start(ctx context.Context) error {
	if s.handler == nil {
		if err := s.Initialize(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.handler,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil && tls.Enabled {
			s.logger.Info(ctx, logging.CategoryGeneral, "listening with TLS", map[string]any{"addr": srv.Addr})
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			s.logger.Info(ctx, logging.CategoryGeneral, "listening", map[string]any{"addr": srv.Addr})
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close drains the audit writer. The store is closed by whoever opened it.
func (s *Service) Close() {
	if s.reqWriter != nil {
		s.reqWriter.Close()
		s.reqWriter = nil
	}
}
