package logging

import (
	"context"
	"time"
)

// RequestContext is the correlation data bound to one HTTP request. It is
// established by the request-id middleware on entry and reaches every log
// call in the request's call chain through the context.
type RequestContext struct {
	RequestID  string
	Method     string
	Path       string
	EndpointID string
	Start      time.Time
	AuthType   string
	ClientID   string
}

type requestCtxKey struct{}

// WithRequest binds a request context. The pointer is shared down the call
// chain so later middleware (tenant resolution, authentication) can fill in
// EndpointID and ClientID for entries logged after that point.
func WithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, rc)
}

// RequestFromContext returns the bound request context, or nil outside a
// request.
func RequestFromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestCtxKey{}).(*RequestContext)
	return rc
}
