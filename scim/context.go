package scim

import (
	"context"

	"github.com/provisor/scimhub/store"
)

type contextKey int

const (
	endpointKey contextKey = iota
	flagsKey
)

// WithEndpoint stashes the resolved endpoint and its parsed flags for
// the handlers downstream of tenant authentication.
func WithEndpoint(ctx context.Context, ep *store.Endpoint, flags Flags) context.Context {
	ctx = context.WithValue(ctx, endpointKey, ep)
	return context.WithValue(ctx, flagsKey, flags)
}

// EndpointFromContext returns the endpoint resolved for this request,
// or nil when the request never passed tenant authentication.
func EndpointFromContext(ctx context.Context) *store.Endpoint {
	ep, _ := ctx.Value(endpointKey).(*store.Endpoint)
	return ep
}

// FlagsFromContext returns the endpoint flags for this request. The zero
// value applies when no endpoint is attached.
func FlagsFromContext(ctx context.Context) Flags {
	f, _ := ctx.Value(flagsKey).(Flags)
	return f
}
