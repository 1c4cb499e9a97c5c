package authcore

import "context"

type clientAddrContextKey struct{}
type clientStringContextKey struct{}
type tenantIDContextKey struct{}

// WithClientAddr attaches the caller's network address to ctx. The Engine
// uses it for rate limiting, escalation tracking, fingerprint binding, and
// anomaly detection.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddrContextKey{}, addr)
}

// WithClientString attaches the raw client identification string (typically
// the User-Agent header) to ctx. It feeds fingerprint binding and the parsed
// session metadata.
func WithClientString(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientStringContextKey{}, client)
}

// WithTenantID attaches a tenant identifier to ctx for tenant-scoped
// sessions and tokens. When absent, the default tenant "0" is used.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDContextKey{}, tenantID)
}

func clientAddrFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	addr, _ := ctx.Value(clientAddrContextKey{}).(string)
	return addr
}

func clientStringFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	client, _ := ctx.Value(clientStringContextKey{}).(string)
	return client
}

func tenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return "0"
	}

	tenantID, _ := ctx.Value(tenantIDContextKey{}).(string)
	if tenantID == "" {
		return "0"
	}

	return tenantID
}
