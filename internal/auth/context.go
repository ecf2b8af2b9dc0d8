// ABOUTME: Tenant identity carried through request contexts
// ABOUTME: Provides WithTenant/TenantFromContext for handlers behind the middleware

package auth

import (
	"context"
)

type tenantContextKey struct{}

// WithTenant returns a new context carrying the authenticated tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext returns the authenticated tenant id, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey{}).(string)
	return tenantID, ok && tenantID != ""
}
