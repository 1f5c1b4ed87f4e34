package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/auth"
)

type contextKey string

// Request context keys populated by Auth.
const (
	ContextKeyTenantID contextKey = "tenant_id"
	ContextKeyUserID   contextKey = "user_id"
	ContextKeyUserRole contextKey = "role"
)

// WithIdentity stores an authenticated identity in ctx.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	ctx = context.WithValue(ctx, ContextKeyTenantID, id.TenantID)
	ctx = context.WithValue(ctx, ContextKeyUserID, id.UserID)
	ctx = context.WithValue(ctx, ContextKeyUserRole, id.Role)
	return ctx
}

// IdentityFromContext rebuilds the identity stored by WithIdentity. ok is
// false when no tenant is present.
func IdentityFromContext(ctx context.Context) (id auth.Identity, ok bool) {
	id.TenantID, ok = TenantIDFromContext(ctx)
	if !ok || id.TenantID == uuid.Nil {
		return auth.Identity{}, false
	}
	id.UserID, _ = UserIDFromContext(ctx)
	id.Role, _ = RoleFromContext(ctx)
	return id, true
}

func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyTenantID).(uuid.UUID)
	return v, ok
}

// UserIDFromContext returns the acting user. Service tokens carry uuid.Nil.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyUserID).(uuid.UUID)
	return v, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyUserRole).(string)
	return v, ok
}
