package auth

import (
	"context"
)

type ctxKey string

const (
	adminKey ctxKey = "adminContext"
)

// AdminContext is what a gated handler learns about its caller. Role and
// Permissions are the admin's current values, not the token snapshot.
type AdminContext struct {
	AdminID     string
	AuthUserID  string
	Email       string
	Role        Role
	Permissions []Grant
	SessionID   string
}

// Access rebuilds the policy view of the caller.
func (c AdminContext) Access() Access {
	return Access{Role: c.Role, Grants: c.Permissions}
}

func WithAdmin(ctx context.Context, c AdminContext) context.Context {
	return context.WithValue(ctx, adminKey, c)
}

func FromContext(ctx context.Context) (AdminContext, bool) {
	v, ok := ctx.Value(adminKey).(AdminContext)
	return v, ok
}

// AdminID returns the caller's admin id, or "" outside a gated route.
func AdminID(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.AdminID
}
