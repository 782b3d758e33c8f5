package entity

import "context"

type contextKey int

const (
	userKey contextKey = iota
	parentKey
)

// WithUser attaches the principal responsible for subsequent mutations.
func WithUser(ctx context.Context, user string) context.Context {
	if user == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the principal set by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	user, ok := ctx.Value(userKey).(string)
	return user, ok
}

// WithParent attaches the ID of the operation that caused subsequent mutations,
// such as a service call.
func WithParent(ctx context.Context, parentID string) context.Context {
	if parentID == "" {
		return ctx
	}
	return context.WithValue(ctx, parentKey, parentID)
}

// ParentFromContext returns the ID set by WithParent.
func ParentFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	parent, ok := ctx.Value(parentKey).(string)
	return parent, ok
}
