package auth

import (
	"context"
	"errors"
	"strings"
)

// Role is the kind of caller behind a request.
type Role string

const (
	RoleAnonymous Role = ""
	RoleBuyer     Role = "buyer"
	RoleAdmin     Role = "admin"
)

var (
	ErrUnauthenticated         = errors.New("authentication required")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// Actor is the resolved identity of a request. It is passed explicitly into
// every conversation operation; nothing reads it from ambient session state.
type Actor struct {
	Role      Role   `json:"role"`
	ID        int64  `json:"id"`
	SessionID string `json:"-"`
}

// Anonymous is the actor of an unauthenticated request.
var Anonymous = Actor{}

func Buyer(id int64) Actor { return Actor{Role: RoleBuyer, ID: id} }

func Admin(id int64) Actor { return Actor{Role: RoleAdmin, ID: id} }

// ParseRole maps a stored role name back to a Role.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return RoleAnonymous, false
}

func (a Actor) Authenticated() bool {
	return (a.Role == RoleBuyer || a.Role == RoleAdmin) && a.ID > 0
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin && a.ID > 0
}

// RequireAdmin fails for anyone but an authenticated admin.
func (a Actor) RequireAdmin() error {
	if !a.Authenticated() {
		return ErrUnauthenticated
	}
	if !a.IsAdmin() {
		return ErrInsufficientPermissions
	}
	return nil
}

// RequireConversation checks that the actor may act on the conversation
// keyed by buyerID: admins may act on any, buyers only on their own.
func (a Actor) RequireConversation(buyerID int64) error {
	if !a.Authenticated() {
		return ErrUnauthenticated
	}
	if a.IsAdmin() || a.ID == buyerID {
		return nil
	}
	return ErrInsufficientPermissions
}

type contextKey string

const actorContextKey contextKey = "actor"

// WithActor stores the resolved actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext returns the actor stored by WithActor, or Anonymous.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorContextKey).(Actor); ok {
		return actor
	}
	return Anonymous
}
