package tenantcontext

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var ErrInvalidTenantID = errors.New("invalid_tenant_id")

type tenantKey struct{}

type actorKey struct{}

// Actor is the operator (or system process) acting on behalf of a tenant.
type Actor struct {
	Type string
	ID   string
	Role string
}

const (
	ActorTypeSystem = "system"
	ActorTypeUser   = "user"
)

// WithTenantID stores the tenant ID in the context.
func WithTenantID(ctx context.Context, tenantID snowflake.ID) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantIDFromContext returns the tenant ID from context, if set.
func TenantIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(tenantKey{}).(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	case string:
		parsed, err := ParseTenantID(typed)
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// ParseTenantID parses a snowflake tenant identifier from a header or path value.
func ParseTenantID(raw string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || parsed <= 0 {
		return 0, ErrInvalidTenantID
	}
	return parsed, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.Type = strings.TrimSpace(actor.Type)
	actor.ID = strings.TrimSpace(actor.ID)
	actor.Role = strings.ToLower(strings.TrimSpace(actor.Role))
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting operator, defaulting to the system actor.
func ActorFromContext(ctx context.Context) Actor {
	if ctx != nil {
		if actor, ok := ctx.Value(actorKey{}).(Actor); ok && actor.Type != "" {
			return actor
		}
	}
	return Actor{Type: ActorTypeSystem, ID: "system", Role: "system"}
}
