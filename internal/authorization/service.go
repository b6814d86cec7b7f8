package authorization

import (
	"context"
	"errors"

	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"go.uber.org/fx"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

// Service decides whether an actor may perform an action on an object within a tenant.
type Service interface {
	Authorize(ctx context.Context, actor tenantcontext.Actor, tenantID string, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
