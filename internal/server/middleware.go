package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/yapepro/internal/observability/context"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
)

const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// TenantContext resolves the tenant and operator asserted by the upstream gateway.
func (s *Server) TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawTenant := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if rawTenant == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		tenantID, err := tenantcontext.ParseTenantID(rawTenant)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		actor := tenantcontext.Actor{
			Type: tenantcontext.ActorTypeUser,
			ID:   actorID,
			Role: c.GetHeader(HeaderActorRole),
		}

		ctx := tenantcontext.WithTenantID(c.Request.Context(), tenantID)
		ctx = tenantcontext.WithActor(ctx, actor)
		ctx = obscontext.WithTenantID(ctx, tenantID.String())
		ctx = obscontext.WithActor(ctx, actor.Type, actor.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(ctx, tenantcontext.ActorFromContext(ctx), tenantID.String(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
