package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/yapepro/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Request and correlation ids
// travel as baggage so downstream workers can join the same notification.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("yapepro/http")
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ids := map[string]string{
			"request_id":     obscontext.RequestIDFromContext(ctx),
			"correlation_id": obscontext.CorrelationIDFromContext(ctx),
		}
		ctx = withBaggage(ctx, ids)
		for key, value := range ids {
			if value != "" {
				span.SetAttributes(attribute.String(key, value))
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		reqCtx := c.Request.Context()
		tenantID := obscontext.TenantIDFromContext(reqCtx)
		if tenantID == "" {
			tenantID = c.Param("tenant_id")
		}
		actorType, actorID := obscontext.ActorFromContext(reqCtx)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.String("tenant_id", tenantID),
			attribute.String("actor_type", actorType),
			attribute.String("actor_id", actorID),
			attribute.String("yape_transaction_id", c.GetString("yape_transaction_id")),
		)...)

		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func withBaggage(ctx context.Context, values map[string]string) context.Context {
	members := make([]baggage.Member, 0, len(values))
	for key, value := range values {
		if value == "" {
			continue
		}
		member, err := baggage.NewMember(key, value)
		if err != nil {
			continue
		}
		members = append(members, member)
	}
	if len(members) == 0 {
		return ctx
	}
	bag, err := baggage.New(members...)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
