package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/yapepro/internal/observability/context"
	"go.uber.org/zap"
)

const (
	headerRequestID     = "X-Request-Id"
	headerCorrelationID = "X-Correlation-Id"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware stamps request and correlation ids on the request context and
// writes one http_request line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID(c))
		ctx = obscontext.WithCorrelationID(ctx, c.GetHeader(headerCorrelationID))
		ctx, correlationID := obscontext.EnsureCorrelationID(ctx)
		c.Header(headerCorrelationID, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := strings.TrimSpace(c.FullPath())
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := append(requestFields(c, route, status, start), identityFields(c)...)

		var errorType string
		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			var errorCode string
			errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if cfg.Debug && status >= http.StatusInternalServerError {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		logRequest(FromContext(c.Request.Context()), route, status, errorType, fields)
	}
}

func requestID(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(headerRequestID))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(headerRequestID, id)
	return id
}

func requestFields(c *gin.Context, route string, status int, start time.Time) []zap.Field {
	return []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
		zap.Int("bytes_out", max(c.Writer.Size(), 0)),
	}
}

// identityFields adds what the context logger cannot see: the webhook tenant of
// requests rejected before the tenant was parsed, and the transaction handled.
func identityFields(c *gin.Context) []zap.Field {
	var fields []zap.Field
	if obscontext.TenantIDFromContext(c.Request.Context()) == "" {
		if tenantID := strings.TrimSpace(c.Param("tenant_id")); tenantID != "" {
			fields = append(fields, zap.String("tenant_id", tenantID))
		}
	}
	if txnID := strings.TrimSpace(c.GetString("yape_transaction_id")); txnID != "" {
		fields = append(fields, zap.String("yape_transaction_id", txnID))
	}
	return fields
}

func logRequest(log *zap.Logger, route string, status int, errorType string, fields []zap.Field) {
	if log == nil {
		return
	}

	webhook := strings.HasPrefix(route, "/webhooks/")
	switch {
	case route == "/metrics" || route == "/health":
		log.Debug("http_request", fields...)
	case status >= http.StatusInternalServerError:
		log.Error("http_request", fields...)
	case webhook && (status == http.StatusUnauthorized || status == http.StatusTooManyRequests):
		log.Warn("http_request", fields...)
	case webhook && errorType == "validation_error":
		// Malformed provider retries are noisy and already persisted as PARSE_FAILED.
		log.Debug("http_request", fields...)
	default:
		log.Info("http_request", fields...)
	}
}
