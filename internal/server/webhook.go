package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/yapepro/internal/observability/logger"
	reconciliationdomain "github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"go.uber.org/zap"
)

const defaultWebhookMaxBodyBytes = 64 << 10

// WebhookRateLimit applies the per-tenant token bucket before the body is read.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.guard.Enabled() {
			c.Next()
			return
		}

		tenantID, err := tenantcontext.ParseTenantID(c.Param("tenant_id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		result, err := s.guard.AllowWebhook(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("yape webhook rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.FromContext(ctx).Warn("yape webhook rate limit exceeded",
				zap.String("tenant_id", tenantID.String()),
			)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

// HandleYapeWebhook stores one raw Yape notification and runs the first matching pass.
// Redeliveries of a known notification are acknowledged with the stored outcome.
func (s *Server) HandleYapeWebhook(c *gin.Context) {
	tenantID, err := tenantcontext.ParseTenantID(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payload, err := s.readWebhookBody(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !s.validSignature(c.GetHeader(s.signatureHeader()), payload) {
		logger.FromContext(c.Request.Context()).Warn("yape webhook signature rejected",
			zap.String("tenant_id", tenantID.String()),
		)
		AbortWithError(c, ErrInvalidSignature)
		return
	}

	ctx := tenantcontext.WithTenantID(c.Request.Context(), tenantID)
	ctx = tenantcontext.WithActor(ctx, tenantcontext.Actor{
		Type: tenantcontext.ActorTypeSystem,
		ID:   "yape_webhook",
		Role: tenantcontext.ActorTypeSystem,
	})

	result, err := s.reconciliationSvc.Ingest(ctx, reconciliationdomain.IngestRequest{
		TenantID: tenantID.String(),
		Payload:  payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("yape_transaction_id", result.Transaction.ID.String())
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) readWebhookBody(c *gin.Context) ([]byte, error) {
	limit := s.cfg.Webhook.MaxBodyBytes
	if limit <= 0 {
		limit = defaultWebhookMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrPayloadTooLarge
		}
		return nil, invalidRequestError()
	}
	return body, nil
}

func (s *Server) signatureHeader() string {
	if header := strings.TrimSpace(s.cfg.Webhook.SignatureHeader); header != "" {
		return header
	}
	return "X-Yape-Signature"
}

// validSignature checks a hex HMAC-SHA256 of the raw body, optionally prefixed
// with "sha256=". An empty secret disables verification.
func (s *Server) validSignature(header string, payload []byte) bool {
	secret := s.cfg.Webhook.Secret
	if secret == "" {
		return true
	}
	provided := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if provided == "" {
		return false
	}
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, signPayload(secret, payload))
}

func signPayload(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
