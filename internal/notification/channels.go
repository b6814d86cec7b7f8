package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/yapepro/internal/notification/email"
	"go.uber.org/zap"
)

// Channel delivers a message to one audience.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

const cashierChannelPattern = "yapepro:tenant:%s:transactions"

// CashierChannel publishes every event on the tenant's Redis pub/sub channel,
// which point-of-sale terminals subscribe to.
type CashierChannel struct {
	client *redis.Client
}

func NewCashierChannel(client *redis.Client) *CashierChannel {
	if client == nil {
		return nil
	}
	return &CashierChannel{client: client}
}

func CashierTopic(tenantID string) string {
	return fmt.Sprintf(cashierChannelPattern, tenantID)
}

func (c *CashierChannel) Name() string { return "cashier" }

func (c *CashierChannel) Deliver(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, CashierTopic(msg.TenantID), payload).Err()
}

// AdminEmailChannel mails review and rejection events to store admins.
type AdminEmailChannel struct {
	provider   email.Provider
	recipients []string
}

func NewAdminEmailChannel(provider email.Provider, recipients []string) *AdminEmailChannel {
	if provider == nil || len(recipients) == 0 {
		return nil
	}
	return &AdminEmailChannel{provider: provider, recipients: recipients}
}

func (c *AdminEmailChannel) Name() string { return "email" }

func (c *AdminEmailChannel) Deliver(ctx context.Context, msg Message) error {
	if !msg.NeedsOperator() {
		return nil
	}
	candidates := make([]map[string]any, 0, len(msg.Candidates))
	for _, cand := range msg.Candidates {
		candidates = append(candidates, map[string]any{
			"reference": cand.Reference,
			"total":     cand.Total,
			"score":     strconv.FormatFloat(cand.Score, 'f', 2, 64),
		})
	}
	return c.provider.SendTemplate(ctx, c.recipients, "transaction_review", map[string]any{
		"subject":        msg.Title,
		"title":          msg.Title,
		"body":           msg.Body,
		"reason":         msg.Reason,
		"candidates":     candidates,
		"transaction_id": msg.TransactionID,
	})
}

// LogChannel writes every event to the structured log.
type LogChannel struct {
	log *zap.Logger
}

func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(ctx context.Context, msg Message) error {
	c.log.Info("transaction resolved",
		zap.String("tenant_id", msg.TenantID),
		zap.String("yape_transaction_id", msg.TransactionID),
		zap.String("status", msg.Status),
		zap.String("reason", msg.Reason),
		zap.String("order_id", msg.OrderID),
		zap.Int("candidates", len(msg.Candidates)),
	)
	return nil
}
