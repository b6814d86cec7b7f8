// Package notification fans reconciliation outcomes out to cashiers, store
// admins and the log.
package notification

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/config"
	"github.com/smallbiznis/yapepro/internal/notification/email"
	"github.com/smallbiznis/yapepro/internal/observability/metrics"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Redis   *redis.Client    `optional:"true"`
	Email   email.Provider   `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Clock   clock.Clock      `optional:"true"`
}

type Dispatcher struct {
	channels []Channel
	log      *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
}

func New(p Params) *Dispatcher {
	log := p.Log.Named("notification")
	channels := []Channel{NewLogChannel(log)}
	if cashier := NewCashierChannel(p.Redis); cashier != nil {
		channels = append(channels, cashier)
	}
	if admin := NewAdminEmailChannel(p.Email, p.Config.Email.ReviewAlerts); admin != nil {
		channels = append(channels, admin)
	}
	return NewDispatcher(log, p.Metrics, p.Clock, channels...)
}

func NewDispatcher(log *zap.Logger, m *metrics.Metrics, clk clock.Clock, channels ...Channel) *Dispatcher {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Dispatcher{channels: channels, log: log, metrics: m, clock: clk}
}

// OnTransactionResolved delivers to every channel. A failing channel does not stop the
// others; the joined error tells the caller to keep the event pending for redelivery.
func (d *Dispatcher) OnTransactionResolved(ctx context.Context, txn domain.YapeTransaction, decision domain.Decision) error {
	msg := BuildMessage(txn, decision, d.clock.Now())

	var errs []error
	for _, ch := range d.channels {
		err := ch.Deliver(ctx, msg)
		d.metrics.RecordNotification(ctx, ch.Name(), err)
		if err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("yape_transaction_id", msg.TransactionID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}
