package backlogmetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var backlogStatuses = []domain.TransactionStatus{
	domain.StatusParsed,
	domain.StatusPendingMatch,
	domain.StatusManualReview,
}

type CollectorParams struct {
	fx.In

	DB    *gorm.DB
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

// Collector snapshots the reconciliation backlog into a private registry.
type Collector struct {
	db       *gorm.DB
	repo     domain.Repository
	clock    clock.Clock
	registry *prometheus.Registry

	transactions *prometheus.GaugeVec
	oldestReview prometheus.Gauge
}

func NewCollector(p CollectorParams) *Collector {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	c := &Collector{
		db:       p.DB,
		repo:     p.Repo,
		clock:    clk,
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yapepro_backlog_transactions",
			Help: "Yape transactions awaiting a final outcome, by tenant and status.",
		}, []string{"tenant_id", "status"}),
		oldestReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yapepro_backlog_oldest_review_age_seconds",
			Help: "Age of the oldest transaction in the manual review queue.",
		}),
	}
	c.registry.MustRegister(c.transactions, c.oldestReview)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Refresh replaces every gauge with the current database state.
func (c *Collector) Refresh(ctx context.Context) error {
	counts, err := c.repo.CountBacklog(ctx, c.db, backlogStatuses)
	if err != nil {
		return err
	}
	oldest, err := c.repo.OldestInStatus(ctx, c.db, domain.StatusManualReview)
	if err != nil {
		return err
	}

	c.transactions.Reset()
	for _, row := range counts {
		c.transactions.WithLabelValues(row.TenantID.String(), string(row.Status)).Set(float64(row.Count))
	}

	age := 0.0
	if oldest != nil {
		age = c.clock.Now().Sub(oldest.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
	}
	c.oldestReview.Set(age)
	return nil
}
