package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/yapepro/internal/audit/domain"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/config"
	"github.com/smallbiznis/yapepro/internal/observability/metrics"
	"github.com/smallbiznis/yapepro/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/smallbiznis/yapepro/internal/ratelimit"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/parser"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"github.com/smallbiznis/yapepro/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "yapepro/reconciliation"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	OrderRepo orderdomain.Repository
	Matching  *config.MatchingConfigHolder `optional:"true"`
	Clock     clock.Clock                  `optional:"true"`
	Notifier  domain.Notifier              `optional:"true"`
	Audit     auditdomain.Service          `optional:"true"`
	Metrics   *metrics.Metrics             `optional:"true"`
	Guard     *ratelimit.IngressGuard      `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	orderRepo orderdomain.Repository
	matching  *config.MatchingConfigHolder
	clock     clock.Clock
	notifier  domain.Notifier
	audit     auditdomain.Service
	metrics   *metrics.Metrics
	guard     *ratelimit.IngressGuard
	tracer    trace.Tracer
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("reconciliation.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		orderRepo: p.OrderRepo,
		matching:  p.Matching,
		clock:     clk,
		notifier:  p.Notifier,
		audit:     p.Audit,
		metrics:   p.Metrics,
		guard:     p.Guard,
		tracer:    otel.Tracer(tracerName),
	}
}

// Ingest stores one raw notification, parses it and runs the first matching pass.
// A redelivered provider transaction id returns the stored record untouched.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error) {
	tenantID, err := tenantcontext.ParseTenantID(req.TenantID)
	if err != nil {
		return domain.IngestResult{}, domain.ErrInvalidTenant
	}
	if len(req.Payload) == 0 {
		return domain.IngestResult{}, domain.ErrEmptyPayload
	}
	ctx = tenantcontext.WithTenantID(ctx, tenantID)

	ctx, span := s.tracer.Start(ctx, "reconciliation.ingest",
		trace.WithAttributes(tracing.SafeAttributes(attribute.String("tenant_id", tenantID.String()))...),
	)
	defer span.End()

	if providerID, ok := parser.PeekProviderID(req.Payload); ok {
		existing, err := s.repo.FindByProviderID(ctx, s.db, tenantID, providerID)
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "lookup failed")
			return domain.IngestResult{}, err
		}
		if existing != nil {
			return s.duplicate(ctx, span, *existing), nil
		}
	}

	now := s.clock.Now().UTC()
	txn := parser.Parse(domain.YapeTransaction{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		RawPayload: string(req.Payload),
		ReceivedAt: now,
		NotifiedAt: now,
		Status:     domain.StatusPendingParse,
		CreatedAt:  now,
		UpdatedAt:  now,
	})

	created, err := s.repo.Insert(ctx, s.db, &txn)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "insert failed")
		return domain.IngestResult{}, err
	}
	if !created {
		// Lost a race with a concurrent delivery of the same provider id.
		if txn.ProviderTransactionID == nil {
			return domain.IngestResult{}, domain.ErrConcurrentTransition
		}
		existing, err := s.repo.FindByProviderID(ctx, s.db, tenantID, *txn.ProviderTransactionID)
		if err != nil {
			return domain.IngestResult{}, err
		}
		if existing == nil {
			return domain.IngestResult{}, domain.ErrConcurrentTransition
		}
		return s.duplicate(ctx, span, *existing), nil
	}

	s.metrics.RecordIngested(ctx, tenantID.String())
	span.SetAttributes(
		attribute.String("yape_transaction_id", txn.ID.String()),
		attribute.String("status", string(txn.Status)),
	)

	if txn.Status == domain.StatusParseFailed {
		s.metrics.RecordParseFailure(ctx, tenantID.String())
		s.log.Info("yape notification rejected by parser",
			zap.String("tenant_id", tenantID.String()),
			zap.String("yape_transaction_id", txn.ID.String()),
			zap.Strings("parsing_errors", txn.ParsingErrors),
		)
		s.auditTransition(ctx, txn, "yape_transaction.parse_failed", map[string]any{
			"parsing_errors": []string(txn.ParsingErrors),
		})
		return domain.IngestResult{Transaction: txn}, nil
	}

	decision, err := s.runMatching(ctx, &txn)
	if err != nil {
		// The transaction is stored; the retry job picks it up.
		s.log.Warn("initial matching pass deferred",
			zap.String("tenant_id", tenantID.String()),
			zap.String("yape_transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		return domain.IngestResult{Transaction: txn}, nil
	}
	return domain.IngestResult{Transaction: txn, Decision: &decision}, nil
}

func (s *Service) duplicate(ctx context.Context, span trace.Span, existing domain.YapeTransaction) domain.IngestResult {
	s.metrics.RecordDuplicate(ctx, existing.TenantID.String())
	span.SetAttributes(
		attribute.Bool("duplicate", true),
		attribute.String("yape_transaction_id", existing.ID.String()),
	)
	s.log.Debug("duplicate yape notification ignored",
		zap.String("tenant_id", existing.TenantID.String()),
		zap.String("yape_transaction_id", existing.ID.String()),
	)
	result := domain.IngestResult{Transaction: existing, Duplicate: true}
	if existing.Status.Terminal() || existing.Status == domain.StatusManualReview {
		decision := existing.StoredDecision()
		result.Decision = &decision
	}
	return result
}

// MatchTransaction runs a matching pass on demand. A MATCHED or otherwise terminal
// transaction returns its stored decision.
func (s *Service) MatchTransaction(ctx context.Context, id string) (domain.Decision, error) {
	txn, err := s.GetTransaction(ctx, id)
	if err != nil {
		return domain.Decision{}, err
	}
	return s.runMatching(ctx, &txn)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.YapeTransaction, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.YapeTransaction{}, domain.ErrInvalidTenant
	}
	txnID, err := parseID(id)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	txn, err := s.repo.FindByID(ctx, s.db, tenantID, txnID)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	if txn == nil {
		return domain.YapeTransaction{}, domain.ErrNotFound
	}
	return *txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	var statuses []domain.TransactionStatus
	if raw := strings.ToUpper(strings.TrimSpace(req.Status)); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := domain.ParseStatus(strings.TrimSpace(part))
			if !ok {
				return domain.ListTransactionsResponse{}, domain.ErrInvalidStatus
			}
			statuses = append(statuses, status)
		}
	}
	return s.list(ctx, statuses, req)
}

// ListReviewQueue returns the tenant's MANUAL_REVIEW transactions with their ranked candidates.
func (s *Service) ListReviewQueue(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	return s.list(ctx, []domain.TransactionStatus{domain.StatusManualReview}, req)
}

func (s *Service) list(ctx context.Context, statuses []domain.TransactionStatus, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidTenant
	}

	cursor, err := pagination.DecodeKeyset(strings.TrimSpace(req.PageToken))
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}
	pageSize := pagination.Pagination{PageSize: req.PageSize}.Size()

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		TenantID: tenantID,
		Statuses: statuses,
		Cursor:   cursor,
		Limit:    pageSize,
	})
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(txn *domain.YapeTransaction) string {
		return pagination.EncodeKeyset(txn.ID, txn.CreatedAt)
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	txns := make([]domain.YapeTransaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		txns = append(txns, *item)
	}
	return domain.ListTransactionsResponse{PageInfo: *pageInfo, Transactions: txns}, nil
}

func (s *Service) policy() config.MatchingConfig {
	return s.matching.Get()
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
