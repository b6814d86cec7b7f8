package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/config"
	orderdomain "github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/matcher"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	dbutil "github.com/smallbiznis/yapepro/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runMatching executes one matching pass and applies its outcome.
func (s *Service) runMatching(ctx context.Context, txn *domain.YapeTransaction) (domain.Decision, error) {
	switch txn.Status {
	case domain.StatusMatched, domain.StatusRejected, domain.StatusParseFailed:
		return txn.StoredDecision(), nil
	case domain.StatusPendingParse:
		return domain.Decision{}, domain.ErrInvalidStatus
	}
	if txn.AmountCents == nil {
		return domain.Decision{}, domain.ErrInvalidStatus
	}

	ctx, span := s.tracer.Start(ctx, "reconciliation.match", trace.WithAttributes(
		attribute.String("yape_transaction_id", txn.ID.String()),
		attribute.String("status", string(txn.Status)),
	))
	defer span.End()

	release, err := s.lockTenant(ctx, txn.TenantID)
	if err != nil {
		return domain.Decision{}, err
	}
	defer release()

	cfg := s.policy()
	now := s.clock.Now().UTC()

	orders, err := s.orderRepo.ListEligible(ctx, s.db, candidateQuery(*txn, cfg, now))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list eligible orders")
		return domain.Decision{}, err
	}

	decision := matcher.New(cfg).Match(*txn, orders)
	span.SetAttributes(
		attribute.String("outcome", string(decision.Outcome)),
		attribute.Int("candidates", len(orders)),
	)

	switch decision.Outcome {
	case domain.OutcomeMatched:
		return s.applyMatch(ctx, txn, decision, cfg, now)
	case domain.OutcomeManualReview:
		return s.enterReview(ctx, txn, decision, orders, cfg, now)
	default:
		return s.noCandidate(ctx, txn, orders, cfg, now)
	}
}

func candidateQuery(txn domain.YapeTransaction, cfg config.MatchingConfig, now time.Time) orderdomain.CandidateQuery {
	amount := *txn.AmountCents
	return orderdomain.CandidateQuery{
		TenantID:     txn.TenantID,
		MinCents:     amount - cfg.AmountToleranceCents,
		MaxCents:     amount + cfg.AmountToleranceCents,
		CreatedAfter: now.Add(-cfg.CandidateWindow),
		WindowCutoff: now.Add(-cfg.GracePeriod),
	}
}

// lockTenant serializes matching passes of one tenant across replicas. Without
// Redis, or when Redis is unreachable, the conditional updates alone guard the apply.
func (s *Service) lockTenant(ctx context.Context, tenantID snowflake.ID) (func(), error) {
	if s.guard == nil || !s.guard.Enabled() {
		return func() {}, nil
	}
	release, ok, err := s.guard.LockTenant(ctx, tenantID)
	if err != nil {
		s.log.Warn("tenant matching lock unavailable",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return func() {}, nil
	}
	if !ok {
		return nil, domain.ErrTenantBusy
	}
	return release, nil
}

func (s *Service) applyMatch(ctx context.Context, txn *domain.YapeTransaction, decision domain.Decision, cfg config.MatchingConfig, now time.Time) (domain.Decision, error) {
	prev := txn.Status
	orderID := *decision.OrderID

	updated := *txn
	updated.Status = domain.StatusMatched
	updated.StatusReason = nil
	updated.MatchedOrderID = &orderID
	updated.MatchConfidence = decision.Confidence
	updated.ReviewCandidates = decision.Candidates
	updated.LastMatchingAttempt = &now
	updated.NextMatchingAttempt = nil
	updated.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paid, err := s.orderRepo.MarkPaid(ctx, tx, orderdomain.MarkPaidParams{
			TenantID:         txn.TenantID,
			OrderID:          orderID,
			TransactionID:    txn.ID,
			PaidAt:           now,
			WindowCutoff:     now.Add(-cfg.GracePeriod),
			RequireAutoMatch: true,
		})
		if err != nil {
			return err
		}
		if !paid {
			return domain.ErrApplyConflict
		}
		ok, err := s.repo.UpdateState(ctx, tx, &updated, prev)
		if err != nil {
			if dbutil.IsDuplicateKeyErr(err) {
				return domain.ErrApplyConflict
			}
			return err
		}
		if !ok {
			return domain.ErrConcurrentTransition
		}
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrApplyConflict):
		s.metrics.RecordApplyConflict(ctx, txn.TenantID.String())
		s.log.Info("matched order no longer eligible, downgrading to review",
			zap.String("tenant_id", txn.TenantID.String()),
			zap.String("yape_transaction_id", txn.ID.String()),
			zap.String("order_id", orderID.String()),
		)
		return s.downgrade(ctx, txn, orderID, cfg, now)
	case err != nil:
		return domain.Decision{}, err
	}

	*txn = updated
	s.afterTransition(ctx, prev, *txn, decision)
	return decision, nil
}

// downgrade re-reads the candidate set after a lost apply race and parks the
// transaction in review with whatever is still eligible. With nothing left to
// review the transaction is rejected outright.
func (s *Service) downgrade(ctx context.Context, txn *domain.YapeTransaction, lostOrderID snowflake.ID, cfg config.MatchingConfig, now time.Time) (domain.Decision, error) {
	orders, err := s.orderRepo.ListEligible(ctx, s.db, candidateQuery(*txn, cfg, now))
	if err != nil {
		return domain.Decision{}, err
	}
	candidates := matcher.New(cfg).Reviewable(*txn, orders)
	if len(candidates) == 0 {
		lost, err := s.orderRepo.FindByID(ctx, s.db, txn.TenantID, lostOrderID)
		if err != nil {
			return domain.Decision{}, err
		}
		if lost != nil && lost.PaidStatus == orderdomain.PaidStatusPending && !lost.WindowOpenAt(now, cfg.GracePeriod) {
			return s.reject(ctx, txn, domain.ReasonOrderExpired, now)
		}
		return s.reject(ctx, txn, domain.ReasonNoEligibleCandidate, now)
	}

	best := candidates[0].Score
	decision := domain.Decision{
		Outcome:    domain.OutcomeManualReview,
		Candidates: candidates,
		Confidence: &best,
		Reason:     domain.ReasonApplyConflict,
	}
	return s.enterReview(ctx, txn, decision, orders, cfg, now)
}

func (s *Service) enterReview(ctx context.Context, txn *domain.YapeTransaction, decision domain.Decision, orders []*orderdomain.Order, cfg config.MatchingConfig, now time.Time) (domain.Decision, error) {
	prev := txn.Status

	updated := *txn
	updated.Status = domain.StatusManualReview
	updated.StatusReason = stringPtr(decision.Reason)
	updated.MatchedOrderID = nil
	updated.MatchConfidence = decision.Confidence
	updated.ReviewCandidates = decision.Candidates
	updated.LastMatchingAttempt = &now
	updated.NextMatchingAttempt = reviewDeadline(decision.Candidates, orders, cfg.GracePeriod, now)
	updated.UpdatedAt = now

	if err := s.persist(ctx, &updated, prev); err != nil {
		return domain.Decision{}, err
	}
	*txn = updated
	s.afterTransition(ctx, prev, *txn, decision)
	return decision, nil
}

// reviewDeadline is the earliest moment a review candidate stops being payable.
func reviewDeadline(candidates []domain.Candidate, orders []*orderdomain.Order, grace time.Duration, now time.Time) *time.Time {
	expiries := make(map[snowflake.ID]time.Time, len(orders))
	for _, order := range orders {
		if order != nil {
			expiries[order.ID] = order.PaymentWindowExpiresAt.Add(grace)
		}
	}
	var deadline *time.Time
	for _, c := range candidates {
		at, ok := expiries[c.OrderID]
		if !ok {
			continue
		}
		if deadline == nil || at.Before(*deadline) {
			at := at.UTC()
			deadline = &at
		}
	}
	if deadline == nil {
		deadline = &now
	}
	return deadline
}

// noCandidate handles a pass that produced nothing reviewable.
func (s *Service) noCandidate(ctx context.Context, txn *domain.YapeTransaction, eligible []*orderdomain.Order, cfg config.MatchingConfig, now time.Time) (domain.Decision, error) {
	if txn.Status == domain.StatusManualReview {
		expired, err := s.anyCandidateExpired(ctx, *txn, cfg.GracePeriod, now)
		if err != nil {
			return domain.Decision{}, err
		}
		if expired {
			return s.reject(ctx, txn, domain.ReasonOrderExpired, now)
		}
		return s.reject(ctx, txn, domain.ReasonNoEligibleCandidate, now)
	}

	if len(eligible) == 0 {
		expired, err := s.orderRepo.ListExpired(ctx, s.db, candidateQuery(*txn, cfg, now))
		if err != nil {
			return domain.Decision{}, err
		}
		if len(expired) > 0 {
			return s.reject(ctx, txn, domain.ReasonOrderExpired, now)
		}
	}

	attempts := txn.MatchingAttempts + 1
	if cfg.MaxMatchingAttempts > 0 && attempts >= cfg.MaxMatchingAttempts {
		exhausted := *txn
		exhausted.MatchingAttempts = attempts
		exhausted.LastMatchingAttempt = &now
		decision, err := s.reject(ctx, &exhausted, domain.ReasonMaxAttemptsExceeded, now)
		if err != nil {
			return domain.Decision{}, err
		}
		*txn = exhausted
		return decision, nil
	}

	prev := txn.Status
	next := now.Add(retryDelay(cfg, attempts))

	updated := *txn
	updated.Status = domain.StatusPendingMatch
	updated.StatusReason = stringPtr(domain.ReasonMatchingDeferred)
	updated.MatchConfidence = nil
	updated.ReviewCandidates = nil
	updated.MatchingAttempts = attempts
	updated.LastMatchingAttempt = &now
	updated.NextMatchingAttempt = &next
	updated.UpdatedAt = now

	if err := s.persist(ctx, &updated, prev); err != nil {
		return domain.Decision{}, err
	}
	*txn = updated

	decision := domain.Decision{Outcome: domain.OutcomeDeferred, Reason: domain.ReasonMatchingDeferred}
	s.metrics.RecordDecision(ctx, txn.TenantID.String(), string(decision.Outcome), decision.Reason, nil)
	s.log.Debug("matching deferred",
		zap.String("tenant_id", txn.TenantID.String()),
		zap.String("yape_transaction_id", txn.ID.String()),
		zap.Int("matching_attempts", attempts),
		zap.Time("next_matching_attempt", next),
	)
	return decision, nil
}

// retryDelay doubles the base backoff per attempt, capped at MaxRetryBackoff.
func retryDelay(cfg config.MatchingConfig, attempts int) time.Duration {
	delay := cfg.RetryBackoff
	if delay <= 0 {
		delay = time.Minute
	}
	for i := 1; i < attempts; i++ {
		delay *= 2
		if cfg.MaxRetryBackoff > 0 && delay >= cfg.MaxRetryBackoff {
			return cfg.MaxRetryBackoff
		}
	}
	if cfg.MaxRetryBackoff > 0 && delay > cfg.MaxRetryBackoff {
		return cfg.MaxRetryBackoff
	}
	return delay
}

func (s *Service) anyCandidateExpired(ctx context.Context, txn domain.YapeTransaction, grace time.Duration, now time.Time) (bool, error) {
	orders, err := s.candidateOrders(ctx, txn)
	if err != nil {
		return false, err
	}
	for _, order := range orders {
		if order.PaidStatus == orderdomain.PaidStatusPending && !order.WindowOpenAt(now, grace) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) candidateOrders(ctx context.Context, txn domain.YapeTransaction) ([]*orderdomain.Order, error) {
	if len(txn.ReviewCandidates) == 0 {
		return nil, nil
	}
	ids := make([]snowflake.ID, 0, len(txn.ReviewCandidates))
	for _, c := range txn.ReviewCandidates {
		ids = append(ids, c.OrderID)
	}
	return s.orderRepo.FindByIDs(ctx, s.db, txn.TenantID, ids)
}

func (s *Service) reject(ctx context.Context, txn *domain.YapeTransaction, reason string, now time.Time) (domain.Decision, error) {
	return s.rejectAs(ctx, txn, reason, now, auditAction(domain.StatusRejected))
}

func (s *Service) rejectAs(ctx context.Context, txn *domain.YapeTransaction, reason string, now time.Time, action string) (domain.Decision, error) {
	prev := txn.Status

	updated := *txn
	updated.Status = domain.StatusRejected
	updated.StatusReason = stringPtr(reason)
	updated.MatchedOrderID = nil
	updated.MatchConfidence = nil
	updated.NextMatchingAttempt = nil
	updated.UpdatedAt = now

	if err := s.persist(ctx, &updated, prev); err != nil {
		return domain.Decision{}, err
	}
	*txn = updated

	decision := domain.Decision{
		Outcome:    domain.OutcomeRejected,
		Candidates: updated.ReviewCandidates,
		Reason:     reason,
	}
	s.afterTransitionAs(ctx, action, prev, *txn, decision)
	return decision, nil
}

// persist writes txn only if no other writer moved it away from prev.
func (s *Service) persist(ctx context.Context, txn *domain.YapeTransaction, prev domain.TransactionStatus) error {
	ok, err := s.repo.UpdateState(ctx, s.db, txn, prev)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConcurrentTransition
	}
	return nil
}

// afterTransition records the decision and informs the notifier. MANUAL_REVIEW
// is announced on entry only.
func (s *Service) afterTransition(ctx context.Context, prev domain.TransactionStatus, txn domain.YapeTransaction, decision domain.Decision) {
	s.afterTransitionAs(ctx, auditAction(txn.Status), prev, txn, decision)
}

func (s *Service) afterTransitionAs(ctx context.Context, action string, prev domain.TransactionStatus, txn domain.YapeTransaction, decision domain.Decision) {
	tenantID := txn.TenantID.String()
	s.metrics.RecordDecision(ctx, tenantID, string(decision.Outcome), decision.Reason, decision.Confidence)

	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("yape_transaction_id", txn.ID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(txn.Status)),
	}
	if decision.Reason != "" {
		fields = append(fields, zap.String("reason", decision.Reason))
	}
	if txn.MatchedOrderID != nil {
		fields = append(fields, zap.String("order_id", txn.MatchedOrderID.String()))
	}
	s.log.Info("yape transaction transitioned", fields...)

	metadata := map[string]any{
		"from_status": string(prev),
		"to_status":   string(txn.Status),
	}
	if decision.Reason != "" {
		metadata["reason"] = decision.Reason
	}
	if decision.Confidence != nil {
		metadata["confidence"] = *decision.Confidence
	}
	if txn.MatchedOrderID != nil {
		metadata["order_id"] = txn.MatchedOrderID.String()
	}
	if len(decision.Candidates) > 0 {
		metadata["candidate_count"] = len(decision.Candidates)
	}
	s.auditTransition(ctx, txn, action, metadata)

	if txn.Status == domain.StatusManualReview && prev == domain.StatusManualReview {
		return
	}
	s.notify(ctx, txn, decision)
}

func (s *Service) notify(ctx context.Context, txn domain.YapeTransaction, decision domain.Decision) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.OnTransactionResolved(ctx, txn, decision); err != nil {
		s.log.Warn("transaction notification failed, will redeliver",
			zap.String("tenant_id", txn.TenantID.String()),
			zap.String("yape_transaction_id", txn.ID.String()),
			zap.String("status", string(txn.Status)),
			zap.Error(err),
		)
		return
	}
	if err := s.repo.MarkNotified(ctx, s.db, txn.ID, txn.Status); err != nil {
		s.log.Warn("failed to record notification delivery",
			zap.String("yape_transaction_id", txn.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) auditTransition(ctx context.Context, txn domain.YapeTransaction, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	actor := tenantcontext.ActorFromContext(ctx)
	actorID := actor.ID
	targetID := txn.ID.String()
	tenantID := txn.TenantID
	if err := s.audit.AuditLog(ctx, &tenantID, actor.Type, &actorID, action, "yape_transaction", &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("yape_transaction_id", targetID),
			zap.Error(err),
		)
	}
}

func auditAction(status domain.TransactionStatus) string {
	switch status {
	case domain.StatusMatched:
		return "yape_transaction.matched"
	case domain.StatusManualReview:
		return "yape_transaction.manual_review"
	case domain.StatusRejected:
		return "yape_transaction.rejected"
	default:
		return "yape_transaction.updated"
	}
}

func stringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
