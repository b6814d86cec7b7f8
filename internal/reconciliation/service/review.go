package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	dbutil "github.com/smallbiznis/yapepro/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxReasonLength = 255

var errOrderUnavailable = errors.New("order_unavailable")

// ResolveReview lets an operator pick the order a reviewed payment belongs to.
// Eligibility is checked again at apply time; an order whose window closed in the
// meantime rejects the transaction with "order expired" instead of paying it.
func (s *Service) ResolveReview(ctx context.Context, req domain.ResolveReviewRequest) (domain.YapeTransaction, error) {
	txn, err := s.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	if txn.Status != domain.StatusManualReview {
		return domain.YapeTransaction{}, domain.ErrNotInReview
	}
	orderID, err := snowflake.ParseString(strings.TrimSpace(req.OrderID))
	if err != nil || orderID == 0 {
		return domain.YapeTransaction{}, domain.ErrInvalidOrder
	}

	release, err := s.lockTenant(ctx, txn.TenantID)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	defer release()

	cfg := s.policy()
	now := s.clock.Now().UTC()

	order, err := s.orderRepo.FindByID(ctx, s.db, txn.TenantID, orderID)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	if order == nil {
		return domain.YapeTransaction{}, domain.ErrOrderNotFound
	}
	if order.PaidStatus != orderdomain.PaidStatusPending {
		return domain.YapeTransaction{}, domain.ErrOrderAlreadyPaid
	}
	if !order.WindowOpenAt(now, cfg.GracePeriod) {
		if _, err := s.rejectAs(ctx, &txn, domain.ReasonOrderExpired, now, "yape_transaction.review_resolved"); err != nil {
			return domain.YapeTransaction{}, err
		}
		return txn, nil
	}

	decision := domain.Decision{
		Outcome:    domain.OutcomeMatched,
		OrderID:    &orderID,
		Candidates: txn.ReviewCandidates,
		Reason:     domain.ReasonResolvedByOperator,
	}
	for _, c := range txn.ReviewCandidates {
		if c.OrderID == orderID {
			score := c.Score
			decision.Confidence = &score
			break
		}
	}

	prev := txn.Status
	updated := txn
	updated.Status = domain.StatusMatched
	updated.StatusReason = stringPtr(decision.Reason)
	updated.MatchedOrderID = &orderID
	updated.MatchConfidence = decision.Confidence
	updated.NextMatchingAttempt = nil
	updated.UpdatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paid, err := s.orderRepo.MarkPaid(ctx, tx, orderdomain.MarkPaidParams{
			TenantID:      txn.TenantID,
			OrderID:       orderID,
			TransactionID: txn.ID,
			PaidAt:        now,
			WindowCutoff:  now.Add(-cfg.GracePeriod),
		})
		if err != nil {
			return err
		}
		if !paid {
			return errOrderUnavailable
		}
		ok, err := s.repo.UpdateState(ctx, tx, &updated, prev)
		if err != nil {
			if dbutil.IsDuplicateKeyErr(err) {
				return domain.ErrOrderAlreadyPaid
			}
			return err
		}
		if !ok {
			return domain.ErrConcurrentTransition
		}
		return nil
	})
	if errors.Is(err, errOrderUnavailable) {
		return s.explainUnavailable(ctx, txn, orderID, cfg.GracePeriod, now)
	}
	if err != nil {
		return domain.YapeTransaction{}, err
	}

	s.afterTransitionAs(ctx, "yape_transaction.review_resolved", prev, updated, decision)
	return updated, nil
}

// explainUnavailable works out why the conditional payment did not apply.
func (s *Service) explainUnavailable(ctx context.Context, txn domain.YapeTransaction, orderID snowflake.ID, grace time.Duration, now time.Time) (domain.YapeTransaction, error) {
	order, err := s.orderRepo.FindByID(ctx, s.db, txn.TenantID, orderID)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	if order == nil {
		return domain.YapeTransaction{}, domain.ErrOrderNotFound
	}
	if order.PaidStatus == orderdomain.PaidStatusPending && !order.WindowOpenAt(now, grace) {
		if _, err := s.rejectAs(ctx, &txn, domain.ReasonOrderExpired, now, "yape_transaction.review_resolved"); err != nil {
			return domain.YapeTransaction{}, err
		}
		return txn, nil
	}
	return domain.YapeTransaction{}, domain.ErrOrderAlreadyPaid
}

func (s *Service) RejectReview(ctx context.Context, req domain.RejectReviewRequest) (domain.YapeTransaction, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = domain.ReasonRejectedByOperator
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return domain.YapeTransaction{}, domain.ErrInvalidReason
	}

	txn, err := s.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return domain.YapeTransaction{}, err
	}
	if txn.Status != domain.StatusManualReview {
		return domain.YapeTransaction{}, domain.ErrNotInReview
	}

	if _, err := s.rejectAs(ctx, &txn, reason, s.clock.Now().UTC(), "yape_transaction.review_rejected"); err != nil {
		return domain.YapeTransaction{}, err
	}
	return txn, nil
}

// ExpireReviews rechecks due MANUAL_REVIEW transactions. Candidates whose order was
// paid elsewhere or whose window closed are dropped from the snapshot; a review left
// without candidates is rejected.
func (s *Service) ExpireReviews(ctx context.Context, now time.Time, limit int) (domain.BatchResult, error) {
	var result domain.BatchResult
	txns, err := s.repo.ListDue(ctx, s.db, domain.DueFilter{
		Statuses: []domain.TransactionStatus{domain.StatusManualReview},
		DueAt:    now,
		Limit:    limit,
	})
	if err != nil {
		return result, err
	}

	for _, txn := range txns {
		if txn == nil {
			continue
		}
		if ctx.Err() != nil {
			result.Deferred++
			continue
		}
		tctx := tenantcontext.WithTenantID(ctx, txn.TenantID)
		err := s.recheckReview(tctx, txn, now)
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, domain.ErrTenantBusy), errors.Is(err, domain.ErrConcurrentTransition):
			result.Deferred++
		default:
			result.Failed++
			s.log.Warn("review recheck failed",
				zap.String("tenant_id", txn.TenantID.String()),
				zap.String("yape_transaction_id", txn.ID.String()),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (s *Service) recheckReview(ctx context.Context, txn *domain.YapeTransaction, now time.Time) error {
	release, err := s.lockTenant(ctx, txn.TenantID)
	if err != nil {
		return err
	}
	defer release()

	grace := s.policy().GracePeriod
	orders, err := s.candidateOrders(ctx, *txn)
	if err != nil {
		return err
	}

	live := make([]*orderdomain.Order, 0, len(orders))
	expired := false
	for _, order := range orders {
		if order == nil || order.PaidStatus != orderdomain.PaidStatusPending {
			continue
		}
		if !order.WindowOpenAt(now, grace) {
			expired = true
			continue
		}
		live = append(live, order)
	}

	if len(live) == 0 {
		reason := domain.ReasonNoEligibleCandidate
		if expired {
			reason = domain.ReasonOrderExpired
		}
		_, err := s.reject(ctx, txn, reason, now)
		return err
	}

	liveIDs := make(map[snowflake.ID]struct{}, len(live))
	for _, order := range live {
		liveIDs[order.ID] = struct{}{}
	}
	kept := make([]domain.Candidate, 0, len(live))
	for _, c := range txn.ReviewCandidates {
		if _, ok := liveIDs[c.OrderID]; ok {
			kept = append(kept, c)
		}
	}

	updated := *txn
	updated.ReviewCandidates = kept
	best := kept[0].Score
	updated.MatchConfidence = &best
	updated.NextMatchingAttempt = reviewDeadline(kept, live, grace, now)
	updated.UpdatedAt = now
	if err := s.persist(ctx, &updated, domain.StatusManualReview); err != nil {
		return err
	}
	if len(kept) != len(txn.ReviewCandidates) {
		s.log.Info("review candidates pruned",
			zap.String("tenant_id", txn.TenantID.String()),
			zap.String("yape_transaction_id", txn.ID.String()),
			zap.Int("before", len(txn.ReviewCandidates)),
			zap.Int("after", len(kept)),
		)
	}
	*txn = updated
	return nil
}
