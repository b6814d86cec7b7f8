package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"go.uber.org/zap"
)

// Resolved transactions are left alone for this long before a missing
// notification is considered lost.
const redeliveryDelay = time.Minute

// RetryDue runs a matching pass over PARSED and PENDING_MATCH transactions whose
// retry time has come. Transactions of one tenant are processed sequentially in a
// single task; tenants fan out over exec.
func (s *Service) RetryDue(ctx context.Context, now time.Time, limit int, exec domain.Executor) (domain.BatchResult, error) {
	var result domain.BatchResult
	txns, err := s.repo.ListDue(ctx, s.db, domain.DueFilter{
		Statuses: []domain.TransactionStatus{domain.StatusParsed, domain.StatusPendingMatch},
		DueAt:    now,
		Limit:    limit,
	})
	if err != nil {
		return result, err
	}

	tenants := make([]snowflake.ID, 0)
	groups := make(map[snowflake.ID][]*domain.YapeTransaction)
	for _, txn := range txns {
		if txn == nil {
			continue
		}
		if _, ok := groups[txn.TenantID]; !ok {
			tenants = append(tenants, txn.TenantID)
		}
		groups[txn.TenantID] = append(groups[txn.TenantID], txn)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	merge := func(part domain.BatchResult) {
		mu.Lock()
		result.Processed += part.Processed
		result.Deferred += part.Deferred
		result.Failed += part.Failed
		mu.Unlock()
	}

	for _, tenantID := range tenants {
		batch := groups[tenantID]
		tctx := tenantcontext.WithTenantID(ctx, tenantID)
		task := func() {
			defer wg.Done()
			merge(s.retryTenant(tctx, batch))
		}

		wg.Add(1)
		if exec == nil {
			task()
			continue
		}
		if err := exec.Submit(task); err != nil {
			wg.Done()
			merge(domain.BatchResult{Deferred: len(batch)})
			s.log.Warn("retry task rejected by worker pool",
				zap.String("tenant_id", tenantID.String()),
				zap.Int("transactions", len(batch)),
				zap.Error(err),
			)
		}
	}
	wg.Wait()
	return result, nil
}

func (s *Service) retryTenant(ctx context.Context, batch []*domain.YapeTransaction) domain.BatchResult {
	var part domain.BatchResult
	for i, txn := range batch {
		if ctx.Err() != nil {
			part.Deferred += len(batch) - i
			return part
		}
		_, err := s.runMatching(ctx, txn)
		switch {
		case err == nil:
			part.Processed++
		case errors.Is(err, domain.ErrTenantBusy):
			// Another replica holds the tenant; the rest of the batch would wait on it too.
			part.Deferred += len(batch) - i
			return part
		case errors.Is(err, domain.ErrConcurrentTransition):
			part.Deferred++
		default:
			part.Failed++
			s.log.Warn("matching retry failed",
				zap.String("tenant_id", txn.TenantID.String()),
				zap.String("yape_transaction_id", txn.ID.String()),
				zap.Error(err),
			)
		}
	}
	return part
}

// RedeliverNotifications retries notifier delivery for resolved transactions whose
// last transition was never acknowledged.
func (s *Service) RedeliverNotifications(ctx context.Context, now time.Time, limit int) (domain.BatchResult, error) {
	var result domain.BatchResult
	if s.notifier == nil {
		return result, nil
	}
	txns, err := s.repo.ListUndelivered(ctx, s.db, now.Add(-redeliveryDelay), limit)
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
		if err := s.notifier.OnTransactionResolved(tctx, *txn, txn.StoredDecision()); err != nil {
			result.Failed++
			s.log.Warn("notification redelivery failed",
				zap.String("tenant_id", txn.TenantID.String()),
				zap.String("yape_transaction_id", txn.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if err := s.repo.MarkNotified(tctx, s.db, txn.ID, txn.Status); err != nil {
			result.Failed++
			continue
		}
		result.Processed++
	}
	return result, nil
}
