package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const transactionColumns = `id, tenant_id, store_id, raw_payload, notified_at, received_at,
	amount_cents, sender_name, sender_phone, concept, normalized_concept,
	provider_transaction_id, status, status_reason, matched_order_id, match_confidence,
	review_candidates, parsing_errors, matching_attempts, last_matching_attempt,
	next_matching_attempt, notified_status, created_at, updated_at`

var notifiableStatuses = []domain.TransactionStatus{
	domain.StatusMatched,
	domain.StatusManualReview,
	domain.StatusRejected,
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *domain.YapeTransaction) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider_transaction_id"}},
			DoNothing: true,
		}).
		Create(txn)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.YapeTransaction, error) {
	var txn domain.YapeTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM yape_transactions WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerID string) (*domain.YapeTransaction, error) {
	var txn domain.YapeTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM yape_transactions
		 WHERE tenant_id = ? AND provider_transaction_id = ?`,
		tenantID,
		providerID,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, txn *domain.YapeTransaction, expected domain.TransactionStatus) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE yape_transactions
		 SET status = ?, status_reason = ?, matched_order_id = ?, match_confidence = ?,
		     review_candidates = ?, matching_attempts = ?, last_matching_attempt = ?,
		     next_matching_attempt = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		txn.Status,
		txn.StatusReason,
		txn.MatchedOrderID,
		txn.MatchConfidence,
		txn.ReviewCandidates,
		txn.MatchingAttempts,
		txn.LastMatchingAttempt,
		txn.NextMatchingAttempt,
		txn.UpdatedAt,
		txn.TenantID,
		txn.ID,
		expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.YapeTransaction, error) {
	var txns []*domain.YapeTransaction
	stmt := db.WithContext(ctx).
		Model(&domain.YapeTransaction{}).
		Where("tenant_id = ?", filter.TenantID)
	if len(filter.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", filter.Statuses)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, filter domain.DueFilter) ([]*domain.YapeTransaction, error) {
	var txns []*domain.YapeTransaction
	stmt := db.WithContext(ctx).
		Model(&domain.YapeTransaction{}).
		Where("status IN ?", filter.Statuses).
		Where("(next_matching_attempt IS NULL OR next_matching_attempt <= ?)", filter.DueAt).
		Order("created_at asc, id asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if err := stmt.Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) ListUndelivered(ctx context.Context, db *gorm.DB, settledBefore time.Time, limit int) ([]*domain.YapeTransaction, error) {
	var txns []*domain.YapeTransaction
	stmt := db.WithContext(ctx).
		Model(&domain.YapeTransaction{}).
		Where("status IN ?", notifiableStatuses).
		Where("(notified_status IS NULL OR notified_status <> status)").
		Where("updated_at <= ?", settledBefore).
		Order("updated_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) MarkNotified(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.TransactionStatus) error {
	return db.WithContext(ctx).Exec(
		`UPDATE yape_transactions SET notified_status = ? WHERE id = ? AND status = ?`,
		status,
		id,
		status,
	).Error
}

func (r *repo) CountBacklog(ctx context.Context, db *gorm.DB, statuses []domain.TransactionStatus) ([]domain.BacklogCount, error) {
	var rows []domain.BacklogCount
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, status, COUNT(*) AS count
		FROM yape_transactions
		WHERE status IN ?
		GROUP BY tenant_id, status
		ORDER BY tenant_id, status`,
		statuses,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) OldestInStatus(ctx context.Context, db *gorm.DB, status domain.TransactionStatus) (*domain.YapeTransaction, error) {
	var txns []*domain.YapeTransaction
	err := db.WithContext(ctx).
		Model(&domain.YapeTransaction{}).
		Where("status = ?", status).
		Order("created_at asc, id asc").
		Limit(1).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return txns[0], nil
}
