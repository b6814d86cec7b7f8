package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/order/domain"
	"gorm.io/gorm"
)

const orderColumns = `id, tenant_id, store_id, customer_id, customer_name, reference_code,
	expected_payment_concept, total_cents, currency, paid_status, payment_method,
	payment_window_expires_at, auto_match_enabled, manual_review_required,
	paid_by_transaction_id, paid_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.TenantID,
		order.StoreID,
		order.CustomerID,
		order.CustomerName,
		order.ReferenceCode,
		order.ExpectedPaymentConcept,
		order.TotalCents,
		order.Currency,
		order.PaidStatus,
		order.PaymentMethod,
		order.PaymentWindowExpiresAt,
		order.AutoMatchEnabled,
		order.ManualReviewRequired,
		order.PaidByTransactionID,
		order.PaidAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]*domain.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var orders []*domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? AND id IN ? ORDER BY created_at ASC, id ASC`,
		tenantID,
		ids,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Order, error) {
	var orders []*domain.Order
	stmt := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("tenant_id = ?", filter.TenantID)
	if filter.PaidStatus != "" {
		stmt = stmt.Where("paid_status = ?", filter.PaidStatus)
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
	if err := stmt.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) ListEligible(ctx context.Context, db *gorm.DB, query domain.CandidateQuery) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders
		 WHERE tenant_id = ?
		   AND paid_status = ?
		   AND auto_match_enabled = ?
		   AND total_cents BETWEEN ? AND ?
		   AND payment_window_expires_at >= ?
		   AND created_at >= ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		query.TenantID,
		domain.PaidStatusPending,
		true,
		query.MinCents,
		query.MaxCents,
		query.WindowCutoff,
		query.CreatedAfter,
		limitOrDefault(query.Limit),
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, query domain.CandidateQuery) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders
		 WHERE tenant_id = ?
		   AND paid_status = ?
		   AND auto_match_enabled = ?
		   AND total_cents BETWEEN ? AND ?
		   AND payment_window_expires_at < ?
		   AND created_at >= ?
		 ORDER BY payment_window_expires_at DESC, id ASC
		 LIMIT ?`,
		query.TenantID,
		domain.PaidStatusPending,
		true,
		query.MinCents,
		query.MaxCents,
		query.WindowCutoff,
		query.CreatedAfter,
		limitOrDefault(query.Limit),
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, params domain.MarkPaidParams) (bool, error) {
	sql := `UPDATE orders
		SET paid_status = ?, paid_by_transaction_id = ?, paid_at = ?, updated_at = ?
		WHERE tenant_id = ?
		  AND id = ?
		  AND paid_status = ?
		  AND paid_by_transaction_id IS NULL
		  AND payment_window_expires_at >= ?`
	args := []any{
		domain.PaidStatusPaid,
		params.TransactionID,
		params.PaidAt,
		params.PaidAt,
		params.TenantID,
		params.OrderID,
		domain.PaidStatusPending,
		params.WindowCutoff,
	}
	if params.RequireAutoMatch {
		sql += ` AND auto_match_enabled = ?`
		args = append(args, true)
	}

	res := db.WithContext(ctx).Exec(sql, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
