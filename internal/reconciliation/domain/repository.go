package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	TenantID snowflake.ID
	Statuses []TransactionStatus
	Cursor   *pagination.Keyset
	Limit    int
}

// DueFilter selects work for the scheduler across all tenants.
type DueFilter struct {
	Statuses []TransactionStatus
	DueAt    time.Time
	Limit    int
}

// BacklogCount is the number of transactions a tenant holds in one status.
type BacklogCount struct {
	TenantID snowflake.ID
	Status   TransactionStatus
	Count    int64
}

type Repository interface {
	// Insert stores a new transaction and reports false when the
	// (tenant_id, provider_transaction_id) pair already exists.
	Insert(ctx context.Context, db *gorm.DB, txn *YapeTransaction) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*YapeTransaction, error)
	FindByProviderID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, providerID string) (*YapeTransaction, error)
	// UpdateState persists the mutable state of txn if its stored status still equals expected.
	UpdateState(ctx context.Context, db *gorm.DB, txn *YapeTransaction, expected TransactionStatus) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*YapeTransaction, error)
	ListDue(ctx context.Context, db *gorm.DB, filter DueFilter) ([]*YapeTransaction, error)
	ListUndelivered(ctx context.Context, db *gorm.DB, settledBefore time.Time, limit int) ([]*YapeTransaction, error)
	MarkNotified(ctx context.Context, db *gorm.DB, id snowflake.ID, status TransactionStatus) error
	CountBacklog(ctx context.Context, db *gorm.DB, statuses []TransactionStatus) ([]BacklogCount, error)
	// OldestInStatus returns the earliest created transaction in status, or nil.
	OldestInStatus(ctx context.Context, db *gorm.DB, status TransactionStatus) (*YapeTransaction, error)
}
