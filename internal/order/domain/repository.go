package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/pkg/db/pagination"
	"gorm.io/gorm"
)

// CandidateQuery selects open orders whose total falls inside [MinCents, MaxCents].
type CandidateQuery struct {
	TenantID     snowflake.ID
	MinCents     int64
	MaxCents     int64
	CreatedAfter time.Time
	// WindowCutoff is compared against payment_window_expires_at: eligible orders expire
	// at or after it, expired ones strictly before it.
	WindowCutoff time.Time
	Limit        int
}

type MarkPaidParams struct {
	TenantID      snowflake.ID
	OrderID       snowflake.ID
	TransactionID snowflake.ID
	PaidAt        time.Time
	WindowCutoff  time.Time
	// RequireAutoMatch is false for operator resolutions, which may pay orders
	// that opted out of automatic matching.
	RequireAutoMatch bool
}

type ListFilter struct {
	TenantID   snowflake.ID
	PaidStatus PaidStatus
	Cursor     *pagination.Keyset
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Order, error)
	FindByIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]*Order, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Order, error)
	ListEligible(ctx context.Context, db *gorm.DB, query CandidateQuery) ([]*Order, error)
	ListExpired(ctx context.Context, db *gorm.DB, query CandidateQuery) ([]*Order, error)
	// MarkPaid is an atomic conditional update; false means the order was no longer eligible.
	MarkPaid(ctx context.Context, db *gorm.DB, params MarkPaidParams) (bool, error)
}
