// Package domain holds the sales order model consumed by payment reconciliation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PaidStatus string

const (
	PaidStatusPending  PaidStatus = "PENDING"
	PaidStatusPaid     PaidStatus = "PAID"
	PaidStatusRefunded PaidStatus = "REFUNDED"
	PaidStatusFailed   PaidStatus = "FAILED"
)

type PaymentMethod string

const (
	PaymentMethodYape     PaymentMethod = "YAPE"
	PaymentMethodCash     PaymentMethod = "CASH"
	PaymentMethodCard     PaymentMethod = "CARD"
	PaymentMethodTransfer PaymentMethod = "TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodYape, PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer:
		return true
	}
	return false
}

// Order is a point-of-sale order awaiting (or holding) a payment.
type Order struct {
	ID                     snowflake.ID  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TenantID               snowflake.ID  `gorm:"not null;index:idx_orders_eligible,priority:1" json:"tenant_id"`
	StoreID                snowflake.ID  `gorm:"not null;default:0" json:"store_id"`
	CustomerID             *snowflake.ID `json:"customer_id,omitempty"`
	CustomerName           *string       `gorm:"type:text" json:"customer_name,omitempty"`
	ReferenceCode          string        `gorm:"type:text;not null" json:"reference_code"`
	ExpectedPaymentConcept *string       `gorm:"type:text" json:"expected_payment_concept,omitempty"`
	TotalCents             int64         `gorm:"not null;index:idx_orders_eligible,priority:3" json:"total_cents"`
	Currency               string        `gorm:"type:text;not null;default:PEN" json:"currency"`
	PaidStatus             PaidStatus    `gorm:"type:text;not null;index:idx_orders_eligible,priority:2" json:"paid_status"`
	PaymentMethod          PaymentMethod `gorm:"type:text;not null" json:"payment_method"`
	PaymentWindowExpiresAt time.Time     `gorm:"not null" json:"payment_window_expires_at"`
	AutoMatchEnabled       bool          `gorm:"not null" json:"auto_match_enabled"`
	ManualReviewRequired   bool          `gorm:"not null" json:"manual_review_required"`
	PaidByTransactionID    *snowflake.ID `gorm:"uniqueIndex" json:"paid_by_transaction_id,omitempty"`
	PaidAt                 *time.Time    `json:"paid_at,omitempty"`
	CreatedAt              time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time     `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// WindowOpenAt reports whether the payment window, extended by grace, still covers
// now. Operators may settle an order by hand while it holds, auto-match or not.
func (o Order) WindowOpenAt(now time.Time, grace time.Duration) bool {
	return !now.After(o.PaymentWindowExpiresAt.Add(grace))
}
