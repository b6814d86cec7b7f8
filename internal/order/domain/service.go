package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/yapepro/pkg/db/pagination"
)

type CreateOrderRequest struct {
	StoreID                string        `json:"store_id"`
	CustomerID             string        `json:"customer_id"`
	CustomerName           string        `json:"customer_name"`
	ReferenceCode          string        `json:"reference_code"`
	ExpectedPaymentConcept string        `json:"expected_payment_concept"`
	Total                  string        `json:"total"`
	PaymentMethod          PaymentMethod `json:"payment_method"`
	PaymentWindowExpiresAt *time.Time    `json:"payment_window_expires_at"`
	PaymentWindowMinutes   int           `json:"payment_window_minutes"`
	AutoMatchEnabled       *bool         `json:"auto_match_enabled"`
	ManualReviewRequired   bool          `json:"manual_review_required"`
}

type ListOrderRequest struct {
	PaidStatus string `form:"paid_status"`
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
}

type ListOrderResponse struct {
	pagination.PageInfo
	Orders []Order `json:"orders"`
}

type Service interface {
	Create(ctx context.Context, req CreateOrderRequest) (Order, error)
	GetByID(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, req ListOrderRequest) (ListOrderResponse, error)
}

const DefaultPaymentWindow = 30 * time.Minute

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidStore         = errors.New("invalid_store")
	ErrInvalidCustomer      = errors.New("invalid_customer")
	ErrInvalidReferenceCode = errors.New("invalid_reference_code")
	ErrInvalidTotal         = errors.New("invalid_total")
	ErrInvalidPaymentMethod = errors.New("invalid_payment_method")
	ErrInvalidPaymentWindow = errors.New("invalid_payment_window")
	ErrInvalidPaidStatus    = errors.New("invalid_paid_status")
	ErrNotFound             = errors.New("not_found")
)
