package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/yapepro/pkg/db/pagination"
)

type IngestRequest struct {
	TenantID string
	Payload  []byte
}

type IngestResult struct {
	Transaction YapeTransaction `json:"transaction"`
	Decision    *Decision       `json:"decision,omitempty"`
	Duplicate   bool            `json:"duplicate"`
}

type ListTransactionsRequest struct {
	Status    string `form:"status"`
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []YapeTransaction `json:"transactions"`
}

type ResolveReviewRequest struct {
	TransactionID string `json:"-"`
	OrderID       string `json:"order_id"`
}

type RejectReviewRequest struct {
	TransactionID string `json:"-"`
	Reason        string `json:"reason"`
}

// BatchResult summarizes one scheduler pass.
type BatchResult struct {
	Processed int
	Deferred  int
	Failed    int
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	MatchTransaction(ctx context.Context, id string) (Decision, error)
	GetTransaction(ctx context.Context, id string) (YapeTransaction, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	ListReviewQueue(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	ResolveReview(ctx context.Context, req ResolveReviewRequest) (YapeTransaction, error)
	RejectReview(ctx context.Context, req RejectReviewRequest) (YapeTransaction, error)

	RetryDue(ctx context.Context, now time.Time, limit int, exec Executor) (BatchResult, error)
	ExpireReviews(ctx context.Context, now time.Time, limit int) (BatchResult, error)
	RedeliverNotifications(ctx context.Context, now time.Time, limit int) (BatchResult, error)
}

// Executor runs tasks, possibly concurrently. A nil Executor means inline execution.
type Executor interface {
	Submit(task func()) error
}

// Notifier is told about every MATCHED or REJECTED transition and every MANUAL_REVIEW entry.
type Notifier interface {
	OnTransactionResolved(ctx context.Context, txn YapeTransaction, decision Decision) error
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidReason        = errors.New("invalid_reason")
	ErrEmptyPayload         = errors.New("empty_payload")
	ErrNotFound             = errors.New("not_found")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrNotInReview          = errors.New("transaction_not_in_review")
	ErrOrderAlreadyPaid     = errors.New("order_already_paid")
	ErrApplyConflict        = errors.New("apply_conflict")
	ErrConcurrentTransition = errors.New("concurrent_transition")
	ErrTenantBusy           = errors.New("tenant_busy")
)
