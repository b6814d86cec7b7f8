// Package domain defines Yape transactions, matching decisions and the contracts
// between the parser, the matcher and the reconciliation ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionStatus string

const (
	StatusPendingParse TransactionStatus = "PENDING_PARSE"
	StatusParsed       TransactionStatus = "PARSED"
	StatusParseFailed  TransactionStatus = "PARSE_FAILED"
	StatusPendingMatch TransactionStatus = "PENDING_MATCH"
	StatusMatched      TransactionStatus = "MATCHED"
	StatusManualReview TransactionStatus = "MANUAL_REVIEW"
	StatusRejected     TransactionStatus = "REJECTED"
)

// Terminal statuses never change again.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusParseFailed, StatusMatched, StatusRejected:
		return true
	}
	return false
}

// Matchable statuses are picked up by a matching pass.
func (s TransactionStatus) Matchable() bool {
	switch s {
	case StatusParsed, StatusPendingMatch, StatusManualReview:
		return true
	}
	return false
}

func ParseStatus(raw string) (TransactionStatus, bool) {
	status := TransactionStatus(raw)
	switch status {
	case StatusPendingParse, StatusParsed, StatusParseFailed, StatusPendingMatch,
		StatusMatched, StatusManualReview, StatusRejected:
		return status, true
	}
	return "", false
}

// YapeTransaction is one inbound Yape payment notification.
type YapeTransaction struct {
	ID                    snowflake.ID                   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TenantID              snowflake.ID                   `gorm:"not null;uniqueIndex:ux_yape_transactions_provider,priority:1;index:idx_yape_transactions_status,priority:1" json:"tenant_id"`
	StoreID               *snowflake.ID                  `json:"store_id,omitempty"`
	RawPayload            string                         `gorm:"type:text;not null" json:"raw_payload"`
	NotifiedAt            time.Time                      `gorm:"not null" json:"notified_at"`
	ReceivedAt            time.Time                      `gorm:"not null" json:"received_at"`
	AmountCents           *int64                         `json:"amount_cents,omitempty"`
	SenderName            *string                        `gorm:"type:text" json:"sender_name,omitempty"`
	SenderPhone           *string                        `gorm:"type:text" json:"sender_phone,omitempty"`
	Concept               *string                        `gorm:"type:text" json:"concept,omitempty"`
	NormalizedConcept     *string                        `gorm:"type:text" json:"-"`
	ProviderTransactionID *string                        `gorm:"type:text;uniqueIndex:ux_yape_transactions_provider,priority:2" json:"provider_transaction_id,omitempty"`
	Status                TransactionStatus              `gorm:"type:text;not null;index:idx_yape_transactions_status,priority:2" json:"status"`
	StatusReason          *string                        `gorm:"type:text" json:"status_reason,omitempty"`
	MatchedOrderID        *snowflake.ID                  `gorm:"uniqueIndex" json:"matched_order_id,omitempty"`
	MatchConfidence       *float64                       `json:"match_confidence,omitempty"`
	ReviewCandidates      datatypes.JSONSlice[Candidate] `json:"review_candidates,omitempty"`
	ParsingErrors         datatypes.JSONSlice[string]    `json:"parsing_errors,omitempty"`
	MatchingAttempts      int                            `gorm:"not null;default:0" json:"matching_attempts"`
	LastMatchingAttempt   *time.Time                     `json:"last_matching_attempt,omitempty"`
	NextMatchingAttempt   *time.Time                     `gorm:"index" json:"next_matching_attempt,omitempty"`
	NotifiedStatus        *TransactionStatus             `gorm:"type:text" json:"-"`
	CreatedAt             time.Time                      `gorm:"not null;index:idx_yape_transactions_status,priority:3" json:"created_at"`
	UpdatedAt             time.Time                      `gorm:"not null" json:"updated_at"`
}

func (YapeTransaction) TableName() string { return "yape_transactions" }

// Anonymous reports whether the payer left no identifying metadata.
func (t YapeTransaction) Anonymous() bool {
	return isBlank(t.SenderName) && isBlank(t.SenderPhone)
}

func (t YapeTransaction) Reason() string {
	if t.StatusReason == nil {
		return ""
	}
	return *t.StatusReason
}

// StoredDecision rebuilds the decision a transaction was last resolved with.
func (t YapeTransaction) StoredDecision() Decision {
	outcome := Outcome(t.Status)
	if t.Status == StatusParseFailed {
		outcome = OutcomeRejected
	}
	return Decision{
		Outcome:    outcome,
		OrderID:    t.MatchedOrderID,
		Confidence: t.MatchConfidence,
		Candidates: t.ReviewCandidates,
		Reason:     t.Reason(),
	}
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}

// Candidate pairs a transaction with one order and the score breakdown that ranked it.
type Candidate struct {
	OrderID        snowflake.ID `json:"order_id"`
	ReferenceCode  string       `json:"reference_code"`
	TotalCents     int64        `json:"total_cents"`
	Score          float64      `json:"score"`
	AmountScore    float64      `json:"amount_score"`
	TextScore      float64      `json:"text_score"`
	RecencyScore   float64      `json:"recency_score"`
	ReviewRequired bool         `json:"review_required,omitempty"`
	OrderCreatedAt time.Time    `json:"order_created_at"`
}

type Outcome string

const (
	OutcomeMatched      Outcome = "MATCHED"
	OutcomeManualReview Outcome = "MANUAL_REVIEW"
	OutcomeRejected     Outcome = "REJECTED"
	// OutcomeDeferred is never produced by the matcher; it reports a pass that
	// left the transaction waiting for a later retry.
	OutcomeDeferred Outcome = "PENDING_MATCH"
)

func (o Outcome) Status() TransactionStatus {
	return TransactionStatus(o)
}

// Decision is the matcher's proposal; only the ledger applies it.
type Decision struct {
	Outcome    Outcome       `json:"outcome"`
	OrderID    *snowflake.ID `json:"order_id,omitempty"`
	Confidence *float64      `json:"confidence,omitempty"`
	Candidates []Candidate   `json:"candidates,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

const (
	ReasonNoEligibleCandidate = "no eligible candidate"
	ReasonMaxAttemptsExceeded = "max attempts exceeded"
	ReasonOrderExpired        = "order expired"
	ReasonAmbiguousCandidates = "ambiguous candidates"
	ReasonBelowAutoThreshold  = "below auto-match threshold"
	ReasonOrderRequiresReview = "order requires manual review"
	ReasonApplyConflict       = "order no longer eligible"
	ReasonMatchingDeferred    = "awaiting eligible orders"
	ReasonParseFailed         = "parse failed"
	ReasonRejectedByOperator  = "rejected by operator"
	ReasonResolvedByOperator  = "resolved by operator"
)
