package notification

import (
	"fmt"
	"strconv"
	"time"

	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/pkg/money"
)

const defaultPayer = "Cliente"

// Message is the channel-neutral form of a resolution event.
type Message struct {
	TenantID      string             `json:"tenant_id"`
	TransactionID string             `json:"transaction_id"`
	Status        string             `json:"status"`
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	Reason        string             `json:"reason,omitempty"`
	OrderID       string             `json:"order_id,omitempty"`
	Amount        string             `json:"amount,omitempty"`
	Payer         string             `json:"payer"`
	Confidence    *float64           `json:"confidence,omitempty"`
	Candidates    []CandidateSummary `json:"candidates,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

type CandidateSummary struct {
	OrderID   string  `json:"order_id"`
	Reference string  `json:"reference"`
	Total     string  `json:"total"`
	Score     float64 `json:"score"`
}

// NeedsOperator reports whether a store admin has to act on the event.
func (m Message) NeedsOperator() bool {
	return m.Status == string(domain.StatusManualReview) || m.Status == string(domain.StatusRejected)
}

func BuildMessage(txn domain.YapeTransaction, decision domain.Decision, at time.Time) Message {
	payer := defaultPayer
	if txn.SenderName != nil && *txn.SenderName != "" {
		payer = *txn.SenderName
	}
	amount := "0.00"
	if txn.AmountCents != nil {
		amount = money.Format(*txn.AmountCents)
	}

	msg := Message{
		TenantID:      txn.TenantID.String(),
		TransactionID: txn.ID.String(),
		Status:        string(decision.Outcome),
		Reason:        decision.Reason,
		Amount:        amount,
		Payer:         payer,
		Confidence:    decision.Confidence,
		OccurredAt:    at.UTC(),
	}
	if decision.OrderID != nil {
		msg.OrderID = decision.OrderID.String()
	}
	for _, c := range decision.Candidates {
		msg.Candidates = append(msg.Candidates, CandidateSummary{
			OrderID:   c.OrderID.String(),
			Reference: c.ReferenceCode,
			Total:     money.Format(c.TotalCents),
			Score:     c.Score,
		})
	}

	switch decision.Outcome {
	case domain.OutcomeMatched:
		msg.Title = "Nuevo Pago Yape"
		msg.Body = fmt.Sprintf("Pago de %s por S/%s confirmado", payer, amount)
		if len(decision.Candidates) > 0 && decision.Candidates[0].ReferenceCode != "" {
			msg.Body += " para el pedido " + decision.Candidates[0].ReferenceCode
		}
	case domain.OutcomeManualReview:
		msg.Title = "Pago Yape por revisar"
		msg.Body = fmt.Sprintf("Pago de %s por S/%s requiere revisión manual (%s pedidos candidatos)",
			payer, amount, strconv.Itoa(len(decision.Candidates)))
	default:
		msg.Title = "Pago Yape no conciliado"
		msg.Body = fmt.Sprintf("Pago de %s por S/%s rechazado: %s", payer, amount, decision.Reason)
	}
	return msg
}

// DecisionFromTransaction rebuilds the decision a stored transaction was resolved with,
// for redelivery after a failed notification.
func DecisionFromTransaction(txn domain.YapeTransaction) domain.Decision {
	return txn.StoredDecision()
}
