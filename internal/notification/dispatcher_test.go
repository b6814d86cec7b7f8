package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/config"
	"github.com/smallbiznis/yapepro/internal/notification/email"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingChannel struct {
	name string
	err  error
	got  []Message
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(ctx context.Context, msg Message) error {
	c.got = append(c.got, msg)
	return c.err
}

type emailMock struct {
	mock.Mock
}

func (m *emailMock) Send(ctx context.Context, to []string, subject, body string) error {
	return m.Called(ctx, to, subject, body).Error(0)
}

func (m *emailMock) SendTemplate(ctx context.Context, to []string, name string, data map[string]any) error {
	return m.Called(ctx, to, name, data).Error(0)
}

func matchedTxn() (domain.YapeTransaction, domain.Decision) {
	amount := int64(4550)
	name := "María"
	orderID := snowflake.ID(99)
	confidence := 0.95
	txn := domain.YapeTransaction{ID: 7, TenantID: 3, AmountCents: &amount, SenderName: &name, Status: domain.StatusMatched}
	return txn, domain.Decision{
		Outcome:    domain.OutcomeMatched,
		OrderID:    &orderID,
		Confidence: &confidence,
		Candidates: []domain.Candidate{{OrderID: orderID, ReferenceCode: "ORD-001", TotalCents: 4550, Score: 0.95}},
	}
}

func TestBuildMessageTexts(t *testing.T) {
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	txn, decision := matchedTxn()

	msg := BuildMessage(txn, decision, at)
	assert.Equal(t, "Nuevo Pago Yape", msg.Title)
	assert.Equal(t, "Pago de María por S/45.50 confirmado para el pedido ORD-001", msg.Body)
	assert.Equal(t, "99", msg.OrderID)
	assert.False(t, msg.NeedsOperator())

	txn.SenderName = nil
	rejected := BuildMessage(txn, domain.Decision{Outcome: domain.OutcomeRejected, Reason: domain.ReasonOrderExpired}, at)
	assert.Equal(t, "Pago de Cliente por S/45.50 rechazado: order expired", rejected.Body)
	assert.True(t, rejected.NeedsOperator())

	review := BuildMessage(txn, domain.Decision{Outcome: domain.OutcomeManualReview, Candidates: make([]domain.Candidate, 2)}, at)
	assert.Contains(t, review.Body, "(2 pedidos candidatos)")
}

func TestDispatcherDeliversToAllChannelsAndJoinsErrors(t *testing.T) {
	ok := &recordingChannel{name: "ok"}
	broken := &recordingChannel{name: "broken", err: errors.New("down")}
	d := NewDispatcher(zap.NewNop(), nil, clock.NewFakeClock(time.Now()), broken, ok)

	txn, decision := matchedTxn()
	err := d.OnTransactionResolved(context.Background(), txn, decision)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: down")
	assert.Len(t, ok.got, 1, "a failing channel must not block the others")
	assert.Len(t, broken.got, 1)
}

func TestAdminEmailOnlyForOperatorEvents(t *testing.T) {
	provider := &emailMock{}
	provider.On("SendTemplate", mock.Anything, []string{"admin@tienda.pe"}, "transaction_review", mock.Anything).Return(nil).Once()

	ch := NewAdminEmailChannel(provider, []string{"admin@tienda.pe"})
	require.NotNil(t, ch)

	txn, decision := matchedTxn()
	require.NoError(t, ch.Deliver(context.Background(), BuildMessage(txn, decision, time.Now())))

	review := domain.Decision{Outcome: domain.OutcomeManualReview, Candidates: decision.Candidates}
	require.NoError(t, ch.Deliver(context.Background(), BuildMessage(txn, review, time.Now())))

	provider.AssertExpectations(t)
}

func TestNewWiresOptionalChannels(t *testing.T) {
	d := New(Params{Config: config.Config{}, Log: zap.NewNop()})
	assert.Equal(t, []string{"log"}, d.Channels())

	cfg := config.Config{Email: config.EmailConfig{ReviewAlerts: []string{"a@b.pe"}}}
	d = New(Params{Config: cfg, Log: zap.NewNop(), Email: &email.NoOpProvider{}})
	assert.Equal(t, []string{"log", "email"}, d.Channels())
}

func TestDecisionFromTransaction(t *testing.T) {
	reason := domain.ReasonMaxAttemptsExceeded
	decision := DecisionFromTransaction(domain.YapeTransaction{Status: domain.StatusRejected, StatusReason: &reason})
	assert.Equal(t, domain.OutcomeRejected, decision.Outcome)
	assert.Equal(t, reason, decision.Reason)
	assert.Equal(t, "yapepro:tenant:3:transactions", CashierTopic("3"))
}
