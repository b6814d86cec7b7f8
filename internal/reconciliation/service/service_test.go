package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/yapepro/internal/audit/domain"
	auditrepository "github.com/smallbiznis/yapepro/internal/audit/repository"
	auditservice "github.com/smallbiznis/yapepro/internal/audit/service"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/config"
	orderdomain "github.com/smallbiznis/yapepro/internal/order/domain"
	orderrepository "github.com/smallbiznis/yapepro/internal/order/repository"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/repository"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tenantID = snowflake.ID(77)
)

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) OnTransactionResolved(ctx context.Context, txn domain.YapeTransaction, decision domain.Decision) error {
	return m.Called(ctx, txn, decision).Error(0)
}

// conflictingOrders makes the next MarkPaid calls lose their race.
type conflictingOrders struct {
	orderdomain.Repository
	conflicts      int
	beforeConflict func()
}

func (c *conflictingOrders) MarkPaid(ctx context.Context, db *gorm.DB, params orderdomain.MarkPaidParams) (bool, error) {
	if c.conflicts > 0 {
		c.conflicts--
		if c.beforeConflict != nil {
			c.beforeConflict()
		}
		return false, nil
	}
	return c.Repository.MarkPaid(ctx, db, params)
}

// racingOrders holds the first two candidate reads until both have happened, so
// two matching passes pick the same order before either applies it.
type racingOrders struct {
	orderdomain.Repository
	mu    sync.Mutex
	reads int
	ready chan struct{}
}

func newRacingOrders() *racingOrders {
	return &racingOrders{Repository: orderrepository.Provide(), ready: make(chan struct{})}
}

func (r *racingOrders) ListEligible(ctx context.Context, db *gorm.DB, query orderdomain.CandidateQuery) ([]*orderdomain.Order, error) {
	orders, err := r.Repository.ListEligible(ctx, db, query)

	r.mu.Lock()
	r.reads++
	reads := r.reads
	if reads == 2 {
		close(r.ready)
	}
	r.mu.Unlock()

	if reads <= 2 {
		select {
		case <-r.ready:
		case <-time.After(5 * time.Second):
		}
	}
	return orders, err
}

type countingExecutor struct {
	calls int
	err   error
}

func (e *countingExecutor) Submit(task func()) error {
	e.calls++
	if e.err != nil {
		return e.err
	}
	task()
	return nil
}

type harness struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	svc      domain.Service
	repo     domain.Repository
	orders   orderdomain.Repository
	audit    auditdomain.Service
	notifier *notifierMock
	ctx      context.Context
}

type harnessOption func(*Params)

func withMatching(cfg config.MatchingConfig) harnessOption {
	return func(p *Params) { p.Matching = config.NewStaticMatchingConfigHolder(cfg) }
}

func withOrderRepo(repo orderdomain.Repository) harnessOption {
	return func(p *Params) { p.OrderRepo = repo }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+ulid.Make().String()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&orderdomain.Order{}, &domain.YapeTransaction{}, &auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{
		db:       db,
		node:     node,
		clock:    clock.NewFakeClock(baseTime),
		repo:     repository.Provide(),
		orders:   orderrepository.Provide(),
		notifier: &notifierMock{},
		ctx:      tenantcontext.WithTenantID(context.Background(), tenantID),
	}
	h.audit = auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: h.clock,
	})

	params := Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      h.repo,
		OrderRepo: h.orders,
		Clock:     h.clock,
		Notifier:  h.notifier,
		Audit:     h.audit,
	}
	for _, opt := range opts {
		opt(&params)
	}
	h.svc = New(params)
	return h
}

func (h *harness) expectNotifications(err error) {
	h.notifier.On("OnTransactionResolved", mock.Anything, mock.Anything, mock.Anything).Return(err)
}

func (h *harness) addOrder(t *testing.T, reference string, cents int64, customer string, expiresIn time.Duration) *orderdomain.Order {
	t.Helper()
	now := h.clock.Now()
	order := &orderdomain.Order{
		ID:                     h.node.Generate(),
		TenantID:               tenantID,
		ReferenceCode:          reference,
		TotalCents:             cents,
		Currency:               "PEN",
		PaidStatus:             orderdomain.PaidStatusPending,
		PaymentMethod:          orderdomain.PaymentMethodYape,
		PaymentWindowExpiresAt: now.Add(expiresIn),
		AutoMatchEnabled:       true,
		CreatedAt:              now.Add(-time.Hour),
		UpdatedAt:              now.Add(-time.Hour),
	}
	if customer != "" {
		order.CustomerName = &customer
	}
	require.NoError(t, h.orders.Insert(context.Background(), h.db, order))
	return order
}

func (h *harness) order(t *testing.T, id snowflake.ID) *orderdomain.Order {
	t.Helper()
	order, err := h.orders.FindByID(context.Background(), h.db, tenantID, id)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order
}

func (h *harness) ingest(t *testing.T, payload string) domain.IngestResult {
	t.Helper()
	result, err := h.svc.Ingest(context.Background(), domain.IngestRequest{
		TenantID: tenantID.String(),
		Payload:  []byte(payload),
	})
	require.NoError(t, err)
	return result
}

func (h *harness) reload(t *testing.T, id snowflake.ID) domain.YapeTransaction {
	t.Helper()
	txn, err := h.svc.GetTransaction(h.ctx, id.String())
	require.NoError(t, err)
	return txn
}

func yapePayload(providerID, amount, sender, concept string) string {
	return fmt.Sprintf(`{"transaction_id":%q,"amount":%q,"timestamp":"2026-05-04T12:00:00Z","currency":"PEN","sender":{"name":%q,"phone":"987654321"},"concept":%q}`,
		providerID, amount, sender, concept)
}

func TestIngestAutoMatchesSingleOrder(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	order := h.addOrder(t, "ORD-001", 4550, "María Pérez", 20*time.Minute)

	result := h.ingest(t, yapePayload("yp-1", "45.50", "Maria Perez", "ORD-001"))

	require.NotNil(t, result.Decision)
	assert.False(t, result.Duplicate)
	assert.Equal(t, domain.OutcomeMatched, result.Decision.Outcome)
	require.NotNil(t, result.Decision.OrderID)
	assert.Equal(t, order.ID, *result.Decision.OrderID)
	require.NotNil(t, result.Decision.Confidence)
	assert.InDelta(t, 1.0, *result.Decision.Confidence, 1e-9)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusMatched, txn.Status)
	require.NotNil(t, txn.MatchedOrderID)
	assert.Equal(t, order.ID, *txn.MatchedOrderID)
	require.NotNil(t, txn.NotifiedStatus)
	assert.Equal(t, domain.StatusMatched, *txn.NotifiedStatus)

	paid := h.order(t, order.ID)
	assert.Equal(t, orderdomain.PaidStatusPaid, paid.PaidStatus)
	require.NotNil(t, paid.PaidByTransactionID)
	assert.Equal(t, txn.ID, *paid.PaidByTransactionID)

	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)

	logs, err := h.audit.List(h.ctx, auditdomain.ListAuditLogRequest{Action: "yape_transaction.matched"})
	require.NoError(t, err)
	require.Len(t, logs.AuditLogs, 1)
	assert.Equal(t, "system", logs.AuditLogs[0].ActorType)
}

func TestIngestAmbiguousOrdersGoToReview(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	first := h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	second := h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)

	result := h.ingest(t, yapePayload("yp-2", "45.50", "Juan Perez", ""))

	require.NotNil(t, result.Decision)
	assert.Equal(t, domain.OutcomeManualReview, result.Decision.Outcome)
	assert.Equal(t, domain.ReasonAmbiguousCandidates, result.Decision.Reason)
	require.Len(t, result.Decision.Candidates, 2)
	assert.ElementsMatch(t,
		[]snowflake.ID{first.ID, second.ID},
		[]snowflake.ID{result.Decision.Candidates[0].OrderID, result.Decision.Candidates[1].OrderID},
	)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusManualReview, txn.Status)
	assert.Len(t, txn.ReviewCandidates, 2)
	assert.Zero(t, txn.MatchingAttempts)
	require.NotNil(t, txn.NextMatchingAttempt)
	assert.True(t, txn.NextMatchingAttempt.Equal(baseTime.Add(35*time.Minute)))

	assert.Equal(t, orderdomain.PaidStatusPending, h.order(t, first.ID).PaidStatus)
	assert.Equal(t, orderdomain.PaidStatusPending, h.order(t, second.ID).PaidStatus)

	// Recomputing a review keeps it in review without announcing it again.
	decision, err := h.svc.MatchTransaction(h.ctx, txn.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeManualReview, decision.Outcome)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)

	queue, err := h.svc.ListReviewQueue(h.ctx, domain.ListTransactionsRequest{})
	require.NoError(t, err)
	require.Len(t, queue.Transactions, 1)
	assert.Equal(t, txn.ID, queue.Transactions[0].ID)
}

func TestIngestWithoutOrdersDefersMatching(t *testing.T) {
	h := newHarness(t)

	result := h.ingest(t, yapePayload("yp-3", "12.00", "Ana", "almuerzo"))

	require.NotNil(t, result.Decision)
	assert.Equal(t, domain.OutcomeDeferred, result.Decision.Outcome)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusPendingMatch, txn.Status)
	assert.Equal(t, domain.ReasonMatchingDeferred, txn.Reason())
	assert.Equal(t, 1, txn.MatchingAttempts)
	require.NotNil(t, txn.NextMatchingAttempt)
	assert.True(t, txn.NextMatchingAttempt.Equal(baseTime.Add(time.Minute)))
	h.notifier.AssertNotCalled(t, "OnTransactionResolved", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestAfterWindowRejectsOrderExpired(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	order := h.addOrder(t, "ORD-200", 4550, "Maria Perez", -time.Hour)

	result := h.ingest(t, yapePayload("yp-4", "45.50", "Maria Perez", "ORD-200"))

	require.NotNil(t, result.Decision)
	assert.Equal(t, domain.OutcomeRejected, result.Decision.Outcome)
	assert.Equal(t, domain.ReasonOrderExpired, result.Decision.Reason)
	assert.Equal(t, domain.StatusRejected, h.reload(t, result.Transaction.ID).Status)
	assert.Equal(t, orderdomain.PaidStatusPending, h.order(t, order.ID).PaidStatus)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)
}

func TestIngestDuplicateReturnsStoredTransaction(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	h.addOrder(t, "ORD-001", 4550, "Maria Perez", 20*time.Minute)
	payload := yapePayload("yp-5", "45.50", "Maria Perez", "ORD-001")

	first := h.ingest(t, payload)
	second := h.ingest(t, payload)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, domain.StatusMatched, second.Transaction.Status)
	require.NotNil(t, second.Decision)
	assert.Equal(t, domain.OutcomeMatched, second.Decision.Outcome)

	var count int64
	require.NoError(t, h.db.Model(&domain.YapeTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)
}

func TestIngestParseFailure(t *testing.T) {
	h := newHarness(t)

	result := h.ingest(t, `{"amount":"abc"}`)

	assert.Nil(t, result.Decision)
	assert.Equal(t, domain.StatusParseFailed, result.Transaction.Status)
	assert.NotEmpty(t, result.Transaction.ParsingErrors)
	assert.Equal(t, `{"amount":"abc"}`, result.Transaction.RawPayload)
	h.notifier.AssertNotCalled(t, "OnTransactionResolved", mock.Anything, mock.Anything, mock.Anything)

	logs, err := h.audit.List(h.ctx, auditdomain.ListAuditLogRequest{Action: "yape_transaction.parse_failed"})
	require.NoError(t, err)
	assert.Len(t, logs.AuditLogs, 1)
}

func TestIngestValidatesRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Ingest(context.Background(), domain.IngestRequest{TenantID: "abc", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)

	_, err = h.svc.Ingest(context.Background(), domain.IngestRequest{TenantID: tenantID.String()})
	assert.ErrorIs(t, err, domain.ErrEmptyPayload)
}

func TestMatchTransactionIsIdempotentOnceMatched(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	order := h.addOrder(t, "ORD-001", 4550, "Maria Perez", 20*time.Minute)
	result := h.ingest(t, yapePayload("yp-6", "45.50", "Maria Perez", "ORD-001"))

	h.clock.Advance(time.Hour)
	decision, err := h.svc.MatchTransaction(h.ctx, result.Transaction.ID.String())
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeMatched, decision.Outcome)
	require.NotNil(t, decision.OrderID)
	assert.Equal(t, order.ID, *decision.OrderID)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)
}

func TestApplyConflictDowngradesToReview(t *testing.T) {
	orders := &conflictingOrders{Repository: orderrepository.Provide(), conflicts: 1}
	h := newHarness(t, withOrderRepo(orders))
	h.orders = orders
	h.expectNotifications(nil)
	order := h.addOrder(t, "ORD-001", 4550, "Maria Perez", 20*time.Minute)

	result := h.ingest(t, yapePayload("yp-7", "45.50", "Maria Perez", "ORD-001"))

	require.NotNil(t, result.Decision)
	assert.Equal(t, domain.OutcomeManualReview, result.Decision.Outcome)
	assert.Equal(t, domain.ReasonApplyConflict, result.Decision.Reason)
	require.Len(t, result.Decision.Candidates, 1)
	assert.Equal(t, order.ID, result.Decision.Candidates[0].OrderID)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusManualReview, txn.Status)
	assert.Nil(t, txn.MatchedOrderID)
	assert.Equal(t, orderdomain.PaidStatusPending, h.order(t, order.ID).PaidStatus)

	resolved, err := h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{
		TransactionID: txn.ID.String(),
		OrderID:       order.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, resolved.Status)
	assert.Equal(t, domain.ReasonResolvedByOperator, resolved.Reason())
	require.NotNil(t, resolved.MatchConfidence)
	assert.InDelta(t, 1.0, *resolved.MatchConfidence, 1e-9)
	assert.Equal(t, orderdomain.PaidStatusPaid, h.order(t, order.ID).PaidStatus)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 2)
}

func TestResolveReviewRejectsExpiredOrder(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	first := h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)
	result := h.ingest(t, yapePayload("yp-8", "45.50", "Juan Perez", ""))
	require.Equal(t, domain.StatusManualReview, result.Transaction.Status)

	h.clock.Advance(40 * time.Minute)
	txn, err := h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{
		TransactionID: result.Transaction.ID.String(),
		OrderID:       first.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, domain.ReasonOrderExpired, txn.Reason())
	assert.Equal(t, orderdomain.PaidStatusPending, h.order(t, first.ID).PaidStatus)

	_, err = h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{
		TransactionID: result.Transaction.ID.String(),
		OrderID:       first.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrNotInReview)
}

func TestResolveReviewPaysOrderWithAutoMatchOff(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	first := h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)
	result := h.ingest(t, yapePayload("yp-8b", "45.50", "Juan Perez", ""))
	require.Equal(t, domain.StatusManualReview, result.Transaction.Status)

	require.NoError(t, h.db.Model(&orderdomain.Order{}).
		Where("id = ?", first.ID).
		Update("auto_match_enabled", false).Error)

	txn, err := h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{
		TransactionID: result.Transaction.ID.String(),
		OrderID:       first.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, txn.Status)
	require.NotNil(t, txn.MatchedOrderID)
	assert.Equal(t, first.ID, *txn.MatchedOrderID)

	paid := h.order(t, first.ID)
	assert.Equal(t, orderdomain.PaidStatusPaid, paid.PaidStatus)
	require.NotNil(t, paid.PaidByTransactionID)
	assert.Equal(t, txn.ID, *paid.PaidByTransactionID)
}

func TestExpireReviewsKeepsOpenOrdersWithAutoMatchOff(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	first := h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)
	result := h.ingest(t, yapePayload("yp-8c", "45.50", "Juan Perez", ""))

	require.NoError(t, h.db.Model(&orderdomain.Order{}).
		Where("id = ?", first.ID).
		Update("auto_match_enabled", false).Error)

	_, err := h.svc.ExpireReviews(h.ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusManualReview, txn.Status)
	assert.Len(t, txn.ReviewCandidates, 2)
}

func TestRacingPaymentsPayOrderOnce(t *testing.T) {
	orders := newRacingOrders()
	h := newHarness(t, withOrderRepo(orders))
	h.orders = orders
	h.expectNotifications(nil)

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	target := h.addOrder(t, "ORD-001", 4550, "Maria Perez", 20*time.Minute)
	other := h.addOrder(t, "VTA-900", 4550, "Luis Rojas", 20*time.Minute)

	var wg sync.WaitGroup
	results := make([]domain.IngestResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Ingest(context.Background(), domain.IngestRequest{
				TenantID: tenantID.String(),
				Payload:  []byte(yapePayload(fmt.Sprintf("yp-race-%d", i), "45.50", "Maria Perez", "ORD-001")),
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var matched, reviewed []domain.YapeTransaction
	for _, r := range results {
		txn := h.reload(t, r.Transaction.ID)
		switch txn.Status {
		case domain.StatusMatched:
			matched = append(matched, txn)
		case domain.StatusManualReview:
			reviewed = append(reviewed, txn)
		}
	}
	require.Len(t, matched, 1)
	require.Len(t, reviewed, 1)

	require.NotNil(t, matched[0].MatchedOrderID)
	assert.Equal(t, target.ID, *matched[0].MatchedOrderID)
	paid := h.order(t, target.ID)
	assert.Equal(t, orderdomain.PaidStatusPaid, paid.PaidStatus)
	require.NotNil(t, paid.PaidByTransactionID)
	assert.Equal(t, matched[0].ID, *paid.PaidByTransactionID)

	assert.Equal(t, domain.ReasonApplyConflict, reviewed[0].Reason())
	require.Len(t, reviewed[0].ReviewCandidates, 1)
	assert.Equal(t, other.ID, reviewed[0].ReviewCandidates[0].OrderID)
	assert.Equal(t, orderdomain.PaidStatusPending, h.order(t, other.ID).PaidStatus)

	var paidOrders int64
	require.NoError(t, h.db.Model(&orderdomain.Order{}).Where("paid_status = ?", orderdomain.PaidStatusPaid).Count(&paidOrders).Error)
	assert.Equal(t, int64(1), paidOrders)
}

func TestApplyConflictWithoutCandidatesRejects(t *testing.T) {
	orders := &conflictingOrders{Repository: orderrepository.Provide(), conflicts: 1}
	h := newHarness(t, withOrderRepo(orders))
	h.orders = orders
	h.expectNotifications(nil)
	order := h.addOrder(t, "ORD-001", 4550, "Maria Perez", 20*time.Minute)
	orders.beforeConflict = func() {
		require.NoError(t, h.db.Model(&orderdomain.Order{}).
			Where("id = ?", order.ID).
			Update("paid_status", orderdomain.PaidStatusPaid).Error)
	}

	result := h.ingest(t, yapePayload("yp-7b", "45.50", "Maria Perez", "ORD-001"))

	require.NotNil(t, result.Decision)
	assert.Equal(t, domain.OutcomeRejected, result.Decision.Outcome)
	assert.Equal(t, domain.ReasonNoEligibleCandidate, result.Decision.Reason)
	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Empty(t, txn.ReviewCandidates)
}

func TestResolveReviewRefusesPaidOrder(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	first := h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)

	a := h.ingest(t, yapePayload("yp-9", "45.50", "Juan Perez", ""))
	b := h.ingest(t, yapePayload("yp-10", "45.50", "Juan Perez", ""))

	_, err := h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{TransactionID: a.Transaction.ID.String(), OrderID: first.ID.String()})
	require.NoError(t, err)

	_, err = h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{TransactionID: b.Transaction.ID.String(), OrderID: first.ID.String()})
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyPaid)
	assert.Equal(t, domain.StatusManualReview, h.reload(t, b.Transaction.ID).Status)

	_, err = h.svc.ResolveReview(h.ctx, domain.ResolveReviewRequest{TransactionID: b.Transaction.ID.String(), OrderID: "12345"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestRejectReview(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)
	result := h.ingest(t, yapePayload("yp-11", "45.50", "Juan Perez", ""))

	txn, err := h.svc.RejectReview(h.ctx, domain.RejectReviewRequest{TransactionID: result.Transaction.ID.String(), Reason: "  "})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, domain.ReasonRejectedByOperator, txn.Reason())

	_, err = h.svc.RejectReview(h.ctx, domain.RejectReviewRequest{TransactionID: result.Transaction.ID.String()})
	assert.ErrorIs(t, err, domain.ErrNotInReview)

	logs, err := h.audit.List(h.ctx, auditdomain.ListAuditLogRequest{Action: "yape_transaction.review_rejected"})
	require.NoError(t, err)
	assert.Len(t, logs.AuditLogs, 1)
}

func TestRetryDueMatchesOrderCreatedLater(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	result := h.ingest(t, yapePayload("yp-12", "45.50", "Maria Perez", "ORD-300"))
	require.Equal(t, domain.StatusPendingMatch, result.Transaction.Status)

	order := h.addOrder(t, "ORD-300", 4550, "Maria Perez", 30*time.Minute)

	exec := &countingExecutor{}
	batch, err := h.svc.RetryDue(context.Background(), h.clock.Now(), 10, exec)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{}, batch, "not due before the backoff elapses")

	h.clock.Advance(time.Minute)
	batch, err = h.svc.RetryDue(context.Background(), h.clock.Now(), 10, exec)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Processed: 1}, batch)
	assert.Equal(t, 1, exec.calls)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusMatched, txn.Status)
	require.NotNil(t, txn.MatchedOrderID)
	assert.Equal(t, order.ID, *txn.MatchedOrderID)
}

func TestRetryDueRejectsAfterMaxAttempts(t *testing.T) {
	cfg := config.DefaultMatchingConfig()
	cfg.MaxMatchingAttempts = 2
	h := newHarness(t, withMatching(cfg))
	h.expectNotifications(nil)

	result := h.ingest(t, yapePayload("yp-13", "45.50", "Maria Perez", "ORD-404"))
	require.Equal(t, domain.StatusPendingMatch, result.Transaction.Status)

	h.clock.Advance(time.Minute)
	batch, err := h.svc.RetryDue(context.Background(), h.clock.Now(), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, domain.ReasonMaxAttemptsExceeded, txn.Reason())
	assert.Equal(t, 2, txn.MatchingAttempts)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)
}

func TestRetryDueDefersWhenPoolRejects(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, yapePayload("yp-14", "45.50", "Maria Perez", "ORD-1"))
	h.ingest(t, yapePayload("yp-15", "12.00", "Maria Perez", "ORD-2"))

	h.clock.Advance(time.Minute)
	exec := &countingExecutor{err: errors.New("pool overload")}
	batch, err := h.svc.RetryDue(context.Background(), h.clock.Now(), 10, exec)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Deferred: 2}, batch)
	assert.Equal(t, 1, exec.calls, "one task per tenant")
}

func TestExpireReviewsRejectsWhenCandidatesExpire(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	h.addOrder(t, "ORD-101", 4550, "Juan Perez", 20*time.Minute)
	h.addOrder(t, "ORD-102", 4550, "Juan Perez", 20*time.Minute)
	result := h.ingest(t, yapePayload("yp-16", "45.50", "Juan Perez", ""))

	batch, err := h.svc.ExpireReviews(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, batch.Processed)

	h.clock.Advance(40 * time.Minute)
	batch, err = h.svc.ExpireReviews(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, domain.ReasonOrderExpired, txn.Reason())
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 2)
}

func TestExpireReviewsPrunesExpiredCandidates(t *testing.T) {
	h := newHarness(t)
	h.expectNotifications(nil)
	short := h.addOrder(t, "ORD-101", 4550, "Juan Perez", 5*time.Minute)
	long := h.addOrder(t, "ORD-102", 4550, "Juan Perez", time.Hour)
	result := h.ingest(t, yapePayload("yp-17", "45.50", "Juan Perez", ""))
	require.Len(t, result.Transaction.ReviewCandidates, 2)

	h.clock.Advance(25 * time.Minute)
	batch, err := h.svc.ExpireReviews(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)

	txn := h.reload(t, result.Transaction.ID)
	assert.Equal(t, domain.StatusManualReview, txn.Status)
	require.Len(t, txn.ReviewCandidates, 1)
	assert.Equal(t, long.ID, txn.ReviewCandidates[0].OrderID)
	assert.NotEqual(t, short.ID, txn.ReviewCandidates[0].OrderID)
	require.NotNil(t, txn.NextMatchingAttempt)
	assert.True(t, txn.NextMatchingAttempt.Equal(baseTime.Add(75*time.Minute)))
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 1)
}

func TestRedeliverNotifications(t *testing.T) {
	h := newHarness(t)
	h.notifier.On("OnTransactionResolved", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()
	h.expectNotifications(nil)
	h.addOrder(t, "ORD-001", 4550, "Maria Perez", 20*time.Minute)

	result := h.ingest(t, yapePayload("yp-18", "45.50", "Maria Perez", "ORD-001"))
	txn := h.reload(t, result.Transaction.ID)
	require.Equal(t, domain.StatusMatched, txn.Status)
	assert.Nil(t, txn.NotifiedStatus)

	batch, err := h.svc.RedeliverNotifications(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, batch.Processed, "fresh transitions are left to settle")

	h.clock.Advance(2 * time.Minute)
	batch, err = h.svc.RedeliverNotifications(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Processed: 1}, batch)

	txn = h.reload(t, result.Transaction.ID)
	require.NotNil(t, txn.NotifiedStatus)
	assert.Equal(t, domain.StatusMatched, *txn.NotifiedStatus)

	batch, err = h.svc.RedeliverNotifications(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, batch.Processed)
	h.notifier.AssertNumberOfCalls(t, "OnTransactionResolved", 2)
}

func TestListTransactionsPaginatesAndFilters(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.ingest(t, yapePayload(fmt.Sprintf("yp-list-%d", i), "10.00", "Ana", "menu"))
		h.clock.Advance(time.Second)
	}
	h.ingest(t, `not json`)

	page, err := h.svc.ListTransactions(h.ctx, domain.ListTransactionsRequest{Status: "pending_match", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	next, err := h.svc.ListTransactions(h.ctx, domain.ListTransactionsRequest{Status: "PENDING_MATCH", PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Transactions, 1)
	assert.False(t, next.HasMore)

	failed, err := h.svc.ListTransactions(h.ctx, domain.ListTransactionsRequest{Status: "PARSE_FAILED"})
	require.NoError(t, err)
	assert.Len(t, failed.Transactions, 1)

	_, err = h.svc.ListTransactions(h.ctx, domain.ListTransactionsRequest{Status: "PAID"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = h.svc.ListTransactions(context.Background(), domain.ListTransactionsRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}

func TestGetTransactionScopesByTenant(t *testing.T) {
	h := newHarness(t)
	result := h.ingest(t, yapePayload("yp-19", "10.00", "Ana", "menu"))

	other := tenantcontext.WithTenantID(context.Background(), snowflake.ID(78))
	_, err := h.svc.GetTransaction(other, result.Transaction.ID.String())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.GetTransaction(h.ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestRetryDelayBacksOffExponentially(t *testing.T) {
	cfg := config.DefaultMatchingConfig()
	assert.Equal(t, time.Minute, retryDelay(cfg, 1))
	assert.Equal(t, 2*time.Minute, retryDelay(cfg, 2))
	assert.Equal(t, 8*time.Minute, retryDelay(cfg, 4))
	assert.Equal(t, 30*time.Minute, retryDelay(cfg, 10))
}
