package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+ulid.Make().String()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.YapeTransaction{}))
	return db
}

func newTxn(node *snowflake.Node, tenantID snowflake.ID, providerID string, status domain.TransactionStatus, at time.Time) *domain.YapeTransaction {
	amount := int64(4550)
	txn := &domain.YapeTransaction{
		ID:          node.Generate(),
		TenantID:    tenantID,
		RawPayload:  `{"transaction_id":"` + providerID + `"}`,
		NotifiedAt:  at,
		ReceivedAt:  at,
		AmountCents: &amount,
		Status:      status,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if providerID != "" {
		txn.ProviderTransactionID = &providerID
	}
	return txn
}

func TestInsertIgnoresDuplicateProviderID(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	first := newTxn(node, 1, "yp-1", domain.StatusParsed, now)
	created, err := repo.Insert(ctx, db, first)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Insert(ctx, db, newTxn(node, 1, "yp-1", domain.StatusParsed, now))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = repo.Insert(ctx, db, newTxn(node, 2, "yp-1", domain.StatusParsed, now))
	require.NoError(t, err)
	assert.True(t, created, "provider ids are scoped per tenant")

	found, err := repo.FindByProviderID(ctx, db, 1, "yp-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := repo.FindByProviderID(ctx, db, 1, "yp-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateStateRequiresExpectedStatus(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	txn := newTxn(node, 1, "yp-1", domain.StatusParsed, now)
	_, err := repo.Insert(ctx, db, txn)
	require.NoError(t, err)

	reason := domain.ReasonAmbiguousCandidates
	txn.Status = domain.StatusManualReview
	txn.StatusReason = &reason
	txn.ReviewCandidates = []domain.Candidate{{OrderID: 9, ReferenceCode: "ORD-9", TotalCents: 4550, Score: 0.8}}

	ok, err := repo.UpdateState(ctx, db, txn, domain.StatusPendingMatch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.UpdateState(ctx, db, txn, domain.StatusParsed)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.FindByID(ctx, db, 1, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusManualReview, stored.Status)
	assert.Equal(t, reason, stored.Reason())
	require.Len(t, stored.ReviewCandidates, 1)
	assert.Equal(t, snowflake.ID(9), stored.ReviewCandidates[0].OrderID)

	other, err := repo.FindByID(ctx, db, 2, txn.ID)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestListDueHonoursSchedule(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	fresh := newTxn(node, 1, "yp-1", domain.StatusParsed, now)
	later := newTxn(node, 1, "yp-2", domain.StatusPendingMatch, now)
	next := now.Add(time.Minute)
	later.NextMatchingAttempt = &next
	done := newTxn(node, 1, "yp-3", domain.StatusMatched, now)
	for _, txn := range []*domain.YapeTransaction{fresh, later, done} {
		_, err := repo.Insert(ctx, db, txn)
		require.NoError(t, err)
	}

	filter := domain.DueFilter{
		Statuses: []domain.TransactionStatus{domain.StatusParsed, domain.StatusPendingMatch},
		DueAt:    now,
		Limit:    10,
	}
	due, err := repo.ListDue(ctx, db, filter)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, fresh.ID, due[0].ID)

	filter.DueAt = now.Add(time.Minute)
	due, err = repo.ListDue(ctx, db, filter)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestListUndeliveredAndMarkNotified(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	matched := newTxn(node, 1, "yp-1", domain.StatusMatched, now)
	pending := newTxn(node, 1, "yp-2", domain.StatusPendingMatch, now)
	for _, txn := range []*domain.YapeTransaction{matched, pending} {
		_, err := repo.Insert(ctx, db, txn)
		require.NoError(t, err)
	}

	items, err := repo.ListUndelivered(ctx, db, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = repo.ListUndelivered(ctx, db, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, matched.ID, items[0].ID)

	// A stale acknowledgement for another status does not count.
	require.NoError(t, repo.MarkNotified(ctx, db, matched.ID, domain.StatusManualReview))
	items, err = repo.ListUndelivered(ctx, db, now, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, repo.MarkNotified(ctx, db, matched.ID, domain.StatusMatched))
	items, err = repo.ListUndelivered(ctx, db, now, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCountBacklogGroupsByTenantAndStatus(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	for _, txn := range []*domain.YapeTransaction{
		newTxn(node, 1, "yp-1", domain.StatusManualReview, now.Add(-time.Hour)),
		newTxn(node, 1, "yp-2", domain.StatusManualReview, now),
		newTxn(node, 1, "yp-3", domain.StatusPendingMatch, now),
		newTxn(node, 2, "yp-1", domain.StatusManualReview, now.Add(-2*time.Hour)),
		newTxn(node, 2, "yp-2", domain.StatusMatched, now),
	} {
		_, err := repo.Insert(ctx, db, txn)
		require.NoError(t, err)
	}

	counts, err := repo.CountBacklog(ctx, db, []domain.TransactionStatus{domain.StatusManualReview, domain.StatusPendingMatch})
	require.NoError(t, err)
	assert.Equal(t, []domain.BacklogCount{
		{TenantID: 1, Status: domain.StatusManualReview, Count: 2},
		{TenantID: 1, Status: domain.StatusPendingMatch, Count: 1},
		{TenantID: 2, Status: domain.StatusManualReview, Count: 1},
	}, counts)

	oldest, err := repo.OldestInStatus(ctx, db, domain.StatusManualReview)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, snowflake.ID(2), oldest.TenantID)

	none, err := repo.OldestInStatus(ctx, db, domain.StatusRejected)
	require.NoError(t, err)
	assert.Nil(t, none)
}
