package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+ulid.Make().String()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Order{}))
	return db
}

func newOrder(node *snowflake.Node, tenantID snowflake.ID, cents int64, expiresAt, createdAt time.Time) *domain.Order {
	return &domain.Order{
		ID:                     node.Generate(),
		TenantID:               tenantID,
		ReferenceCode:          "ORD-" + node.Generate().String(),
		TotalCents:             cents,
		Currency:               "PEN",
		PaidStatus:             domain.PaidStatusPending,
		PaymentMethod:          domain.PaymentMethodYape,
		PaymentWindowExpiresAt: expiresAt,
		AutoMatchEnabled:       true,
		CreatedAt:              createdAt,
		UpdatedAt:              createdAt,
	}
}

func TestListEligibleFiltersByAmountWindowAndStatus(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tenantID := node.Generate()
	otherTenant := node.Generate()

	open := newOrder(node, tenantID, 4550, now.Add(10*time.Minute), now.Add(-time.Hour))
	expired := newOrder(node, tenantID, 4550, now.Add(-2*time.Hour), now.Add(-3*time.Hour))
	wrongAmount := newOrder(node, tenantID, 9900, now.Add(10*time.Minute), now.Add(-time.Hour))
	manualOnly := newOrder(node, tenantID, 4550, now.Add(10*time.Minute), now.Add(-time.Hour))
	manualOnly.AutoMatchEnabled = false
	foreign := newOrder(node, otherTenant, 4550, now.Add(10*time.Minute), now.Add(-time.Hour))

	for _, o := range []*domain.Order{open, expired, wrongAmount, manualOnly, foreign} {
		require.NoError(t, repo.Insert(ctx, db, o))
	}

	query := domain.CandidateQuery{
		TenantID:     tenantID,
		MinCents:     4540,
		MaxCents:     4560,
		CreatedAfter: now.Add(-72 * time.Hour),
		WindowCutoff: now.Add(-15 * time.Minute),
	}

	eligible, err := repo.ListEligible(ctx, db, query)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, open.ID, eligible[0].ID)

	expiredOrders, err := repo.ListExpired(ctx, db, query)
	require.NoError(t, err)
	require.Len(t, expiredOrders, 1)
	assert.Equal(t, expired.ID, expiredOrders[0].ID)
}

func TestMarkPaidIsConditional(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tenantID := node.Generate()
	order := newOrder(node, tenantID, 2000, now.Add(time.Minute), now.Add(-time.Minute))
	require.NoError(t, repo.Insert(ctx, db, order))

	first := domain.MarkPaidParams{
		TenantID:         tenantID,
		OrderID:          order.ID,
		TransactionID:    node.Generate(),
		PaidAt:           now,
		WindowCutoff:     now,
		RequireAutoMatch: true,
	}
	ok, err := repo.MarkPaid(ctx, db, first)
	require.NoError(t, err)
	require.True(t, ok)

	second := first
	second.TransactionID = node.Generate()
	ok, err = repo.MarkPaid(ctx, db, second)
	require.NoError(t, err)
	assert.False(t, ok, "a paid order must never be paid by a second transaction")

	stored, err := repo.FindByID(ctx, db, tenantID, order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.PaidStatusPaid, stored.PaidStatus)
	require.NotNil(t, stored.PaidByTransactionID)
	assert.Equal(t, first.TransactionID, *stored.PaidByTransactionID)
}

func TestMarkPaidRejectsExpiredWindow(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tenantID := node.Generate()
	order := newOrder(node, tenantID, 2000, now.Add(-time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, repo.Insert(ctx, db, order))

	ok, err := repo.MarkPaid(ctx, db, domain.MarkPaidParams{
		TenantID:      tenantID,
		OrderID:       order.ID,
		TransactionID: node.Generate(),
		PaidAt:        now,
		WindowCutoff:  now.Add(-15 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByIDMissing(t *testing.T) {
	db := setupDB(t)
	order, err := Provide().FindByID(context.Background(), db, 1, 2)
	require.NoError(t, err)
	assert.Nil(t, order)
}
