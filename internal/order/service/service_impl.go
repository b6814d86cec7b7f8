package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"github.com/smallbiznis/yapepro/pkg/db/pagination"
	"github.com/smallbiznis/yapepro/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("order.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Order{}, domain.ErrInvalidTenant
	}

	reference := strings.TrimSpace(req.ReferenceCode)
	if reference == "" {
		return domain.Order{}, domain.ErrInvalidReferenceCode
	}

	total, err := money.ParseSoles(req.Total)
	if err != nil {
		return domain.Order{}, domain.ErrInvalidTotal
	}

	method := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(req.PaymentMethod))))
	if method == "" {
		method = domain.PaymentMethodYape
	}
	if !method.Valid() {
		return domain.Order{}, domain.ErrInvalidPaymentMethod
	}

	storeID, err := parseOptionalID(req.StoreID, domain.ErrInvalidStore)
	if err != nil {
		return domain.Order{}, err
	}
	customerID, err := parseOptionalID(req.CustomerID, domain.ErrInvalidCustomer)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.clock.Now().UTC()
	expiresAt, err := paymentWindow(now, req)
	if err != nil {
		return domain.Order{}, err
	}

	autoMatch := method == domain.PaymentMethodYape
	if req.AutoMatchEnabled != nil {
		autoMatch = *req.AutoMatchEnabled
	}

	order := domain.Order{
		ID:                     s.genID.Generate(),
		TenantID:               tenantID,
		CustomerName:           optionalText(req.CustomerName),
		ReferenceCode:          reference,
		ExpectedPaymentConcept: optionalText(req.ExpectedPaymentConcept),
		TotalCents:             total,
		Currency:               money.Currency,
		PaidStatus:             domain.PaidStatusPending,
		PaymentMethod:          method,
		PaymentWindowExpiresAt: expiresAt,
		AutoMatchEnabled:       autoMatch,
		ManualReviewRequired:   req.ManualReviewRequired,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if storeID != nil {
		order.StoreID = *storeID
	}
	order.CustomerID = customerID

	if err := s.repo.Insert(ctx, s.db, &order); err != nil {
		return domain.Order{}, err
	}

	s.log.Debug("order created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("order_id", order.ID.String()),
		zap.Int64("total_cents", order.TotalCents),
	)
	return order, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Order, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.Order{}, domain.ErrInvalidTenant
	}

	orderID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || orderID == 0 {
		return domain.Order{}, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if item == nil {
		return domain.Order{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListOrderRequest) (domain.ListOrderResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return domain.ListOrderResponse{}, domain.ErrInvalidTenant
	}

	status := domain.PaidStatus(strings.ToUpper(strings.TrimSpace(req.PaidStatus)))
	switch status {
	case "", domain.PaidStatusPending, domain.PaidStatusPaid, domain.PaidStatusRefunded, domain.PaidStatusFailed:
	default:
		return domain.ListOrderResponse{}, domain.ErrInvalidPaidStatus
	}

	cursor, err := pagination.DecodeKeyset(req.PageToken)
	if err != nil {
		return domain.ListOrderResponse{}, err
	}
	pageSize := pagination.Pagination{PageSize: req.PageSize}.Size()

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		TenantID:   tenantID,
		PaidStatus: status,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return domain.ListOrderResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(order *domain.Order) string {
		return pagination.EncodeKeyset(order.ID, order.CreatedAt)
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	orders := make([]domain.Order, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		orders = append(orders, *item)
	}

	return domain.ListOrderResponse{PageInfo: *pageInfo, Orders: orders}, nil
}

func paymentWindow(now time.Time, req domain.CreateOrderRequest) (time.Time, error) {
	if req.PaymentWindowExpiresAt != nil {
		expiresAt := req.PaymentWindowExpiresAt.UTC()
		if !expiresAt.After(now) {
			return time.Time{}, domain.ErrInvalidPaymentWindow
		}
		return expiresAt, nil
	}
	switch {
	case req.PaymentWindowMinutes < 0:
		return time.Time{}, domain.ErrInvalidPaymentWindow
	case req.PaymentWindowMinutes == 0:
		return now.Add(domain.DefaultPaymentWindow), nil
	default:
		return now.Add(time.Duration(req.PaymentWindowMinutes) * time.Minute), nil
	}
}

func parseOptionalID(raw string, invalid error) (*snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return nil, invalid
	}
	return &id, nil
}

func optionalText(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
