package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/yapepro/internal/audit/domain"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectTransaction = "yape_transaction"
	ObjectReview      = "review"
	ObjectOrder       = "order"
	ObjectAuditLog    = "audit_log"
)

const (
	ActionTransactionView  = "yape_transaction.view"
	ActionTransactionMatch = "yape_transaction.match"

	ActionReviewView    = "review.view"
	ActionReviewResolve = "review.resolve"
	ActionReviewReject  = "review.reject"

	ActionOrderView   = "order.view"
	ActionOrderCreate = "order.create"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleStoreAdmin = "store_admin"
	RoleCashier    = "cashier"
	RoleSaaSAdmin  = "saas_admin"
	RoleSystem     = "system"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads policies through the gorm adapter and seeds the built-in roles.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor tenantcontext.Actor, tenantID string, object string, action string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenant
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		s.auditDenied(ctx, actor, tenantID, object, action)
		return err
	}

	domain := fmt.Sprintf("tenant:%s", tenantID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actor, tenantID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actor, tenantID, object, action)
	}
	return nil
}

// resolveActor maps an operator to its casbin subject and role. Roles are
// asserted by the upstream gateway; an unknown role is rejected outright.
func resolveActor(actor tenantcontext.Actor) (string, string, error) {
	if actor.Type == tenantcontext.ActorTypeSystem {
		return "system", "role:" + RoleSystem, nil
	}
	if actor.Type != tenantcontext.ActorTypeUser || strings.TrimSpace(actor.ID) == "" {
		return "", "", ErrInvalidActor
	}
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	switch role {
	case RoleStoreAdmin, RoleCashier, RoleSaaSAdmin:
	default:
		return "", "", ErrInvalidRole
	}
	return "user:" + strings.TrimSpace(actor.ID), "role:" + role, nil
}

// ensureGrouping keeps exactly one role per subject and tenant.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor tenantcontext.Actor, tenantID string, object string, action string) {
	s.log.Info("authorization denied",
		zap.String("tenant_id", tenantID),
		zap.String("actor_type", actor.Type),
		zap.String("actor_role", actor.Role),
		zap.String("object", object),
		zap.String("action", action),
	)
	s.auditDecision(ctx, "authorization.denied", actor, tenantID, object, action)
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actor tenantcontext.Actor, tenantID string, object string, action string) {
	s.auditDecision(ctx, "authorization.granted", actor, tenantID, object, action)
}

func (s *ServiceImpl) auditDecision(ctx context.Context, event string, actor tenantcontext.Actor, tenantID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedTenantID, err := snowflake.ParseString(tenantID)
	if err != nil || parsedTenantID == 0 {
		return
	}
	var actorID *string
	if id := strings.TrimSpace(actor.ID); id != "" {
		actorID = &id
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, &parsedTenantID, actor.Type, actorID, event, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"role":   actor.Role,
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionReviewResolve, ActionReviewReject:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Cashiers watch incoming payments and work the review queue.
		{"role:cashier", ObjectTransaction, ActionTransactionView},
		{"role:cashier", ObjectReview, ActionReviewView},
		{"role:cashier", ObjectReview, ActionReviewResolve},
		{"role:cashier", ObjectOrder, ActionOrderView},
		{"role:cashier", ObjectOrder, ActionOrderCreate},

		{"role:store_admin", ObjectTransaction, ActionTransactionView},
		{"role:store_admin", ObjectTransaction, ActionTransactionMatch},
		{"role:store_admin", ObjectReview, ActionReviewView},
		{"role:store_admin", ObjectReview, ActionReviewResolve},
		{"role:store_admin", ObjectReview, ActionReviewReject},
		{"role:store_admin", ObjectOrder, ActionOrderView},
		{"role:store_admin", ObjectOrder, ActionOrderCreate},
		{"role:store_admin", ObjectAuditLog, ActionAuditLogView},

		// Platform operators inspect any tenant but do not settle payments.
		{"role:saas_admin", ObjectTransaction, ActionTransactionView},
		{"role:saas_admin", ObjectTransaction, ActionTransactionMatch},
		{"role:saas_admin", ObjectReview, ActionReviewView},
		{"role:saas_admin", ObjectOrder, ActionOrderView},
		{"role:saas_admin", ObjectAuditLog, ActionAuditLogView},

		{"role:system", ObjectTransaction, ActionTransactionView},
		{"role:system", ObjectTransaction, ActionTransactionMatch},
		{"role:system", ObjectReview, ActionReviewView},
		{"role:system", ObjectReview, ActionReviewReject},
		{"role:system", ObjectOrder, ActionOrderView},
		{"role:system", ObjectOrder, ActionOrderCreate},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
