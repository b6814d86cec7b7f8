package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/yapepro/internal/audit/domain"
	"github.com/smallbiznis/yapepro/internal/audit/masking"
	"github.com/smallbiznis/yapepro/internal/clock"
	obscontext "github.com/smallbiznis/yapepro/internal/observability/context"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"github.com/smallbiznis/yapepro/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) AuditLog(ctx context.Context, tenantID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	actorType = strings.TrimSpace(actorType)
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}

	resolvedTenantID := s.resolveTenantID(ctx, tenantID)
	resolvedActorType, resolvedActorID := s.resolveActor(ctx, actorType, actorID)

	payload := masking.MaskPII(metadata)
	if payload == nil {
		payload = map[string]any{}
	}
	if role := tenantcontext.ActorFromContext(ctx).Role; role != "" && role != tenantcontext.ActorTypeSystem {
		payload["actor_role"] = role
	}
	if correlationID := obscontext.CorrelationIDFromContext(ctx); correlationID != "" {
		payload["correlation_id"] = correlationID
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		TenantID:   resolvedTenantID,
		ActorType:  resolvedActorType,
		ActorID:    resolvedActorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(targetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		entry.RequestID = &requestID
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTenant
	}

	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	keyset, err := pagination.DecodeKeyset(strings.TrimSpace(req.PageToken))
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
	}
	var cursor *auditdomain.AuditCursor
	if keyset != nil {
		cursor = &auditdomain.AuditCursor{ID: keyset.ID, CreatedAt: keyset.CreatedAt}
	}

	pageSize := pagination.Pagination{PageSize: req.PageSize}.Size()

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:   tenantID,
		Actions:    splitActions(req.Action),
		TargetType: strings.TrimSpace(req.TargetType),
		TargetID:   strings.TrimSpace(req.TargetID),
		ActorType:  strings.TrimSpace(req.ActorType),
		ActorID:    strings.TrimSpace(req.ActorID),
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *auditdomain.AuditLog) string {
		return pagination.EncodeKeyset(item.ID, item.CreatedAt)
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	return auditdomain.ListAuditLogResponse{PageInfo: *pageInfo, AuditLogs: logs}, nil
}

func (s *Service) resolveTenantID(ctx context.Context, tenantID *snowflake.ID) *snowflake.ID {
	if tenantID != nil && *tenantID != 0 {
		return tenantID
	}
	resolved, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || resolved == 0 {
		return nil
	}
	return &resolved
}

func (s *Service) resolveActor(ctx context.Context, actorType string, actorID *string) (string, *string) {
	if actorType == "" {
		actor := tenantcontext.ActorFromContext(ctx)
		actorType = actor.Type
		if (actorID == nil || strings.TrimSpace(*actorID) == "") && actor.ID != "" {
			id := actor.ID
			actorID = &id
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}

	return actorType, normalizePointer(actorID)
}

func splitActions(raw string) []string {
	var actions []string
	for _, part := range strings.Split(raw, ",") {
		if action := strings.TrimSpace(part); action != "" {
			actions = append(actions, action)
		}
	}
	return actions
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
