package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/yapepro/internal/audit/domain"
	"github.com/smallbiznis/yapepro/internal/authorization"
	"github.com/smallbiznis/yapepro/internal/config"
	"github.com/smallbiznis/yapepro/internal/observability"
	obsmiddleware "github.com/smallbiznis/yapepro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/yapepro/internal/observability/metrics"
	obstracing "github.com/smallbiznis/yapepro/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/smallbiznis/yapepro/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the HTTP surface. Domain services come from the caller's graph.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine            *gin.Engine
	cfg               config.Config
	log               *zap.Logger
	authzSvc          authorization.Service
	auditSvc          auditdomain.Service
	orderSvc          orderdomain.Service
	reconciliationSvc reconciliationdomain.Service
	guard             *ratelimit.IngressGuard
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	Log               *zap.Logger
	AuthzSvc          authorization.Service
	AuditSvc          auditdomain.Service
	OrderSvc          orderdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	Guard             *ratelimit.IngressGuard `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		log:               p.Log.Named("http.server"),
		authzSvc:          p.AuthzSvc,
		auditSvc:          p.AuditSvc,
		orderSvc:          p.OrderSvc,
		reconciliationSvc: p.ReconciliationSvc,
		guard:             p.Guard,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")

	webhooks.POST("/yape/:tenant_id", s.WebhookRateLimit(), s.HandleYapeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.TenantContext())

	// -------- Yape Transactions --------
	api.GET("/transactions", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionView), s.ListTransactions)
	api.GET("/transactions/:id", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionView), s.GetTransaction)
	api.POST("/transactions/:id/match", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionMatch), s.MatchTransaction)

	// -------- Review Queue --------
	api.GET("/reviews", s.authorize(authorization.ObjectReview, authorization.ActionReviewView), s.ListReviews)
	api.POST("/reviews/:id/resolve", s.authorize(authorization.ObjectReview, authorization.ActionReviewResolve), s.ResolveReview)
	api.POST("/reviews/:id/reject", s.authorize(authorization.ObjectReview, authorization.ActionReviewReject), s.RejectReview)

	// -------- Orders --------
	api.GET("/orders", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.ListOrders)
	api.POST("/orders", s.authorize(authorization.ObjectOrder, authorization.ActionOrderCreate), s.CreateOrder)
	api.GET("/orders/:id", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrderByID)

	api.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
