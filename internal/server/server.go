package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creatorledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creatorledger/internal/observability/tracing"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	reconciliationdomain "github.com/smallbiznis/creatorledger/internal/reconciliation/domain"
	revenuedomain "github.com/smallbiznis/creatorledger/internal/revenue/domain"
	"github.com/smallbiznis/creatorledger/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves HTTP only; the domain modules it depends on are wired by each binary.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
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
	r.Use(httpMetrics.GinMiddleware())
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

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
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
	clock             clock.Clock
	revenueSvc        revenuedomain.Service
	ledgerSvc         ledgerdomain.Service
	payoutSvc         payoutdomain.Service
	ratingSvc         ratingdomain.Service
	callbackSvc       callbackdomain.Service
	reconciliationSvc reconciliationdomain.Service
	limiter           *ratelimit.Limiter
	obsMetrics        *obsmetrics.Metrics
	adminAuth         *adminAuthenticator
	scheduler         *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	Log               *zap.Logger
	Clock             clock.Clock
	RevenueSvc        revenuedomain.Service
	LedgerSvc         ledgerdomain.Service
	PayoutSvc         payoutdomain.Service
	RatingSvc         ratingdomain.Service
	CallbackSvc       callbackdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	Limiter           *ratelimit.Limiter   `optional:"true"`
	ObsMetrics        *obsmetrics.Metrics  `optional:"true"`
	Scheduler         *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log.Named("http")
	if p.Cfg.AdminJWTSecret == "" {
		log.Warn("ADMIN_JWT_SECRET not set, admin routes will reject every request")
	}
	svc := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		log:               log,
		clock:             p.Clock,
		revenueSvc:        p.RevenueSvc,
		ledgerSvc:         p.LedgerSvc,
		payoutSvc:         p.PayoutSvc,
		ratingSvc:         p.RatingSvc,
		callbackSvc:       p.CallbackSvc,
		reconciliationSvc: p.ReconciliationSvc,
		limiter:           p.Limiter,
		obsMetrics:        p.ObsMetrics,
		adminAuth:         newAdminAuthenticator(p.Cfg.AdminJWTSecret),
		scheduler:         p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Creator routes sit behind the platform gateway, which authenticates the creator
// and forwards only their own :id.
func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/events", s.IngestRateLimit(), s.IngestEvent)

	creator := api.Group("/creators/:id")
	{
		creator.GET("/balance", s.GetBalance)
		creator.GET("/ledger", s.ListLedgerEntries)
		creator.GET("/earnings/summary", s.GetEarningsSummary)
		creator.GET("/eligibility", s.GetEligibility)

		creator.GET("/payouts", s.ListPayouts)
		creator.POST("/payouts", s.RequestPayout)
		creator.GET("/payouts/:payoutId", s.GetPayout)

		creator.GET("/destinations", s.ListDestinations)
		creator.PUT("/destinations/:provider", s.UpsertDestination)
	}
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payouts/:provider", s.WebhookRateLimit(), s.HandleProviderWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminAuthRequired())

	// -------- Creators --------
	admin.POST("/creators/:id/freeze", s.FreezeCreator)
	admin.POST("/creators/:id/unfreeze", s.UnfreezeCreator)
	admin.POST("/creators/:id/resume", s.ResumeCreator)
	admin.POST("/creators/:id/adjustments", s.AdjustBalance)

	// -------- Payouts --------
	admin.POST("/payouts/:id/reconcile", s.ReconcilePayout)

	// -------- Rates --------
	admin.GET("/rates", s.ListRates)
	admin.POST("/rates", s.PublishRate)

	// -------- Scheduler --------
	admin.POST("/scheduler/jobs/:name/run", s.RunSchedulerJob)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
