package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/observability"
	obslogger "github.com/smallbiznis/connectpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/connectpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/connectpay/internal/payout/domain"
	reconciledomain "github.com/smallbiznis/connectpay/internal/reconcile/domain"
	webhookdomain "github.com/smallbiznis/connectpay/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http"), obslogger.MiddlewareConfig{
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

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
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
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	paymentSvc   paymentdomain.Service
	accountSvc   accountdomain.Service
	reconcileSvc reconciledomain.Service
	affiliateSvc affiliatedomain.Service
	webhookSvc   webhookdomain.Service
	payoutSvc    payoutdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	PaymentSvc   paymentdomain.Service
	AccountSvc   accountdomain.Service
	ReconcileSvc reconciledomain.Service
	AffiliateSvc affiliatedomain.Service
	WebhookSvc   webhookdomain.Service
	PayoutSvc    payoutdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		paymentSvc:   p.PaymentSvc,
		accountSvc:   p.AccountSvc,
		reconcileSvc: p.ReconcileSvc,
		affiliateSvc: p.AffiliateSvc,
		webhookSvc:   p.WebhookSvc,
		payoutSvc:    p.PayoutSvc,
	}

	svc.registerAPIRoutes()
	svc.registerPublicRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Payments --------
	api.POST("/payments", s.CreatePayment)
	api.GET("/payments/:id", s.GetPayment)

	// -------- Connected accounts --------
	api.POST("/accounts", s.CreateAccount)
	api.POST("/accounts/:id/refresh", s.RefreshAccount)
	api.POST("/accounts/:id/onboarding-links", s.RenewOnboardingLink)
	api.POST("/onboarding-links/:id/consume", s.ConsumeOnboardingLink)
	api.GET("/owners/:owner_id/account/status", s.GetAccountStatus)

	// -------- Payouts --------
	api.GET("/owners/:owner_id/pending-transactions", s.ListPendingTransactions)
	api.POST("/owners/:owner_id/reconcile", s.ReconcileOwner)
	api.POST("/owners/:owner_id/instant-payouts", s.RequestInstantPayout)
	api.GET("/instant-payouts/quote", s.QuoteInstantPayout)

	// -------- Affiliates --------
	api.POST("/affiliates", s.RegisterAffiliate)
	api.GET("/affiliates/:id/dashboard", s.GetAffiliateDashboard)
	api.GET("/affiliates/:id/commissions", s.ListCommissions)
	api.PATCH("/affiliates/:id/settings", s.UpdateAffiliateSettings)
	api.POST("/affiliates/:id/payout-account", s.SetupPayoutAccount)
	api.POST("/affiliates/:id/payout-account/refresh", s.RefreshPayoutAccount)
	api.POST("/referrals/click", s.TrackReferralClick)
	api.POST("/referrals/:id/convert", s.ConvertReferral)
	api.POST("/referrals/:id/bonus", s.AwardReferralBonus)
	api.POST("/commissions/:id/approve", s.ApproveCommission)
	api.POST("/commissions/:id/cancel", s.CancelCommission)
	api.POST("/commissions/:id/dispute", s.DisputeCommission)
	api.GET("/payout-batches/:id", s.GetPayoutBatch)
	api.GET("/payout-batches/:id/statement", s.DownloadPayoutStatement)
}

func (s *Server) registerPublicRoutes() {
	s.engine.GET("/r/:code", s.FollowReferralLink)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)
}
