// Package server exposes the marketplace engine over HTTP.
package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/audit"
	"github.com/peerex/peerex/internal/bookkeeper"
	"github.com/peerex/peerex/internal/dispute"
	"github.com/peerex/peerex/internal/identity"
	"github.com/peerex/peerex/internal/paymentmethods"
	"github.com/peerex/peerex/internal/risk"
	"github.com/peerex/peerex/internal/sweeper"
	"github.com/peerex/peerex/internal/trade"
	"github.com/peerex/peerex/pkg/errors"
)

// Server represents the HTTP server
type Server struct {
	logger         *zap.Logger
	jwtSecret      []byte
	paymentMethods *paymentmethods.Service
	adBook         *adbook.Service
	trades         *trade.Service
	disputes       *dispute.Service
	bookkeeper     *bookkeeper.Service
	risk           *risk.Service
	audit          *audit.Service
	identity       identity.Provider
	sweeper        *sweeper.Sweeper
}

// NewServer creates a new HTTP server
func NewServer(
	logger *zap.Logger,
	jwtSecret string,
	paymentMethodsSvc *paymentmethods.Service,
	adBookSvc *adbook.Service,
	tradesSvc *trade.Service,
	disputesSvc *dispute.Service,
	bookkeeperSvc *bookkeeper.Service,
	riskSvc *risk.Service,
	auditSvc *audit.Service,
	identityProvider identity.Provider,
	sweep *sweeper.Sweeper,
) *Server {
	return &Server{
		logger:         logger,
		jwtSecret:      []byte(jwtSecret),
		paymentMethods: paymentMethodsSvc,
		adBook:         adBookSvc,
		trades:         tradesSvc,
		disputes:       disputesSvc,
		bookkeeper:     bookkeeperSvc,
		risk:           riskSvc,
		audit:          auditSvc,
		identity:       identityProvider,
		sweeper:        sweep,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("peerex"))
	router.Use(cors.Default())

	healthz := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthz)
	router.GET("/healthz", healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			methods := v1.Group("/payment-methods", s.authMiddleware())
			{
				methods.POST("", s.handleCreatePaymentMethod)
				methods.GET("", s.handleListPaymentMethods)
				methods.GET("/:id", s.handleGetPaymentMethod)
				methods.PUT("/:id", s.handleUpdatePaymentMethod)
				methods.DELETE("/:id", s.handleDeletePaymentMethod)
			}

			ads := v1.Group("/ads")
			{
				ads.GET("", s.handleListAds)
				ads.GET("/:id", s.handleGetAd)
				ads.POST("", s.authMiddleware(), s.handleCreateAd)
				ads.GET("/mine", s.authMiddleware(), s.handleListOwnAds)
				ads.PUT("/:id", s.authMiddleware(), s.handleUpdateAd)
				ads.POST("/:id/pause", s.authMiddleware(), s.handlePauseAd)
				ads.POST("/:id/resume", s.authMiddleware(), s.handleResumeAd)
				ads.POST("/:id/close", s.authMiddleware(), s.handleCloseAd)
			}

			trades := v1.Group("/trades", s.authMiddleware())
			{
				trades.POST("", s.handleCreateTrade)
				trades.GET("", s.handleListTrades)
				trades.GET("/:id", s.handleGetTrade)
				trades.POST("/:id/proofs", s.handleUploadProof)
				trades.POST("/:id/pay", s.handleMarkPaid)
				trades.POST("/:id/cancel", s.handleCancelTrade)
				trades.POST("/:id/release", s.handleReleaseTrade)
				trades.POST("/:id/dispute", s.handleOpenDispute)
				trades.GET("/:id/dispute", s.handleGetDispute)
				trades.GET("/:id/escrow", s.handleGetEscrow)
				trades.GET("/:id/audit", s.handleGetAuditTrail)
			}

			accounts := v1.Group("/accounts", s.authMiddleware())
			{
				accounts.GET("", s.handleGetAccounts)
				accounts.GET("/stats", s.handleGetStats)
				accounts.GET("/:asset", s.handleGetAccount)
			}

			admin := v1.Group("/admin", s.authMiddleware(), s.arbitratorMiddleware())
			{
				admin.GET("/disputes", s.handleListOpenDisputes)
				admin.POST("/disputes/:id/resolve", s.handleResolveDispute)
				admin.POST("/deposits", s.handleDeposit)
				admin.PUT("/identities/:id/status", s.handleSetIdentityStatus)
				admin.POST("/sweep", s.handleTriggerSweep)
			}
		}
	}

	return router
}

// writeError maps an engine error kind to its HTTP status and writes the
// structured body. Internal causes never reach the client.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	status := errors.HTTPStatus(kind)

	message := err.Error()
	var engineErr *errors.Error
	if errors.As(err, &engineErr) {
		message = engineErr.Message
	}
	if kind == errors.KindInternal {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal error"
	}

	c.JSON(status, gin.H{"code": string(kind), "message": message})
}
