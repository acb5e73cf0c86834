package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/audit"
	"github.com/peerex/peerex/internal/bookkeeper"
	"github.com/peerex/peerex/internal/config"
	"github.com/peerex/peerex/internal/database"
	"github.com/peerex/peerex/internal/dispute"
	"github.com/peerex/peerex/internal/escrow"
	"github.com/peerex/peerex/internal/idempotency"
	"github.com/peerex/peerex/internal/identity"
	"github.com/peerex/peerex/internal/paymentmethods"
	"github.com/peerex/peerex/internal/risk"
	"github.com/peerex/peerex/internal/server"
	"github.com/peerex/peerex/internal/sweeper"
	"github.com/peerex/peerex/internal/trade"
	"github.com/peerex/peerex/pkg/logger"
	"github.com/peerex/peerex/pkg/metrics"
	"github.com/peerex/peerex/pkg/tracing"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Init("peerex")
	if err != nil {
		zapLogger.Fatal("Failed to init tracing", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Optional redis, used only for sweeper leader election
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	dailyCap, err := decimal.NewFromString(cfg.Market.DailyNotionalCap)
	if err != nil {
		zapLogger.Fatal("Invalid DAILY_NOTIONAL_CAP", zap.Error(err))
	}

	// Create services
	bookkeeperSvc, err := bookkeeper.NewService(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to create bookkeeper service", zap.Error(err))
	}
	paymentMethodsSvc := paymentmethods.NewService(zapLogger, db)
	adBookSvc := adbook.NewService(zapLogger, db, bookkeeperSvc)
	escrowCtl := escrow.NewController(zapLogger, db, bookkeeperSvc)
	riskSvc := risk.NewService(zapLogger, db, risk.Config{
		DailyNotionalCap:   dailyCap,
		StrikeThreshold:    cfg.Market.StrikeThreshold,
		SuspensionDuration: cfg.Market.SuspensionDuration,
	})
	auditSvc := audit.NewService(db)
	idemStore := idempotency.NewStore(db)
	identityProvider := identity.NewStaticProvider(identity.StatusApproved)
	tradeSvc := trade.NewService(zapLogger, db, adBookSvc, escrowCtl, riskSvc, auditSvc, idemStore, identityProvider, cfg.Market.PaymentWindow)
	disputeSvc := dispute.NewService(zapLogger, db, adBookSvc, escrowCtl, auditSvc)

	// Background expiry sweeper
	ctx, cancel := context.WithCancel(context.Background())
	sweep := sweeper.New(zapLogger, tradeSvc, redisClient, cfg.Market.SweepInterval)
	go sweep.Run(ctx)

	// Schedule DB pool metrics collection every 30s
	tickerDB := time.NewTicker(30 * time.Second)
	go func() {
		for range tickerDB.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
			}
		}
	}()

	// Create API server
	apiServer := server.NewServer(
		zapLogger,
		cfg.JWTSecret,
		paymentMethodsSvc,
		adBookSvc,
		tradeSvc,
		disputeSvc,
		bookkeeperSvc,
		riskSvc,
		auditSvc,
		identityProvider,
		sweep,
	)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	cancel()
	tickerDB.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down tracing", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
