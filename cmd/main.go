package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"subscription-service/internal/clock"
	"subscription-service/internal/config"
	"subscription-service/internal/gateway"
	"subscription-service/internal/handlers"
	"subscription-service/internal/lock"
	"subscription-service/internal/middleware"
	subNats "subscription-service/internal/nats"
	subRedis "subscription-service/internal/redis"
	"subscription-service/internal/repository"
	"subscription-service/internal/scheduler"
	"subscription-service/internal/services"
)

const version = "1.0.0"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	db, err := initDatabase(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	if err := repository.Migrate(db); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}
	logger.Info("Database connected and migrated")

	store := repository.NewStore(db)
	clk := clock.System{}

	// Redis backs the event ledger, alert throttle and cross-replica locks.
	// Without it everything falls back to in-process state.
	var (
		redisClient *subRedis.Client
		ledger      services.EventLedger   = subRedis.NewMemoryLedger(cfg.Subscription.DedupeWindow)
		throttle    services.AlertThrottle = subRedis.NewMemoryThrottle(cfg.Alerts.ThrottleTTL())
		locker      lock.Locker            = lock.NewKeyedMutex(cfg.Subscription.LockWait)
	)
	if cfg.Redis.Enabled {
		redisClient, err = subRedis.NewClient(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis, using in-process ledger, throttle and locks")
		} else {
			ledger = redisClient.EventLedger(cfg.Subscription.DedupeWindow)
			throttle = redisClient.AlertThrottle(cfg.Alerts.ThrottleTTL())
			locker = lock.Chain{
				lock.NewKeyedMutex(cfg.Subscription.LockWait),
				lock.NewRedisLock(redisClient.RDB(), cfg.Subscription.LockTTL, cfg.Subscription.LockWait, logger),
			}
			logger.Info("Redis connection established")
		}
	} else {
		logger.Info("Redis disabled, using in-process ledger, throttle and locks")
	}

	var (
		natsClient *subNats.Client
		dispatcher services.Dispatcher = services.NewLogDispatcher(logger)
	)
	if cfg.NATS.Enabled {
		natsClient, err = subNats.NewClient(cfg.NATS, cfg.App.ServiceName, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize NATS, notifications will only be logged")
		} else {
			dispatcher = natsClient
			logger.Info("NATS client initialized for notification dispatch")
		}
	} else {
		logger.Info("NATS disabled, notifications will only be logged")
	}

	var (
		gw     gateway.Gateway
		parser gateway.WebhookParser
	)
	if cfg.Stripe.SecretKey != "" {
		stripeGateway := gateway.NewStripeGateway(cfg.Stripe, logger)
		gw, parser = stripeGateway, stripeGateway
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, using the in-memory payment gateway")
		mock := gateway.NewMockGateway()
		gw, parser = mock, mock
	}

	// Services
	subscriptionService := services.NewSubscriptionService(store, gw, locker, dispatcher, clk, cfg.Subscription, logger)
	webhookService := services.NewWebhookService(store, locker, ledger, dispatcher, clk, logger)
	metricsService := services.NewMetricsService(store, clk, cfg.Alerts, logger)
	alertService := services.NewAlertService(throttle, dispatcher, cfg.Alerts, logger)
	healthMonitor := services.NewHealthMonitor(metricsService, alertService, cfg.Alerts, logger)
	expiryService := services.NewExpiryService(store, locker, dispatcher, clk, logger)
	reminderService := services.NewReminderService(store, dispatcher, clk, cfg.Reminders, logger)
	driftService := services.NewDriftService(store, gw, locker, alertService, clk, logger)
	entitlementService := services.NewEntitlementService(store, clk, logger)

	jobs := scheduler.NewScheduler(store.JobRuns, locker, clk, cfg.Scheduler, logger)
	jobs.Register(scheduler.JobExpirySweep, cfg.Scheduler.ExpirySweepEvery, func(ctx context.Context) error {
		_, err := expiryService.Sweep(ctx)
		return err
	})
	jobs.Register(scheduler.JobHealthMonitor, cfg.Scheduler.HealthMonitorEvery, healthMonitor.Run)
	jobs.Register(scheduler.JobReminderScan, cfg.Scheduler.ReminderScanEvery, func(ctx context.Context) error {
		_, err := reminderService.Scan(ctx)
		return err
	})
	jobs.Register(scheduler.JobDriftCheck, cfg.Scheduler.DriftCheckEvery, func(ctx context.Context) error {
		_, err := driftService.Check(ctx)
		return err
	})
	jobs.Register(scheduler.JobDailySummary, cfg.Scheduler.DailySummaryEvery, healthMonitor.DailySummary)

	if err := jobs.Start(); err != nil {
		logger.WithError(err).Warn("Failed to start job scheduler (continuing without scheduled jobs)")
	}

	// Health checks take untyped nils for disabled dependencies
	var (
		natsCheck  handlers.ConnectionChecker
		redisCheck handlers.Pinger
	)
	if natsClient != nil {
		natsCheck = natsClient
	}
	if redisClient != nil {
		redisCheck = redisClient
	}

	router := setupRouter(cfg, logger,
		handlers.NewHealthHandler(db, natsCheck, redisCheck, cfg.App.ServiceName, version),
		handlers.NewWebhookHandler(parser, webhookService, logger),
		handlers.NewSubscriptionHandler(subscriptionService, entitlementService, metricsService, logger),
		jobs,
	)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("Starting subscription service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down subscription service...")

	// Stop background jobs first
	jobs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("Subscription service stopped")
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := gormlogger.Default.LogMode(gormlogger.Warn)
	if cfg.IsProduction() {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	health *handlers.HealthHandler,
	webhooks *handlers.WebhookHandler,
	subscriptions *handlers.SubscriptionHandler,
	jobs *scheduler.Scheduler,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.SetupCORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.Tracing(cfg.App.ServiceName))

	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/stripe", webhooks.HandleStripe)

	// Internal endpoints for operators
	internal := router.Group("/internal")
	{
		internal.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"scheduler": jobs.GetStats(c.Request.Context())})
		})
		internal.POST("/jobs/:name/run", func(c *gin.Context) {
			name := c.Param("name")
			if err := jobs.RunNow(c.Request.Context(), name); err != nil {
				if errors.Is(err, scheduler.ErrUnknownJob) {
					handlers.ErrorResponse(c, logger, http.StatusNotFound, handlers.CodeNotFound, err.Error())
					return
				}
				handlers.ServiceErrorResponse(c, logger, err)
				return
			}
			handlers.SuccessResponse(c, http.StatusOK, "Job completed", gin.H{"job": name})
		})
	}

	subscriptions.RegisterRoutes(router.Group("/api/v1"))

	return router
}
