package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/database"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/events"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/lock"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/logging"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/routes"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/scheduler"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/services"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func main() {
	started := time.Now()

	// Structured logging (JSON to stdout)
	logger := logging.Setup()

	cfg := config.Load()

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}
	if cfg.DBPassword == "" {
		slog.Error("DB_PASSWORD environment variable is required")
		os.Exit(1)
	}
	if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
		slog.Error("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET environment variables are required")
		os.Exit(1)
	}

	// Database
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch)
	pgLogHandler := logging.NewPGHandler(db)
	logger = logging.WithStore(pgLogHandler)

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.AppEnv,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		}
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	billingMetrics := metrics.NewBilling(registry)

	// Payment provider
	stripeGateway := payments.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)
	gateway := payments.NewResilient(stripeGateway, cfg.ChargeTimeout, cfg.ChargeRetryDelay, billingMetrics, logger)
	catalog := payments.NewCatalog(cfg.Currency, cfg.PriceMonthlyCents, cfg.PriceAnnualCents)

	// Run lock
	var (
		locker      lock.Locker = lock.NewMemory()
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		redisClient, err = lock.Connect(context.Background(), cfg.RedisURL)
		if err != nil {
			slog.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		locker = lock.NewRedis(redisClient)
		slog.Info("renewal lock backed by redis")
	} else {
		slog.Warn("REDIS_URL not set, renewal lock is process-local")
	}

	// Lifecycle events
	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			slog.Error("kafka publisher init failed", "error", err)
			os.Exit(1)
		}
		publisher = kafkaPublisher
	}

	// Services
	st := store.New(db)
	renewalService := services.NewRenewalService(st, gateway, catalog, locker, publisher, billingMetrics, services.RenewalConfig{
		MaxAttempts:       cfg.RenewalMaxAttempts,
		Workers:           cfg.RenewalWorkers,
		LockTTL:           cfg.RenewalLockTTL,
		PendingStaleAfter: cfg.PendingStaleAfter,
		Location:          cfg.RenewalLocation(),
	}, logger)
	subscriptionService := services.NewSubscriptionService(st, catalog, renewalService, publisher, logger)
	checkoutService := services.NewCheckoutService(st, gateway, catalog, services.CheckoutConfig{
		SessionTTL: cfg.CheckoutSessionTTL,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	}, logger)
	accountService := services.NewAccountService(db, publisher, billingMetrics, logger)

	// Scheduled tasks
	sched := scheduler.New(logger)
	tasks := []scheduler.Task{
		{
			Name:     "renewals",
			Spec:     cfg.RenewalSchedule,
			Location: cfg.RenewalLocation(),
			Run:      renewalTask(renewalService, logger.With("task", "renewals")),
		},
		{
			Name: "liveness",
			Spec: cfg.LivenessSchedule,
			Run:  livenessTask(st, started, logger.With("task", "liveness")),
		},
		{
			Name: "log-retention",
			Spec: "30 3 * * *",
			Run:  logging.RetentionTask(db, cfg.LogRetention, logger.With("task", "log-retention")),
		},
	}
	for _, task := range tasks {
		if err := sched.Register(task); err != nil {
			slog.Error("failed to register scheduled task", "task", task.Name, "error", err)
			os.Exit(1)
		}
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler(st, started)
	paymentHandler := handlers.NewPaymentHandler(checkoutService, cfg.JWTSecret)
	accountHandler := handlers.NewAccountHandler(accountService)
	webhookHandler := handlers.NewWebhookHandler(subscriptionService, gateway)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	// Sentry middleware
	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(middleware.SecurityHeaders())

	// Routes
	routes.Setup(app, cfg, registry, healthHandler, paymentHandler, accountHandler, webhookHandler)

	sched.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Error("scheduler shutdown error", "error", err)
	}
	if err := publisher.Close(); err != nil {
		slog.Error("event publisher close error", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	pgLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	if err := database.Close(db); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := handlers.StatusFor(err)
	message := err.Error()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		message = fe.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	}

	return c.Status(code).JSON(dto.ErrorResponse{
		Error:   true,
		Message: message,
	})
}
