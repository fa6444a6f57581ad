package main

import (
	"context"

	"github.com/shorelinehq/bursar/internal/alerts"
	"github.com/shorelinehq/bursar/internal/handlers"
	bstripe "github.com/shorelinehq/bursar/internal/stripe"
	"github.com/shorelinehq/bursar/pkg/auth"
	"github.com/shorelinehq/bursar/pkg/config"
	"github.com/shorelinehq/bursar/pkg/database"
	"github.com/shorelinehq/bursar/pkg/logging"
	"github.com/shorelinehq/bursar/pkg/monitoring"
	"github.com/shorelinehq/bursar/pkg/redis"
	"github.com/shorelinehq/bursar/pkg/server"
	"github.com/shorelinehq/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Billing Jobs API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Apply schema migrations
	migrationsPath := config.GetEnv("MIGRATIONS_PATH", "migrations")
	if err := database.RunMigrations(dbURL, migrationsPath, logger); err != nil {
		logger.WithError(err).Fatal("Database migration failed")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":      dbURL,
		"SERVICE_TOKEN":     serviceToken,
		"STRIPE_SECRET_KEY": stripeKey,
	}))

	// Create custom billing metrics
	metrics := &handlers.BursarMetrics{
		AutoReloadCharges: metricsCollector.NewCounter("auto_reload_charges_total", "Auto-reload charge attempts", []string{"status"}),
		CreditsExpiredUSD: metricsCollector.NewCounter("credits_expired_usd_total", "Credits expired in whole USD", []string{"status"}),
		DripEmails:        metricsCollector.NewCounter("drip_emails_sent_total", "Drip emails sent", []string{"email_key"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Initialize handlers
	handlers.Init(db, logger, metrics)

	// Stripe payment charger
	charger := bstripe.NewClient(bstripe.Config{
		SecretKey: stripeKey,
		Logger:    logger,
	})

	// Slack alerting, no-op when SLACK_WEBHOOK_URL is unset
	notifier := alerts.NewSlackNotifier(config.GetEnv("SLACK_WEBHOOK_URL", ""), logger)

	// Redis lock serializing auto-reload sweeps across instances
	var sweepLock *redis.Lock
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(context.Background(), redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		sweepLock = redis.NewLock(redisClient)
	} else {
		logger.Warn("REDIS_URL not set, auto-reload sweeps will run without a distributed lock")
	}

	// Initialize and start JobManager for background billing tasks
	jobManager := handlers.NewJobManager(logger, charger, notifier, sweepLock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background billing jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// Job trigger endpoints (service-to-service)
	serviceAPI := router.Group("")
	serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
	{
		serviceAPI.POST("/jobs/auto-reload", jobManager.TriggerAutoReload)
		serviceAPI.POST("/jobs/expire-credits", jobManager.TriggerCreditExpiration)
		serviceAPI.POST("/jobs/drip-emails", jobManager.TriggerDripEmails)
		serviceAPI.GET("/owners/:owner_id/spending-limit", handlers.ValidateSpendingLimit)
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
