package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/replywatch/internal/api/handler"
	"github.com/cuongbtq/replywatch/internal/api/router"
	"github.com/cuongbtq/replywatch/internal/config"
	"github.com/cuongbtq/replywatch/internal/deadletter"
	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/notify"
	"github.com/cuongbtq/replywatch/internal/provider"
	"github.com/cuongbtq/replywatch/internal/reconcile"
	"github.com/cuongbtq/replywatch/internal/storage"
	"github.com/cuongbtq/replywatch/internal/worker"
	"github.com/cuongbtq/replywatch/shared/logger"
	"github.com/cuongbtq/replywatch/shared/postgresql"
	"github.com/cuongbtq/replywatch/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	store := storage.NewPostgres(dbClient.GetDB(), appLogger.Component("storage"))

	checks := map[string]router.HealthChecker{"database": dbClient}

	// Operator-confirmed replies are broadcast like detected ones
	var notifier notify.Notifier = notify.NewLogNotifier(appLogger.Logger)
	var rabbitNotifier *notify.RabbitNotifier
	if cfg.RabbitMQ.Notify.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		rabbitNotifier = notify.NewRabbitNotifier(rabbitClient, appLogger.Logger).
			WithRoutingKey(cfg.RabbitMQ.Notify.RoutingKey)
		notifier = rabbitNotifier
		checks["rabbitmq"] = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	registry := initProviders(&cfg.Providers, store)

	// The API never starts the engine loop; queued jobs are picked up by the worker service.
	engine := worker.NewEngine(store, nil, nil, worker.Config{}, appLogger.Logger)

	handlerDeps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Detections:  engine,
		DeadLetters: deadletter.NewService(store, notifier, appLogger.Logger),
		Reconciler:  reconcile.New(store, registry, reconcileConfig(&cfg.Reconciliation), appLogger.Logger),
		Anomalies:   store,
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, handlerDeps, checks)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errChan:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if rabbitNotifier != nil {
		rabbitNotifier.Wait()
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
		RetryInterval:   cfg.RetryInterval,
	}

	return postgresql.NewClient(context.Background(), dbConfig, logger)
}

// initRabbitMQ initializes a publish-only RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initProviders registers an adapter for every enabled provider. Manual
// reconciliation runs the inbox audit through them.
func initProviders(cfg *config.ProvidersConfig, tokens provider.TokenStore) *provider.Registry {
	registry := provider.NewRegistry()
	if cfg.Gmail.Enabled {
		registry.Register(domain.ProviderGmail, provider.NewGmail(tokens, provider.OAuthOptions{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			BaseURL:      cfg.Gmail.BaseURL,
			Timeout:      cfg.Gmail.Timeout,
		}))
	}
	if cfg.Outlook.Enabled {
		registry.Register(domain.ProviderOutlook, provider.NewOutlook(tokens, cfg.Outlook.Tenant, provider.OAuthOptions{
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			BaseURL:      cfg.Outlook.BaseURL,
			Timeout:      cfg.Outlook.Timeout,
		}))
	}
	return registry
}

func reconcileConfig(cfg *config.ReconciliationConfig) reconcile.Config {
	return reconcile.Config{
		HourlyLookback: cfg.HourlyLookback,
		MinRecheckAge:  cfg.MinRecheckAge,
		HourlyLimit:    cfg.HourlyLimit,
		NightlyLimit:   cfg.NightlyLimit,
		AuditWindow:    cfg.AuditWindow,
		AuditNearZero:  *cfg.AuditNearZero,
		AuditMinInbox:  cfg.AuditMinInbox,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies, checks map[string]router.HealthChecker) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, checks)
}
