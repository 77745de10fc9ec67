package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/replywatch/internal/config"
	"github.com/cuongbtq/replywatch/internal/detection/health"
	"github.com/cuongbtq/replywatch/internal/detection/quorum"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateEngineConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(ctx, dbClient.GetDB(), appLogger.Component("migrate")); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	store := storage.NewPostgres(dbClient.GetDB(), appLogger.Component("storage"))
	registry := initProviders(&cfg.Providers, store)

	// Initialize RabbitMQ clients: one consuming sent-email events, one publishing replies
	consumerClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Queue.Name, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ consumer: %w", err)
	}
	defer consumerClient.Close()

	var notifier notify.Notifier = notify.NewLogNotifier(appLogger.Logger)
	var rabbitNotifier *notify.RabbitNotifier
	if cfg.RabbitMQ.Notify.Enabled {
		publisherClient, err := initRabbitMQ(&cfg.RabbitMQ, "", appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ publisher: %w", err)
		}
		defer publisherClient.Close()
		rabbitNotifier = notify.NewRabbitNotifier(publisherClient, appLogger.Logger).
			WithRoutingKey(cfg.RabbitMQ.Notify.RoutingKey)
		notifier = rabbitNotifier
	}

	appLogger.Info("RabbitMQ connection established")

	checker := health.NewChecker(registry, health.Config{
		CacheTTL:       cfg.Health.CacheTTL,
		FailureTTL:     cfg.Health.FailureTTL,
		MinReadyLayers: cfg.Health.MinReadyLayers,
	}, appLogger.Logger)

	processor := worker.NewProcessor(store, registry, checker, notifier, worker.ProcessorConfig{
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
		JobBudget:         cfg.Engine.JobBudget,
		Quorum: quorum.Policy{
			MinHealthyLayers:    cfg.Quorum.MinHealthyLayers,
			MinConfirmingLayers: cfg.Quorum.MinConfirmingLayers,
			AcceptMajority:      *cfg.Quorum.AcceptMajority,
		},
	}, appLogger.Logger)

	reconciler := reconcile.New(store, registry, reconcileConfig(&cfg.Reconciliation), appLogger.Logger)

	loc, err := cfg.Engine.Location()
	if err != nil {
		return err
	}
	engine := worker.NewEngine(store, processor, reconciler, worker.Config{
		PollInterval:         cfg.Engine.PollInterval,
		StaleAfter:           cfg.Engine.StaleAfter,
		MaxConcurrentJobs:    cfg.Engine.MaxConcurrentJobs,
		MaxPerUserConcurrent: cfg.Engine.MaxPerUserConcurrent,
		HourlyInterval:       cfg.Engine.HourlyInterval,
		NightlyHour:          *cfg.Engine.NightlyHour,
		Location:             loc,
		FetchLimit:           cfg.Engine.FetchLimit,
	}, appLogger.Logger)

	registered, err := engine.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("failed to bootstrap engine: %w", err)
	}
	appLogger.Info("Engine bootstrapped", slog.Int("users", registered))

	consumer := worker.NewConsumer(consumerClient, engine, cfg.RabbitMQ.Consumer.Tag,
		cfg.RabbitMQ.Consumer.DefaultDelay, appLogger.Logger)

	// Start consumer in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Consumer error",
			slog.Any("error", runErr),
		)
	}

	// Stop accepting new messages
	cancel()

	// Give in-flight jobs time to finish
	done := make(chan struct{})
	go func() {
		engine.Stop()
		if rabbitNotifier != nil {
			rabbitNotifier.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Engine stopped gracefully")
	case <-time.After(cfg.Engine.ShutdownTimeout):
		appLogger.Warn("Engine shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
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
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
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

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes a RabbitMQ client. An empty queue makes it publish-only.
func initRabbitMQ(cfg *config.RabbitMQConfig, queue string, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		QueueName:         queue,
		QueueDurable:      cfg.Queue.Durable,
		BindingKeys:       cfg.BindingKeys,
		PrefetchCount:     cfg.Consumer.PrefetchCount,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initProviders registers an adapter for every enabled provider
func initProviders(cfg *config.ProvidersConfig, tokens provider.TokenStore) *provider.Registry {
	registry := provider.NewRegistry()
	if cfg.Gmail.Enabled {
		registry.Register(domain.ProviderGmail, provider.NewGmail(tokens, oauthOptions(cfg.Gmail)))
	}
	if cfg.Outlook.Enabled {
		registry.Register(domain.ProviderOutlook, provider.NewOutlook(tokens, cfg.Outlook.Tenant, oauthOptions(cfg.Outlook)))
	}
	return registry
}

func oauthOptions(cfg config.OAuthProviderConfig) provider.OAuthOptions {
	return provider.OAuthOptions{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
	}
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
