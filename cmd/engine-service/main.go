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
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/job-engine/internal/api/handler"
	"github.com/cuongbtq/job-engine/internal/api/router"
	"github.com/cuongbtq/job-engine/internal/breaker"
	"github.com/cuongbtq/job-engine/internal/config"
	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/internal/events/amqpstream"
	"github.com/cuongbtq/job-engine/internal/events/redisstream"
	"github.com/cuongbtq/job-engine/internal/executor"
	"github.com/cuongbtq/job-engine/internal/jobstore"
	"github.com/cuongbtq/job-engine/internal/subsystem"
	"github.com/cuongbtq/job-engine/internal/worker"
	"github.com/cuongbtq/job-engine/shared/logger"
	"github.com/cuongbtq/job-engine/shared/rabbitmq"
	"github.com/cuongbtq/job-engine/shared/redisclient"
	"github.com/cuongbtq/job-engine/shared/sqldb"
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
	defaultConfigPath := os.Getenv("ENGINE_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/engine-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	instanceID := cfg.Events.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}

	appLogger.Info("Starting engine service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("instance_id", instanceID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize job store
	dbClient, err := initDatabase(&cfg.Database, appLogger.Component("sqldb"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := jobstore.New(dbClient.GetDB(), appLogger.Component("jobstore"))
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate job store: %w", err)
	}

	appLogger.Info("Database connection established", slog.String("driver", dbClient.Driver()))

	// Initialize event stream
	stream, closeStream, err := initStream(ctx, cfg, instanceID, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event stream: %w", err)
	}
	defer closeStream()

	bus := events.NewDistributedBus(events.NewBus(appLogger.Component("events")), stream, events.DistributedOptions{
		InstanceID:        instanceID,
		ReconnectInterval: cfg.Events.ReconnectInterval,
		Breaker: breaker.New("event-stream", breaker.Options{
			FailureThreshold: cfg.Events.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Events.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Events.Breaker.HalfOpenMaxCalls,
			Logger:           appLogger.Component("breaker"),
		}),
		Logger: appLogger.Component("events"),
	})
	defer bus.Close()

	// Initialize worker pool
	systems := cfg.Executor.AllowedSystems
	if len(systems) == 0 {
		systems = executor.DefaultSystems
	}
	registry := subsystem.NewRegistry(systems...)

	execLogger := appLogger.Component("executor")
	execCfg := executor.Config{
		Command:        cfg.Executor.Command,
		Args:           cfg.Executor.Args,
		WorkDir:        cfg.Executor.WorkDir,
		ConfigPath:     cfg.Executor.ConfigPath,
		Timeout:        cfg.Executor.Timeout,
		KillGrace:      cfg.Executor.KillGrace,
		AllowedSystems: systems,
		Env:            cfg.Executor.Env,
	}

	pool := worker.NewPool(&worker.Config{
		Logger:   appLogger.Component("worker"),
		Store:    store,
		Events:   bus,
		Statuses: registry,
		NewExecutor: func(slotID int) worker.Executor {
			return executor.NewProcess(execCfg, execLogger.With(slog.Int("slot_id", slotID)))
		},
		MaxWorkers:      cfg.Pool.MaxWorkers,
		PollInterval:    cfg.Pool.PollInterval,
		CleanupInterval: cfg.Pool.CleanupInterval,
		SlotTimeout:     cfg.Pool.SlotTimeout,
	})

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger.Component("api"),
		Store:          store,
		Pool:           pool,
		Events:         bus,
		Subsystems:     registry,
		HealthCheck:    dbClient.HealthCheck,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bus.Run(gctx)
	})

	g.Go(func() error {
		if err := pool.Start(gctx); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout)
		defer cancel()
		if err := pool.Stop(stopCtx); err != nil && !errors.Is(err, worker.ErrPoolNotRunning) {
			return fmt.Errorf("failed to stop worker pool: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			return err
		}
		return nil
	})

	appLogger.Info("Engine service is running",
		slog.String("address", addr),
		slog.Int("max_workers", pool.MaxWorkers()),
		slog.Bool("distributed", bus.Distributed()),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Engine service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the SQL client backing the job store
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*sqldb.Client, error) {
	dbConfig := &sqldb.Config{
		Driver:          cfg.Driver,
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
		BusyTimeout:     cfg.BusyTimeout,
	}

	return sqldb.NewClient(dbConfig, logger)
}

// initStream builds the configured cross instance stream. It returns a nil
// stream for the none backend.
func initStream(ctx context.Context, cfg *config.Config, instanceID string, logger *slog.Logger) (events.Stream, func(), error) {
	noop := func() {}

	switch cfg.Events.Backend {
	case config.EventsBackendRedis:
		client, err := redisclient.NewClient(ctx, &redisclient.Config{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			SocketTimeout: cfg.Redis.SocketTimeout,
			RetryAttempts: cfg.Redis.RetryAttempts,
			RetryInterval: cfg.Redis.RetryInterval,
		}, logger.With(slog.String("component", "redis")))
		if err != nil {
			return nil, noop, err
		}
		stream := redisstream.New(client.Redis(), redisstream.Config{
			Prefix:     cfg.Redis.Prefix,
			Group:      cfg.Redis.Group,
			InstanceID: instanceID,
			MaxLen:     cfg.Redis.MaxLen,
		}, logger.With(slog.String("component", "redisstream")))
		return stream, func() { client.Close() }, nil

	case config.EventsBackendRabbitMQ:
		client := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.RabbitMQ.Host,
			Port:               cfg.RabbitMQ.Port,
			User:               cfg.RabbitMQ.User,
			Password:           cfg.RabbitMQ.Password,
			VHost:              cfg.RabbitMQ.VHost,
			ExchangeName:       cfg.RabbitMQ.Exchange.Name,
			ExchangeType:       cfg.RabbitMQ.Exchange.Type,
			ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
			QueueName:          queueName(cfg.RabbitMQ.Queue.Prefix, cfg.RabbitMQ.Exchange.Name, instanceID),
			PrefetchCount:      cfg.RabbitMQ.Consumer.PrefetchCount,
			RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
			PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
			PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
			PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
		}, logger.With(slog.String("component", "rabbitmq")))
		// The listener connects and reconnects on its own
		stream := amqpstream.New(client, instanceID, logger.With(slog.String("component", "amqpstream")))
		return stream, noop, nil

	default:
		return nil, noop, nil
	}
}

func queueName(prefix, exchange, instanceID string) string {
	if prefix == "" {
		prefix = exchange
	}
	return prefix + "." + instanceID
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimit:      cfg.Server.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.Server.RateLimit.Burst,
	})
}
