package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/api"
	"github.com/Priya8975/webhook-dispatcher/internal/config"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/ingest"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/queue"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/tracing"
	"github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
)

const serviceName = "webhook-dispatcher"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	metrics.InitAPIMetrics()
	metrics.InitDeliveryMetrics()

	subStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open subscription store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	pool := worker.NewPool(cfg.NumWorkers, logger)

	// Without Redis, jobs go straight to the pool and rate limits are
	// tracked on the subscription record.
	var (
		enqueuer engine.Enqueuer    = pool
		limiter  engine.RateLimiter = engine.WindowLimiter{}
		poller   *worker.Poller
	)
	if cfg.RedisURL != "" {
		redisClient, err := queue.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")

		redisQueue := queue.NewRedisQueue(redisClient, logger)
		enqueuer = redisQueue
		limiter = engine.NewRedisWindowLimiter(redisClient, logger)
		poller = worker.NewPoller(redisQueue, pool, logger)
	}

	deliverer := worker.NewDeliverer(worker.DelivererConfig{
		Timeout:             cfg.DeliveryTimeout,
		OutboundRPS:         cfg.OutboundRPS,
		BlockPrivateTargets: cfg.BlockPrivateTargets,
	}, logger)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	dispatcher := engine.NewDispatcher(subStore, limiter, deliverer, enqueuer, logger).
		WithNotifier(hub).
		WithAutoRetry(cfg.AutoRetry)

	// Workers keep running after the signal so queued jobs can finish;
	// Stop closes them down once intake has ended.
	pool.Start(context.WithoutCancel(ctx), dispatcher.Handle)

	pollerDone := make(chan struct{})
	if poller != nil {
		go func() {
			defer close(pollerDone)
			poller.Start(ctx)
		}()
	} else {
		close(pollerDone)
	}

	ingestDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		metrics.InitKafkaMetrics()
		consumer := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, dispatcher, logger)
		go func() {
			defer close(ingestDone)
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped", "error", err)
			}
		}()
	} else {
		close(ingestDone)
	}

	router := api.NewRouter(api.Deps{
		Store:               subStore,
		Dispatcher:          dispatcher,
		Feed:                hub.HandleWebSocket,
		FeedClients:         hub.ClientCount,
		BlockPrivateTargets: cfg.BlockPrivateTargets,
		Logger:              logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DeliveryTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreBackend, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	<-pollerDone
	<-ingestDone
	pool.Stop()

	logger.Info("server stopped")
}

// openStore connects the configured subscription store and returns a
// func that releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.SubscriptionStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL")

		if err := pgStore.RunMigrations(ctx); err != nil {
			pgStore.Close()
			return nil, nil, err
		}
		logger.Info("database migrations applied")
		return pgStore, pgStore.Close, nil

	case config.StoreMongo:
		mongoStore, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to MongoDB", "database", cfg.MongoDatabase)
		return mongoStore, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoStore.Close(ctx); err != nil {
				logger.Error("failed to close mongo client", "error", err)
			}
		}, nil

	default:
		logger.Warn("using in-memory subscription store, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
}
