package gateway

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tollgate-video/tollgate/app/gateway/hub"
	"github.com/tollgate-video/tollgate/app/gateway/types"
	"github.com/tollgate-video/tollgate/pkg/billing"
	"github.com/tollgate-video/tollgate/pkg/config"
	"github.com/tollgate-video/tollgate/pkg/db/postgres"
	"github.com/tollgate-video/tollgate/pkg/db/sqlite"
	"github.com/tollgate-video/tollgate/pkg/logging"
	"github.com/tollgate-video/tollgate/pkg/metrics"
	"github.com/tollgate-video/tollgate/pkg/redis"
	"github.com/tollgate-video/tollgate/pkg/utils"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("gateway")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load(utils.Env("TOLLGATE_CONFIG", ""))
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to redis", zap.Error(err))
	}

	durable, closeDurable, err := OpenDurable(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to open durable ledger", zap.Error(err), zap.String("driver", cfg.DurableDriver))
	}

	app, err := Assemble(cfg, redisClient, durable, closeDurable, logger)
	if err != nil {
		logger.Fatal("Unable to assemble billing service", zap.Error(err))
	}
	return app
}

// OpenDurable opens the durable ledger selected by cfg.DurableDriver.
func OpenDurable(ctx context.Context, cfg *config.Config, logger *zap.Logger) (types.DurableStore, func(), error) {
	switch cfg.DurableDriver {
	case config.DriverSQLite:
		l, err := sqlite.Open(cfg.SQLitePath, logger.With(zap.String("component", "durable_ledger")))
		if err != nil {
			return nil, nil, err
		}
		return l, func() {
			if err := l.Close(); err != nil {
				logger.Error("Failed to close durable ledger", zap.Error(err))
			}
		}, nil
	case config.DriverPostgres:
		l, err := postgres.NewLedger(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown durable driver %q", cfg.DurableDriver)
	}
}

// Assemble wires the billing service and its Redis adapters around already opened stores.
func Assemble(cfg *config.Config, redisClient *redis.Client, durable types.DurableStore, closeDurable func(), logger *zap.Logger) (*types.App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	notifier := billing.NewAsyncNotifier(redis.NewNotifier(redisClient), cfg.NotifyWorkers, cfg.NotifyQueueSize, m, logger)
	retryQueue := redis.NewRetryQueue(redisClient)

	svc := billing.NewService(billing.Deps{
		Fast:        redis.NewLedger(redisClient, redis.LedgerOptions{PendingTTL: cfg.PendingTTL, SessionTTL: cfg.SessionTTL, HeartbeatTTL: cfg.HeartbeatTTL, ActiveTTL: cfg.SessionTTL, LeaseTTL: cfg.PendingTTL}),
		Durable:     durable,
		Catalog:     durable,
		Invalidator: redis.NewInvalidator(redisClient),
		Notifier:    notifier,
		Retry:       retryQueue,
		Metrics:     m,
		Logger:      logger,
	}, billing.OptionsFromConfig(cfg))

	consumer, err := redis.NewStreamConsumer(redisClient, redis.StreamConsumerConfig{
		Stream:   retryQueue.Stream(),
		Group:    redis.RetryGroup,
		Consumer: ConsumerName(),
		Logger:   logger.With(zap.String("component", "retry_consumer")),
	})
	if err != nil {
		notifier.Close()
		svc.Close()
		return nil, err
	}

	return &types.App{
		Config:        cfg,
		Service:       svc,
		Redis:         redisClient,
		Durable:       durable,
		CloseDurable:  closeDurable,
		Notifier:      notifier,
		RetryConsumer: consumer,
		Hub:           hub.New(redisClient, logger),
		Registry:      registry,
		Logger:        logger,
	}, nil
}

// ConsumerName names this instance in the retry consumer group: CONSUMER_NAME, else the hostname. It stays
// the same across restarts so a restarted instance replays what it left pending.
func ConsumerName() string {
	if name := utils.Env("CONSUMER_NAME", ""); name != "" {
		return name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "gateway"
}
