package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agrofin/capital-engine/internal/adapters/cache"
	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/internal/adapters/memory"
	"github.com/agrofin/capital-engine/internal/adapters/mongodb"
	"github.com/agrofin/capital-engine/internal/adapters/postgres"
	"github.com/agrofin/capital-engine/internal/adapters/rabbitmq"
	redisadapter "github.com/agrofin/capital-engine/internal/adapters/redis"
	"github.com/agrofin/capital-engine/internal/services/command"
	"github.com/agrofin/capital-engine/internal/services/query"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/events"
)

// Service is the assembled engine: both use-case sides, the event bus and
// the background sweeper, plus everything that needs closing on shutdown.
type Service struct {
	Command *command.UseCase
	Query   *query.UseCase
	Bus     *events.Bus
	Logger  *zap.SugaredLogger

	sweeper *Sweeper
	closers []func(context.Context) error
}

// InitService builds the engine from configuration. An empty RedisHost
// selects the in-memory accelerator; an empty DB_HOST selects the in-memory
// ledger, which is intended for tests and local development only.
func InitService(ctx context.Context, cfg *Config) (*Service, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	service := &Service{
		Bus:    events.NewBus(),
		Logger: logger,
	}

	cacheCfg := cache.Config{
		SnapshotTTL:        cfg.secondsOr(cfg.SnapshotTTLSeconds, constant.BalanceSnapshotTTL),
		SummaryTTL:         cfg.secondsOr(cfg.SummaryTTLSeconds, constant.PoolSummaryTTL),
		LockLease:          cfg.secondsOr(cfg.LockLeaseSeconds, constant.DistributedLockLease),
		LockAcquireTimeout: cfg.secondsOr(cfg.LockTimeoutSeconds, constant.LockAcquireTimeout),
		ReservationTTL:     cfg.secondsOr(cfg.ReservationTTLSeconds, constant.ReservationTTL),
	}

	cacheRepo, err := service.initCache(ctx, cfg, cacheCfg)
	if err != nil {
		return nil, err
	}

	poolRepo, txnRepo, err := service.initLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var producer rabbitmq.ProducerRepository

	if cfg.RabbitURI != "" {
		exchange := cfg.RabbitExchange
		if exchange == "" {
			exchange = "capital.events"
		}

		rabbitProducer, err := rabbitmq.NewProducerRabbitMQRepository(cfg.RabbitURI, exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("init rabbitmq producer: %w", err)
		}

		producer = rabbitProducer
		service.closers = append(service.closers, func(context.Context) error { return rabbitProducer.Close() })
	}

	var metadataRepo mongodb.Repository

	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}

		database := cfg.MongoDatabase
		if database == "" {
			database = "capital_engine"
		}

		metadataRepo = mongodb.NewMetadataMongoDBRepository(client, database)
		service.closers = append(service.closers, client.Disconnect)
	}

	commandCfg := command.DefaultConfig()
	commandCfg.ReservationTTL = cacheCfg.ReservationTTL

	if cfg.RetryAttempts > 0 {
		commandCfg.RetryAttempts = cfg.RetryAttempts
	}

	if cfg.RetryBackoffMillis > 0 {
		commandCfg.RetryBackoff = time.Duration(cfg.RetryBackoffMillis) * time.Millisecond
	}

	tracer := otel.Tracer("github.com/agrofin/capital-engine")

	service.Command = &command.UseCase{
		PoolRepo:        poolRepo,
		TransactionRepo: txnRepo,
		CacheRepo:       cacheRepo,
		Producer:        producer,
		MetadataRepo:    metadataRepo,
		Bus:             service.Bus,
		Logger:          logger,
		Tracer:          tracer,
		Config:          commandCfg,
	}

	service.Query = &query.UseCase{
		PoolRepo:        poolRepo,
		TransactionRepo: txnRepo,
		CacheRepo:       cacheRepo,
		MetadataRepo:    metadataRepo,
		Logger:          logger,
		Tracer:          tracer,
		Config:          query.DefaultConfig(),
	}

	sweepInterval := cfg.secondsOr(cfg.SweepIntervalSeconds, cacheCfg.ReservationTTL/2)
	service.sweeper = NewSweeper(service.Command, sweepInterval, logger)

	return service, nil
}

func (s *Service) initCache(ctx context.Context, cfg *Config, cacheCfg cache.Config) (cache.Repository, error) {
	addr := cfg.RedisAddr()
	if addr == "" {
		s.Logger.Warn("no redis configured, using in-memory accelerator")

		return memory.NewCacheRepository(cacheCfg), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	repo, err := redisadapter.NewConsumerRepository(ctx, client, cacheCfg, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("init redis accelerator: %w", err)
	}

	s.closers = append(s.closers, func(context.Context) error { return client.Close() })

	return repo, nil
}

func (s *Service) initLedger(ctx context.Context, cfg *Config) (ledger.PoolRepository, ledger.TransactionRepository, error) {
	if cfg.PostgresHost == "" {
		s.Logger.Warn("no postgres configured, using in-memory ledger")

		repo := memory.NewLedgerRepository()

		return repo, repo, nil
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	poolRepo, err := postgres.NewPoolRepository(ctx, db, s.Logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init pool repository: %w", err)
	}

	s.closers = append(s.closers, func(context.Context) error {
		db.Close()
		return nil
	})

	return poolRepo, postgres.NewTransactionRepository(db, s.Logger), nil
}

// Run starts the background sweeper and blocks until the context is
// cancelled, then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	s.Logger.Infow("capital engine started")

	s.sweeper.Start(ctx)

	<-ctx.Done()

	return s.Shutdown(context.Background())
}

// Shutdown stops the sweeper, closes the bus and releases every adapter.
func (s *Service) Shutdown(ctx context.Context) error {
	s.Logger.Infow("capital engine shutting down")

	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	s.Bus.Close()

	var firstErr error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	_ = s.Logger.Sync()

	return firstErr
}

func newLogger(cfg *Config) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.Set(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.EnvName == "local" || cfg.EnvName == "development" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}
