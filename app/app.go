package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/nostrfit/settlement/config"
	"github.com/nostrfit/settlement/database"
	apperrors "github.com/nostrfit/settlement/errors"
	commonevents "github.com/nostrfit/settlement/events"
	"github.com/nostrfit/settlement/internal/cache"
	"github.com/nostrfit/settlement/internal/events/publisher"
	"github.com/nostrfit/settlement/internal/lightning"
	"github.com/nostrfit/settlement/internal/relay"
	"github.com/nostrfit/settlement/internal/repository"
	"github.com/nostrfit/settlement/internal/scheduler"
	"github.com/nostrfit/settlement/internal/service"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/natsjetstream"
	"github.com/redis/go-redis/v9"
)

type App struct {
	cfg               *config.Config
	logger            *logger.Logger
	db                *database.DynamoDBClient
	natsClient        *natsjetstream.Client
	redisClient       *redis.Client
	eventPublisher    *publisher.EventPublisher
	leaderboard       service.LeaderboardService
	settlementService service.SettlementService
	scheduler         *scheduler.Scheduler

	cleanup []func() error
}

func New(ctx context.Context, cfg *config.Config) (*App, *apperrors.AppError) {
	app := &App{
		cfg:     cfg,
		cleanup: make([]func() error, 0),
	}

	if err := app.initLogger(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to init logger")
	}

	if err := app.initDatabase(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to init database")
	}

	if err := app.initNATS(ctx); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to init nats client")
	}

	if err := app.initServices(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to init settlement services")
	}

	if err := app.initScheduler(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to init scheduler")
	}

	return app, nil
}

func (a *App) initLogger() *apperrors.AppError {
	if a.cfg.Server.Environment == "development" {
		a.logger = logger.Development("settlement-service")
	} else {
		a.logger = logger.New(logger.Config{
			Level:       a.cfg.Server.LogLevel,
			Format:      "json",
			ServiceName: "settlement-service",
		})
	}
	return nil
}

func (a *App) initDatabase() *apperrors.AppError {
	dynamoClient, err := database.NewDynamoDBClient(a.cfg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to create DynamoDB client")
	}

	a.db = dynamoClient
	return nil
}

func (a *App) initNATS(ctx context.Context) *apperrors.AppError {
	natsClient, err := natsjetstream.NewClient(&natsjetstream.Config{
		URL:           a.cfg.NATS.URL,
		MaxReconnect:  a.cfg.NATS.MaxReconnect,
		ReconnectWait: time.Duration(a.cfg.NATS.ReconnectWaitSeconds) * time.Second,
		Timeout:       time.Duration(a.cfg.NATS.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	a.natsClient = natsClient

	stream := jetstream.StreamConfig{
		Name:     commonevents.SettlementEventsStream,
		Subjects: []string{commonevents.SettlementEventsWildcard},
	}

	if _, streamErr := a.natsClient.JetStream().CreateOrUpdateStream(ctx, stream); streamErr != nil {
		a.logger.Error("Failed to create stream",
			"error", streamErr,
			"stream", stream.Name,
		)
		return apperrors.Wrap(streamErr, apperrors.CodeInternalServer, "failed to create jetstream event stream")
	}
	a.logger.Info("Stream ready", "stream", stream.Name)

	a.cleanup = append(a.cleanup, natsClient.Close)

	a.eventPublisher = publisher.NewEventPublisher(a.natsClient, a.logger)

	return nil
}

func (a *App) initServices() *apperrors.AppError {
	fetcher := relay.NewFetcher(
		a.cfg.Relays.URLs,
		a.cfg.RelayFetchTimeout(),
		a.cfg.Relays.EventLimit,
		a.logger,
	)

	leaderboardCache, err := a.buildLeaderboardCache()
	if err != nil {
		return err
	}

	a.leaderboard = service.NewLeaderboardService(fetcher, leaderboardCache, a.logger)

	competitionRepo := repository.NewCompetitionRepository(a.db)
	distributionRepo := repository.NewDistributionRepository(a.db)
	transactionRepo := database.NewTransactionRepository(a.db)
	gateway := lightning.NewClient(a.cfg.Lightning, a.logger)

	a.settlementService = service.NewSettlementService(
		competitionRepo,
		distributionRepo,
		transactionRepo,
		a.leaderboard,
		gateway,
		a.eventPublisher,
		a.logger,
		time.Duration(a.cfg.Settlement.DispatchTimeoutSecs)*time.Second,
	)

	return nil
}

// buildLeaderboardCache picks the shared Redis cache when an address is
// configured, the in-process cache otherwise.
func (a *App) buildLeaderboardCache() (cache.LeaderboardCache, *apperrors.AppError) {
	if a.cfg.Redis.Address == "" {
		return cache.NewMemoryCache(a.cfg.CacheTTL(), a.cfg.CacheStaleAfter(), a.logger), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeRedisOperationError, "failed to connect to Redis")
	}

	a.redisClient = client
	a.cleanup = append(a.cleanup, client.Close)

	return cache.NewRedisCache(client, a.cfg.CacheTTL(), a.cfg.CacheStaleAfter(), a.logger), nil
}

func (a *App) initScheduler() *apperrors.AppError {
	settlementScheduler := scheduler.NewSettlementScheduler(a.settlementService, a.logger)

	taskScheduler, err := scheduler.NewScheduler(
		settlementScheduler,
		a.cfg.Settlement.SweepCron,
		a.cfg.Settlement.ReconcileCron,
		a.logger,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInvalidInput, "invalid scheduler cron expression")
	}

	a.scheduler = taskScheduler
	return nil
}

func (a *App) Start() *apperrors.AppError {
	a.scheduler.Start()
	a.logger.Info("Application started successfully")
	return nil
}

func (a *App) Stop() *apperrors.AppError {
	a.logger.Info("Stopping application...")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	for _, cleanup := range a.cleanup {
		if err := cleanup(); err != nil {
			a.logger.Error(fmt.Sprintf("Cleanup error: %v", err))
		}
	}

	a.logger.Info("Application stopped")
	return nil
}

// SettlementService exposes the settlement entry points for programmatic
// callers (captain-initiated settle and retry).
func (a *App) SettlementService() service.SettlementService {
	return a.settlementService
}

// LeaderboardService exposes the cached leaderboard read path.
func (a *App) LeaderboardService() service.LeaderboardService {
	return a.leaderboard
}
