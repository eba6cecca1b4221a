package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/adapter/cache"
	oauthadapter "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/adapter/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	httptransport "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/handler"
	httpmiddleware "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/middleware"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/lock"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/mcp"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/server"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/statecodec"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newFlowStores,
			newSessionRepository,
			newBrokerTokenRepository,
			newLockCoordinator,
			newStateCodec,
			newProviderClient,
			newRateLimiter,
			service.NewAuthorizeService,
			service.NewTokenService,
			service.NewRefreshService,
			service.NewAuthenticator,
			handler.NewBrokerHandler,
			newAuthMiddleware,
			mcp.NewServer,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

// newPGXPool connects to Postgres when DATABASE_URL is set. Without it the
// broker runs on memory repositories, which only suits development.
func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, sessions and broker tokens are in-memory only")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, flow state is in-memory only")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// newFlowStores picks redis or memory implementations for the short-lived
// stores. The sweeper is nil when redis handles expiry natively.
func newFlowStores(client redis.UniversalClient, logger *zap.Logger) (repository.ChallengeStore, repository.StateBridgeStore, repository.AuthCodeStore, *repository.Sweeper) {
	if client != nil {
		return cacheadapter.NewRedisChallengeStore(client),
			cacheadapter.NewRedisStateBridgeStore(client),
			cacheadapter.NewRedisAuthCodeStore(client),
			nil
	}

	challenges := repository.NewMemoryChallengeStore()
	bridge := repository.NewMemoryStateBridgeStore()
	codes := repository.NewMemoryAuthCodeStore()
	sweeper := repository.NewSweeper(time.Minute, logger, challenges, bridge, codes)
	return challenges, bridge, codes, sweeper
}

func newSessionRepository(pool *pgxpool.Pool) repository.CompanySessionRepository {
	if pool == nil {
		return repository.NewMemoryCompanySessionRepo()
	}
	return repository.NewPostgresCompanySessionRepo(pool)
}

func newBrokerTokenRepository(pool *pgxpool.Pool) repository.BrokerTokenRepository {
	if pool == nil {
		return repository.NewMemoryBrokerTokenRepo()
	}
	return repository.NewPostgresBrokerTokenRepo(pool)
}

func newLockCoordinator(cfg config.Config) *lock.Coordinator {
	return lock.NewCoordinator(cfg.LockWaitTimeout)
}

func newStateCodec(cfg config.Config) *statecodec.Codec {
	return statecodec.New([]byte(cfg.StateSigningSecret), cfg.FlowStateTTL)
}

func newProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil, cfg)
}

func newRateLimiter(cfg config.Config) *httpmiddleware.RateLimiter {
	return httpmiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newAuthMiddleware(authenticator *service.Authenticator) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Authenticator: authenticator}
}

func startSweeper(lc fx.Lifecycle, sweeper *repository.Sweeper) {
	if sweeper == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sweeper.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
