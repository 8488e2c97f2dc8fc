/**
 * @description
 * This is the main entry point for the settlement-service. It loads configuration,
 * connects to PostgreSQL, Redis, RabbitMQ and (for the executor role) the chain node,
 * wires the saga stages for the roles listed in SERVICE_ROLES and serves their HTTP
 * endpoints. The worker role consumes the task queues and delivers each task to its
 * stage endpoint.
 *
 * @notes
 * - The host wallet key is only read when the executor role is enabled.
 * - Without Redis the exchange API spacing is enforced per process only.
 *
 * @dependencies
 * - github.com/joho/godotenv: Local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared exchange API gate.
 * - internal/api, internal/app, internal/config, internal/dispatch, internal/store.
 * - pkg/chain, pkg/exchangeclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/settlement-service/internal/api"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chain"
	"github.com/transfa/settlement-service/pkg/exchangeclient"
	rmrabbit "github.com/transfa/settlement-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config invalid\" err=%v", err)
	}
	runsOrchestrator := cfg.HasRole(config.RoleOrchestrator)
	runsExecutor := cfg.HasRole(config.RoleExecutor)
	runsWorker := cfg.HasRole(config.RoleWorker)
	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s roles=%s", cfg.ServerPort, strings.Join(cfg.Roles(), ","))

	ctx := context.Background()

	// The producer backs task dispatch, delayed redelivery and domain events.
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()
	if err := producer.DeclareTaskQueues(cfg.TaskExchange, app.TaskQueues()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"task queue declaration failed\" err=%v", err)
	}
	dispatcher := dispatch.NewAMQPDispatcher(producer, cfg.TaskExchange)
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")

	var (
		repo     *store.PostgresRepository
		sweeper  *app.Sweeper
		handlers *api.SettlementHandlers
	)
	if runsOrchestrator || runsExecutor {
		dbpool := connectDatabase(ctx, cfg)
		defer dbpool.Close()
		repo = store.NewPostgresRepository(dbpool)

		codecs := domain.NewTokenCodecs(domain.TokenSecrets{
			Inbound:       cfg.TokenSecretInbound,
			Orchestration: cfg.TokenSecretOrchestration,
			Execution:     cfg.TokenSecretExecution,
			Report:        cfg.TokenSecretReport,
		}, cfg.InboundLegacyTokens)

		limiter := exchangeclient.NewLimiter(cfg.ExchangeMinInterval())
		if redisClient := connectRedis(ctx, cfg); redisClient != nil {
			defer redisClient.Close()
			limiter = limiter.WithSharedGate(exchangeclient.NewRedisGate(redisClient, cfg.RedisRateLimitPrefix), "exchange_api")
		}
		exchangeClient := exchangeclient.NewClient(cfg.ExchangeAPIBaseURL, cfg.ExchangeAPIKey, limiter)
		exchangeClient.MaxAttempts = cfg.ExchangeMaxAttempts
		quoteCache := exchangeclient.NewQuoteCache(cfg.QuoteTolerance, cfg.QuoteTTL())
		quoter := exchangeclient.NewQuoter(exchangeClient, quoteCache)

		handlerCfg := api.HandlerConfig{
			Dispatcher:    dispatcher,
			Codecs:        codecs,
			WebhookSecret: cfg.WebhookHMACSecret,
			Health:        repo.Ping,
		}

		if runsOrchestrator {
			ledger := app.NewLedger(repo, quoter, app.LedgerConfig{})
			orchestrator := app.NewOrchestrator(repo, ledger, quoter, exchangeClient, dispatcher, producer, codecs, app.OrchestratorConfig{
				FeePercent:       cfg.FeePercent,
				RetryDelay:       cfg.RetryDelay(),
				StatusDelay:      cfg.ExchangeStatusDelay(),
				MaxRetryDuration: cfg.MaxRetryDuration(),
				EventExchange:    cfg.EventExchange,
			})
			handlerCfg.Orchestrator = orchestrator
			handlerCfg.Accumulations = ledger
		}

		if runsExecutor {
			assets, err := config.LoadAssets(cfg.AssetsFile, cfg.ChainID)
			if err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"asset registry load failed\" err=%v", err)
			}
			dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
			chainClient, err := chain.Dial(dialCtx, chain.Config{
				RPCURL:      cfg.ChainRPCURL,
				Username:    cfg.ChainRPCUsername,
				Password:    cfg.ChainRPCPassword,
				ChainID:     cfg.ChainID,
				PrivateKey:  cfg.HostWalletPrivateKey,
				GasLimitMin: cfg.GasLimitMin,
				GasLimitMax: cfg.GasLimitMax,
			})
			cancelDial()
			if err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"chain client init failed\" err=%v", err)
			}
			executor := app.NewExecutor(repo, chainClient, assets, quoter, dispatcher, codecs, app.ExecutorConfig{
				RetryDelay:          cfg.RetryDelay(),
				MaxRetryDuration:    cfg.MaxRetryDuration(),
				ReestimateTolerance: cfg.ReestimateThreshold,
			})
			handlerCfg.Executor = executor
			sweeper = app.NewSweeper(executor, quoteCache, app.SweeperConfig{Schedule: cfg.ConfirmationSweepSchedule})
		}

		handlers = api.NewSettlementHandlers(handlerCfg)
	} else {
		handlers = api.NewSettlementHandlers(api.HandlerConfig{})
	}

	router := api.SettlementRoutes(handlers, api.AuthConfig{
		Secret:  cfg.OperatorJWTSecret,
		JWKSURL: cfg.OperatorJWKSURL,
		Issuer:  cfg.OperatorJWTIssuer,
	})

	var consumer *rmrabbit.Consumer
	if runsWorker {
		consumer = startWorker(cfg, dispatcher)
	}
	if sweeper != nil {
		sweeper.Start()
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if consumer != nil {
		consumer.Close()
	}
	if sweeper != nil {
		select {
		case <-sweeper.Stop().Done():
		case <-shutdownCtx.Done():
			log.Println("level=warn component=bootstrap msg=\"sweeper did not stop in time\"")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectDatabase(ctx context.Context, cfg config.Config) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if cfg.AutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(ctx, time.Minute)
		defer cancelMigrate()
		if err := store.EnsureSchema(migrateCtx, dbpool); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"schema ensured\"")
	}
	return dbpool
}

func connectRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; exchange rate gate is per process\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; exchange rate gate is per process\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; exchange rate gate is per process\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

func startWorker(cfg config.Config, redeliver dispatch.Redeliverer) *rmrabbit.Consumer {
	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.TaskPrefetch)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	worker := dispatch.NewWorker(dispatch.WorkerConfig{
		BaseURL:     cfg.PublicBaseURL,
		RetryDelay:  cfg.RetryDelay(),
		MaxDuration: cfg.MaxRetryDuration(),
	}, redeliver)

	queues := cfg.Queues()
	if len(queues) == 0 {
		queues = app.TaskQueues()
	}
	for _, queue := range queues {
		if err := consumer.ConsumeQueue(cfg.TaskExchange, queue, worker.Handle); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"task consumer start failed\" queue=%s err=%v", queue, err)
		}
		log.Printf("level=info component=bootstrap msg=\"consuming task queue\" queue=%s", queue)
	}
	return consumer
}
