package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"issueindex/internal/adapters/embedder"
	"issueindex/internal/adapters/repo"
	"issueindex/internal/infra/cache"
	"issueindex/internal/infra/config"
	apphttp "issueindex/internal/infra/http"
	applog "issueindex/internal/infra/log"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/infra/queue"
	"issueindex/internal/usecase/consume"
	"issueindex/internal/usecase/persist"
	"issueindex/internal/usecase/staging"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "embedder", cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := repo.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Embedding.Dim, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("embedder: нет подключения к БД (PG_DSN)")
	}
	defer closeStore()

	embed, err := embedder.New(ctx, embedder.Settings{
		Provider:      cfg.Embedding.Provider,
		Model:         cfg.Embedding.Model,
		Dim:           cfg.Embedding.Dim,
		BatchSize:     cfg.Embedding.BatchSize,
		Timeout:       cfg.Embedding.Timeout,
		OpenAIKey:     cfg.Embedding.OpenAIKey,
		OpenAIBaseURL: cfg.Embedding.OpenAIBaseURL,
		GeminiKey:     cfg.Embedding.GeminiKey,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("embedder: не удалось создать эмбеддер")
	}

	persistSvc := persist.NewService(store, store, persist.Config{
		BatchSize:    cfg.Postgres.BatchSize,
		EmbeddingDim: cfg.Embedding.Dim,
	}, logger)

	checks := map[string]apphttp.HealthCheck{"postgres": store.Ping}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("embedder: нет подключения к Redis")
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var run func(ctx context.Context) error
	switch source := strings.ToLower(strings.TrimSpace(cfg.Embedder.Source)); source {
	case "", "queue":
		q, err := queue.Open(queue.Settings{
			Backend:     cfg.Queue.Backend,
			RabbitURL:   cfg.Queue.RabbitURL,
			Name:        cfg.Queue.Name,
			Prefetch:    cfg.Queue.Prefetch,
			MaxDelivery: cfg.Queue.MaxDelivery,
		}, redisClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("embedder: не удалось инициализировать очередь")
		}
		defer q.Close()
		processor := consume.NewProcessor(store, embed, persistSvc, logger)
		wcfg := consume.DefaultWorkerConfig()
		wcfg.Prefetch = cfg.Queue.Prefetch
		run = consume.NewWorker(q, processor, wcfg, logger).Run
	case "staging":
		drainer := staging.NewDrainer(store, embed, persistSvc, staging.Config{
			BatchSize:    cfg.Embedding.BatchSize,
			MaxAttempts:  cfg.Embedder.StagingMaxAttempts,
			PollInterval: cfg.Embedder.StagingPoll,
		}, logger)
		run = drainer.Run
	default:
		logger.Fatal().Str("source", source).Msg("embedder: неизвестный источник (EMBEDDER_SOURCE)")
	}

	server := apphttp.NewServer(logger, checks)
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("embedder: HTTP сервер остановлен")
		}
	}()

	logger.Info().Str("source", cfg.Embedder.Source).Str("provider", cfg.Embedding.Provider).Msg("embedder: запуск")
	if err := run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("embedder: обработка завершилась ошибкой")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("embedder: не удалось остановить HTTP сервер")
	}
	logger.Info().Msg("embedder: остановлен")
}
