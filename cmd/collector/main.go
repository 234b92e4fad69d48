package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"issueindex/internal/adapters/embedder"
	"issueindex/internal/adapters/github"
	"issueindex/internal/adapters/quota"
	"issueindex/internal/adapters/repo"
	"issueindex/internal/adapters/telegram"
	"issueindex/internal/domain"
	"issueindex/internal/infra/cache"
	"issueindex/internal/infra/config"
	applog "issueindex/internal/infra/log"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/infra/queue"
	"issueindex/internal/usecase/discover"
	"issueindex/internal/usecase/harvest"
	"issueindex/internal/usecase/persist"
	"issueindex/internal/usecase/pipeline"
	"issueindex/internal/usecase/publish"
	"issueindex/internal/usecase/schedule"
	"issueindex/internal/usecase/scoring"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "collector", cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	sink, err := pipeline.ParseSink(cfg.Collector.Sink)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: неизвестный приёмник (COLLECTOR_SINK)")
	}
	if err := schedule.ValidateSpec(cfg.Collector.Schedule); err != nil {
		logger.Fatal().Err(err).Msg("collector: некорректное расписание (COLLECTOR_SCHEDULE)")
	}
	if cfg.GitHub.Token == "" {
		logger.Fatal().Msg("collector: не указан токен GitHub (GITHUB_TOKEN)")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: нет подключения к Redis")
		}
		defer redisClient.Close()
	}

	tracker := newQuotaTracker(cfg, redisClient, logger)

	ghClient, err := github.NewClient(cfg.GitHub.Token, tracker, logger.With().Str("component", "github").Logger(),
		github.WithEndpoint(cfg.GitHub.GraphQLURL),
		github.WithRetry(cfg.GitHub.Retries, cfg.GitHub.RetryDelay),
		github.WithRequestsPerSecond(cfg.GitHub.RPS),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: не удалось создать клиента GitHub")
	}
	if cfg.GitHub.PrimeQuota {
		primeQuota(ctx, cfg, tracker, logger)
	}
	api := github.NewAPI(ghClient, logger.With().Str("component", "github_api").Logger())

	tax, err := scoring.LoadTaxonomy(cfg.Harvest.TaxonomyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.Harvest.TaxonomyFile).Msg("collector: не удалось загрузить словари (TAXONOMY_FILE)")
	}
	languages := cfg.Discover.Languages
	if len(languages) == 0 {
		languages = tax.Languages
	}

	discoverSvc := discover.NewService(api, discover.Config{
		Languages:      languages,
		PerLanguage:    cfg.Discover.PerLanguage,
		MinStars:       cfg.Discover.MinStars,
		MinOpenIssues:  cfg.Discover.MinOpenIssues,
		RecencyDays:    cfg.Discover.RecencyDays,
		MaxConcurrency: cfg.Discover.Concurrency,
	}, logger.With().Str("component", "discover").Logger())

	harvestSvc := harvest.NewService(api, scoring.NewScorer(tax), harvest.Config{
		Concurrency:  cfg.Harvest.Concurrency,
		BufferSize:   cfg.Harvest.BufferSize,
		PageSize:     cfg.Harvest.PageSize,
		PerSourceCap: cfg.Harvest.PerSourceCap,
		Threshold:    cfg.Harvest.Threshold,
		Retries:      cfg.GitHub.Retries,
		RetryDelay:   cfg.GitHub.RetryDelay,
	}, logger.With().Str("component", "harvest").Logger())

	var store domain.Store
	if cfg.Collector.DryRun {
		logger.Warn().Msg("collector: пробный запуск, данные пишутся только в память")
		store = repo.NewMemory()
	} else {
		pg, closeStore, err := repo.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Embedding.Dim, cfg.Postgres.MaxConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: нет подключения к БД (PG_DSN)")
		}
		defer closeStore()
		store = pg
	}

	persistSvc := persist.NewService(store, store, persist.Config{
		BatchSize:    cfg.Postgres.BatchSize,
		EmbeddingDim: cfg.Embedding.Dim,
	}, logger)

	deps := pipeline.Deps{
		Discover: discoverSvc,
		Harvest:  harvestSvc,
		Persist:  persistSvc,
	}
	switch sink {
	case pipeline.SinkDirect:
		deps.Embedder, err = embedder.New(ctx, embeddingSettings(cfg))
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось создать эмбеддер")
		}
	case pipeline.SinkQueue:
		q, err := queue.Open(queue.Settings{
			Backend:     cfg.Queue.Backend,
			RabbitURL:   cfg.Queue.RabbitURL,
			Name:        cfg.Queue.Name,
			Prefetch:    cfg.Queue.Prefetch,
			MaxDelivery: cfg.Queue.MaxDelivery,
		}, redisClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось инициализировать очередь")
		}
		defer q.Close()
		var dedup domain.Cache
		if cfg.Queue.DedupTTL > 0 {
			if redisClient != nil {
				dedup = cache.NewRedis(redisClient, "issueindex")
			} else {
				dedup = cache.NewMemory()
			}
		}
		deps.Producer = publish.NewProducer(q, dedup, publish.Config{
			MaxInFlight: cfg.Queue.MaxInFlight,
			DedupTTL:    cfg.Queue.DedupTTL,
		}, logger)
	case pipeline.SinkStaging:
		deps.Staging = store
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.ReportChatID != 0 {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось создать бота")
		}
		deps.Notifier = telegram.NewNotifier(botAPI, cfg.Telegram.ReportChatID)
	}

	runner, err := pipeline.NewRunner(deps, pipeline.Config{
		Sink:           sink,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: некорректная конфигурация цикла")
	}

	scheduler, err := schedule.NewService(cfg.Timezone, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: некорректный часовой пояс (SCHEDULE_TZ)")
	}

	logger.Info().Str("sink", string(sink)).Strs("languages", languages).Msg("collector: запуск")
	err = scheduler.Run(ctx, "collector", cfg.Collector.Schedule, func(ctx context.Context) error {
		_, err := runner.RunCycle(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("collector: цикл завершился ошибкой")
	}
	logger.Info().Msg("collector: остановлен")
}

func newQuotaTracker(cfg config.AppConfig, client *redis.Client, logger zerolog.Logger) domain.QuotaTracker {
	switch cfg.Quota.Backend {
	case "redis":
		if client == nil {
			logger.Fatal().Msg("collector: для QUOTA_BACKEND=redis нужен REDIS_ADDR")
		}
		return quota.NewRedis(client, cfg.Quota.Hourly, quota.SystemClock{})
	case "", "memory":
		return quota.NewMemory(cfg.Quota.Hourly)
	default:
		logger.Fatal().Str("backend", cfg.Quota.Backend).Msg("collector: неизвестный бэкенд квоты (QUOTA_BACKEND)")
		return nil
	}
}

func primeQuota(ctx context.Context, cfg config.AppConfig, tracker domain.QuotaTracker, logger zerolog.Logger) {
	getter, err := github.NewRateLimitGetter(cfg.GitHub.Token, cfg.GitHub.RESTURL)
	if err != nil {
		logger.Warn().Err(err).Msg("collector: не удалось создать REST клиента GitHub")
		return
	}
	primeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rl, err := github.PrimeQuota(primeCtx, getter, tracker)
	if err != nil {
		logger.Warn().Err(err).Msg("collector: не удалось получить остаток квоты, считаем бюджет полным")
		return
	}
	logger.Info().Int("remaining", rl.Remaining).Int("limit", rl.Limit).Time("reset_at", rl.ResetAt).Msg("collector: квота загружена")
}

func embeddingSettings(cfg config.AppConfig) embedder.Settings {
	return embedder.Settings{
		Provider:      cfg.Embedding.Provider,
		Model:         cfg.Embedding.Model,
		Dim:           cfg.Embedding.Dim,
		BatchSize:     cfg.Embedding.BatchSize,
		Timeout:       cfg.Embedding.Timeout,
		OpenAIKey:     cfg.Embedding.OpenAIKey,
		OpenAIBaseURL: cfg.Embedding.OpenAIBaseURL,
		GeminiKey:     cfg.Embedding.GeminiKey,
	}
}
