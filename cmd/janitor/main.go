package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"issueindex/internal/adapters/repo"
	"issueindex/internal/infra/config"
	applog "issueindex/internal/infra/log"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/usecase/janitor"
	"issueindex/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "janitor", cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Janitor.Schedule != "" {
		metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	}

	store, closeStore, err := repo.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Embedding.Dim, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("janitor: нет подключения к БД (PG_DSN)")
	}
	defer closeStore()

	svc := janitor.NewService(store, store, janitor.Config{
		Percentile: cfg.Janitor.Percentile,
		MinRows:    cfg.Janitor.MinRows,
		StagingTTL: cfg.Janitor.StagingTTL,
	}, logger)

	scheduler, err := schedule.NewService(cfg.Timezone, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("janitor: некорректный часовой пояс (SCHEDULE_TZ)")
	}
	err = scheduler.Run(ctx, "janitor", cfg.Janitor.Schedule, func(ctx context.Context) error {
		_, err := svc.Prune(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("janitor: очистка завершилась ошибкой")
	}
	logger.Info().Msg("janitor: завершён")
}
