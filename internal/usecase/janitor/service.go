package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// Config параметры очистки.
type Config struct {
	Percentile float64
	MinRows    int64
	StagingTTL time.Duration
}

// DefaultConfig значения по умолчанию.
func DefaultConfig() Config {
	return Config{Percentile: 0.2, MinRows: 1000, StagingTTL: 24 * time.Hour}
}

// Report итоги очистки.
type Report struct {
	Total          int64
	Pruned         int64
	StagingRemoved int64
	SkippedPrune   bool
}

// Service удаляет наименее живучие issues и завершённые staging-записи.
type Service struct {
	items   domain.RetentionRepo
	staging domain.StagingRepo
	cfg     Config
	log     zerolog.Logger
}

// NewService создаёт сервис очистки. staging может быть nil.
func NewService(items domain.RetentionRepo, staging domain.StagingRepo, cfg Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Percentile <= 0 || cfg.Percentile >= 1 {
		cfg.Percentile = def.Percentile
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = def.StagingTTL
	}
	return &Service{items: items, staging: staging, cfg: cfg, log: logger.With().Str("component", "janitor").Logger()}
}

// Prune удаляет issues ниже перцентиля survival score, если их не меньше MinRows.
func (s *Service) Prune(ctx context.Context) (Report, error) {
	var rep Report
	total, err := s.items.CountItems(ctx)
	if err != nil {
		return rep, fmt.Errorf("count issues: %w", err)
	}
	rep.Total = total

	if total < s.cfg.MinRows {
		rep.SkippedPrune = true
		s.log.Info().Int64("total", total).Int64("min_rows", s.cfg.MinRows).Msg("janitor: мало issues, очистка пропущена")
	} else {
		pruned, err := s.items.DeleteBelowPercentile(ctx, s.cfg.Percentile)
		if err != nil {
			return rep, fmt.Errorf("prune issues: %w", err)
		}
		rep.Pruned = pruned
		metrics.PrunedItems.Add(float64(pruned))
	}

	if s.staging != nil {
		removed, err := s.staging.CleanupCompleted(ctx, s.cfg.StagingTTL)
		if err != nil {
			return rep, fmt.Errorf("cleanup staging: %w", err)
		}
		rep.StagingRemoved = removed
	}

	s.log.Info().
		Int64("total", rep.Total).
		Int64("pruned", rep.Pruned).
		Int64("staging_removed", rep.StagingRemoved).
		Float64("percentile", s.cfg.Percentile).
		Msg("janitor: готово")
	return rep, nil
}
