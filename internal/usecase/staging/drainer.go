package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/usecase/scoring"
)

// ItemWriter пишет один обогащённый issue.
type ItemWriter interface {
	PersistOne(ctx context.Context, item domain.EnrichedItem) (bool, error)
}

// Config параметры обработки staging-таблицы.
type Config struct {
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Report итоги одного прохода.
type Report struct {
	Claimed   int
	Completed int
	Failed    int
}

// Drainer забирает записи из staging, считает эмбеддинги и пишет issues.
type Drainer struct {
	repo   domain.StagingRepo
	embed  domain.Embedder
	writer ItemWriter
	cfg    Config
	log    zerolog.Logger
}

// NewDrainer создаёт обработчик staging-таблицы.
func NewDrainer(repo domain.StagingRepo, embed domain.Embedder, writer ItemWriter, cfg Config, logger zerolog.Logger) *Drainer {
	return &Drainer{
		repo:   repo,
		embed:  embed,
		writer: writer,
		cfg:    cfg.withDefaults(),
		log:    logger.With().Str("component", "staging").Logger(),
	}
}

// Stage складывает оценённые issues в staging-таблицу.
func Stage(ctx context.Context, repo domain.StagingRepo, items []domain.ScoredItem) (int, error) {
	staged := make([]domain.StagedItem, len(items))
	for i, it := range items {
		staged[i] = domain.StagedItem{Item: it, ContentHash: scoring.ContentHash(it.NodeID, it.Title, it.Body)}
	}
	return repo.InsertPending(ctx, staged)
}

// RunOnce обрабатывает одну пачку. Ошибка эмбеддинга возвращает всю пачку в pending.
func (d *Drainer) RunOnce(ctx context.Context) (Report, error) {
	claimed, err := d.repo.ClaimPendingBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("claim: %w", err)
	}
	rep := Report{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return rep, nil
	}

	ids := make([]int64, len(claimed))
	texts := make([]string, len(claimed))
	for i, st := range claimed {
		ids[i] = st.ID
		texts[i] = st.Item.EmbeddingText()
	}
	vectors, err := d.embed.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(claimed) {
		err = fmt.Errorf("%w: embedder returned %d vectors for %d texts", domain.ErrDataInvalid, len(vectors), len(claimed))
	}
	if err != nil {
		d.log.Error().Err(err).Int("rows", len(claimed)).Msg("staging: эмбеддинг не получен")
		if markErr := d.repo.MarkFailed(context.WithoutCancel(ctx), ids, d.cfg.MaxAttempts, err.Error()); markErr != nil {
			return rep, fmt.Errorf("mark failed: %w", markErr)
		}
		rep.Failed = len(claimed)
		return rep, nil
	}

	var done []int64
	for i, st := range claimed {
		_, err := d.writer.PersistOne(ctx, domain.EnrichedItem{
			ScoredItem:  st.Item,
			Embedding:   vectors[i],
			ContentHash: st.ContentHash,
		})
		if err != nil {
			d.log.Error().Err(err).Int64("id", st.ID).Str("node_id", st.Item.NodeID).Msg("staging: запись не удалась")
			if markErr := d.repo.MarkFailed(context.WithoutCancel(ctx), []int64{st.ID}, d.cfg.MaxAttempts, err.Error()); markErr != nil {
				return rep, fmt.Errorf("mark failed: %w", markErr)
			}
			rep.Failed++
			continue
		}
		done = append(done, st.ID)
	}
	if err := d.repo.MarkCompleted(context.WithoutCancel(ctx), done); err != nil {
		return rep, fmt.Errorf("mark completed: %w", err)
	}
	rep.Completed = len(done)
	return rep, nil
}

// Run обрабатывает пачки до отмены ctx; пустая таблица опрашивается раз в PollInterval.
func (d *Drainer) Run(ctx context.Context) error {
	var total Report
	for {
		if ctx.Err() != nil {
			d.log.Info().Int("completed", total.Completed).Int("failed", total.Failed).Msg("staging: обработчик остановлен")
			return nil
		}
		rep, err := d.RunOnce(ctx)
		total.Claimed += rep.Claimed
		total.Completed += rep.Completed
		total.Failed += rep.Failed
		if err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("staging: проход завершился ошибкой")
		}
		if rep.Claimed > 0 && err == nil {
			d.log.Info().Int("completed", rep.Completed).Int("failed", rep.Failed).Msg("staging: пачка обработана")
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.PollInterval):
		}
	}
}
