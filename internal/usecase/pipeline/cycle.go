package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/usecase/discover"
	"issueindex/internal/usecase/harvest"
	"issueindex/internal/usecase/persist"
	"issueindex/internal/usecase/publish"
	"issueindex/internal/usecase/staging"
)

// Sink куда уходят принятые issues.
type Sink string

const (
	// SinkDirect эмбеддинг в процессе и запись в БД.
	SinkDirect Sink = "direct"
	// SinkQueue публикация в очередь для воркеров эмбеддинга.
	SinkQueue Sink = "queue"
	// SinkStaging запись в staging-таблицу.
	SinkStaging Sink = "staging"
)

// ParseSink разбирает название приёмника.
func ParseSink(v string) (Sink, error) {
	switch s := Sink(strings.ToLower(strings.TrimSpace(v))); s {
	case SinkDirect, SinkQueue, SinkStaging:
		return s, nil
	case "":
		return SinkDirect, nil
	default:
		return "", fmt.Errorf("unknown sink %q", v)
	}
}

// Config параметры цикла.
type Config struct {
	Sink           Sink
	EmbedBatchSize int
	StageBatchSize int
	// EmbedAttempts попыток на пачку; временные ошибки эмбеддера повторяются с backoff.
	EmbedAttempts  int
	EmbedBaseDelay time.Duration
	EmbedMaxDelay  time.Duration
}

// Deps компоненты цикла. Producer нужен для SinkQueue, Staging для SinkStaging,
// Embedder для SinkDirect. Notifier необязателен.
type Deps struct {
	Discover *discover.Service
	Harvest  *harvest.Service
	Persist  *persist.Service
	Producer *publish.Producer
	Staging  domain.StagingRepo
	Embedder domain.Embedder
	Notifier domain.Notifier
}

// CycleReport итоги одного цикла.
type CycleReport struct {
	RunID        string
	Sink         Sink
	StartedAt    time.Time
	Duration     time.Duration
	Discover     discover.Result
	SourcesSaved int
	Harvest      harvest.Report
	Persist      persist.Report
	Publish      publish.Report
	Staged       int
	EmbedFailed  int
}

// Runner выполняет цикл discover → upsert → harvest → sink.
type Runner struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
}

// NewRunner проверяет, что для выбранного приёмника есть зависимости.
func NewRunner(deps Deps, cfg Config, logger zerolog.Logger) (*Runner, error) {
	if cfg.Sink == "" {
		cfg.Sink = SinkDirect
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 16
	}
	if cfg.StageBatchSize <= 0 {
		cfg.StageBatchSize = 100
	}
	if cfg.EmbedAttempts <= 0 {
		cfg.EmbedAttempts = 3
	}
	if cfg.EmbedBaseDelay <= 0 {
		cfg.EmbedBaseDelay = 2 * time.Second
	}
	if cfg.EmbedMaxDelay <= 0 {
		cfg.EmbedMaxDelay = 60 * time.Second
	}
	if deps.Discover == nil || deps.Harvest == nil || deps.Persist == nil {
		return nil, fmt.Errorf("pipeline: discover, harvest and persist are required")
	}
	switch cfg.Sink {
	case SinkDirect:
		if deps.Embedder == nil {
			return nil, fmt.Errorf("pipeline: sink %s requires an embedder", cfg.Sink)
		}
	case SinkQueue:
		if deps.Producer == nil {
			return nil, fmt.Errorf("pipeline: sink %s requires a producer", cfg.Sink)
		}
	case SinkStaging:
		if deps.Staging == nil {
			return nil, fmt.Errorf("pipeline: sink %s requires a staging repository", cfg.Sink)
		}
	default:
		return nil, fmt.Errorf("pipeline: unknown sink %q", cfg.Sink)
	}
	return &Runner{deps: deps, cfg: cfg, log: logger.With().Str("component", "pipeline").Logger()}, nil
}

// RunCycle выполняет один полный цикл. Ошибка возвращается только если цикл не смог начаться
// или был отменён; сбои отдельных языков, репозиториев и строк попадают в отчёт.
func (r *Runner) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{RunID: uuid.NewString(), Sink: r.cfg.Sink, StartedAt: time.Now().UTC()}
	log := r.log.With().Str("run_id", rep.RunID).Logger()
	log.Info().Str("sink", string(r.cfg.Sink)).Msg("pipeline: цикл начат")
	defer func() {
		metrics.CycleDuration.Observe(time.Since(rep.StartedAt).Seconds())
	}()

	disc, err := r.deps.Discover.Discover(ctx)
	rep.Discover = disc
	if err != nil {
		return rep, fmt.Errorf("discover: %w", err)
	}
	if len(disc.Sources) == 0 {
		log.Warn().Msg("pipeline: репозитории не найдены")
		return rep, nil
	}
	if rep.SourcesSaved, err = r.deps.Persist.UpsertSources(ctx, disc.Sources); err != nil {
		return rep, err
	}

	stream := r.deps.Harvest.Harvest(ctx, disc.Sources)
	sinkErr := r.drain(ctx, stream.Items(), &rep)
	// дочитываем поток, чтобы воркеры харвестера не зависли на отправке
	for range stream.Items() {
	}
	rep.Harvest = stream.Wait()

	if err := r.deps.Persist.TouchScraped(context.WithoutCancel(ctx), scrapedIDs(disc.Sources, rep.Harvest.AbandonedSources)); err != nil {
		log.Warn().Err(err).Msg("pipeline: не удалось отметить обход репозиториев")
	}

	rep.Duration = time.Since(rep.StartedAt)
	log.Info().
		Int("repos", len(disc.Sources)).
		Int("accepted", rep.Harvest.Accepted).
		Int("abandoned", rep.Harvest.Abandoned).
		Int("written", rep.Persist.Written).
		Int("published", rep.Publish.Published).
		Int("staged", rep.Staged).
		Dur("elapsed", rep.Duration).
		Msg("pipeline: цикл завершён")
	r.notify(ctx, rep)

	if sinkErr != nil {
		return rep, sinkErr
	}
	return rep, ctx.Err()
}

func (r *Runner) drain(ctx context.Context, items <-chan domain.ScoredItem, rep *CycleReport) error {
	switch r.cfg.Sink {
	case SinkQueue:
		pub, err := r.deps.Producer.ForRun(rep.RunID).PublishStream(ctx, items)
		rep.Publish = pub
		return err
	case SinkStaging:
		staged, err := r.stage(ctx, items)
		rep.Staged = staged
		return err
	default:
		enriched := make(chan domain.EnrichedItem, r.cfg.EmbedBatchSize)
		failed := make(chan int, 1)
		go func() {
			failed <- r.enrich(ctx, items, enriched)
		}()
		pr, err := r.deps.Persist.PersistStream(ctx, enriched)
		// PersistStream мог выйти по отмене: освобождаем enrich
		for range enriched {
		}
		rep.Persist = pr
		rep.EmbedFailed = <-failed
		return err
	}
}

// enrich считает эмбеддинги пачками и закрывает out. Возвращает число issues без эмбеддинга.
func (r *Runner) enrich(ctx context.Context, in <-chan domain.ScoredItem, out chan<- domain.EnrichedItem) int {
	defer close(out)
	failed := 0
	batch := make([]domain.ScoredItem, 0, r.cfg.EmbedBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		texts := make([]string, len(batch))
		for i, it := range batch {
			texts[i] = it.EmbeddingText()
		}
		vectors, err := r.embedBatch(ctx, texts)
		if err != nil {
			failed += len(batch)
			r.log.Error().Err(err).Int("issues", len(batch)).Msg("pipeline: эмбеддинг пачки не получен")
			batch = batch[:0]
			return
		}
		for i, it := range batch {
			out <- domain.EnrichedItem{
				ScoredItem:  it,
				Embedding:   vectors[i],
				ContentHash: contentHash(it),
			}
		}
		batch = batch[:0]
	}
	for it := range in {
		batch = append(batch, it)
		if len(batch) >= r.cfg.EmbedBatchSize {
			flush()
		}
	}
	flush()
	return failed
}

func (r *Runner) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	op := func() error {
		var err error
		vectors, err = r.deps.Embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vectors) != len(texts) {
			err = fmt.Errorf("%w: embedder returned %d vectors for %d texts", domain.ErrDataInvalid, len(vectors), len(texts))
		}
		if err != nil && (errors.Is(err, domain.ErrDataInvalid) || domain.IsPermanent(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn().Err(err).Dur("wait", wait).Int("issues", len(texts)).Msg("pipeline: повтор эмбеддинга пачки")
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.EmbedBaseDelay
	b.Multiplier = 2
	b.MaxInterval = r.cfg.EmbedMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.EmbedAttempts-1)), ctx), notify)
	return vectors, err
}

func (r *Runner) stage(ctx context.Context, in <-chan domain.ScoredItem) (int, error) {
	total := 0
	batch := make([]domain.ScoredItem, 0, r.cfg.StageBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := staging.Stage(ctx, r.deps.Staging, batch)
		if err != nil {
			r.log.Error().Err(err).Int("issues", len(batch)).Msg("pipeline: пачка не попала в staging")
		}
		total += n
		batch = batch[:0]
	}
	for it := range in {
		batch = append(batch, it)
		if len(batch) >= r.cfg.StageBatchSize {
			flush()
		}
	}
	flush()
	return total, ctx.Err()
}

func (r *Runner) notify(ctx context.Context, rep CycleReport) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Notify(context.WithoutCancel(ctx), FormatReport(rep)); err != nil {
		r.log.Warn().Err(err).Msg("pipeline: отчёт не отправлен")
	}
}

func scrapedIDs(sources []domain.Source, abandoned []string) []string {
	skip := make(map[string]struct{}, len(abandoned))
	for _, name := range abandoned {
		skip[name] = struct{}{}
	}
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		if _, ok := skip[s.FullName]; ok {
			continue
		}
		ids = append(ids, s.NodeID)
	}
	return ids
}
