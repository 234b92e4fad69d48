package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/usecase/scoring"
)

// Config параметры записи.
type Config struct {
	BatchSize    int
	EmbeddingDim int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Report итоги записи потока.
type Report struct {
	Received   int
	Written    int
	Duplicates int
	Dropped    int
	Invalid    int
	Failed     int
	Batches    int
}

func (r *Report) add(o Report) {
	r.Written += o.Written
	r.Dropped += o.Dropped
	r.Failed += o.Failed
}

// Service пишет репозитории и issues идемпотентно.
type Service struct {
	sources domain.SourceRepo
	items   domain.ItemRepo
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// NewService создаёт сервис записи.
func NewService(sources domain.SourceRepo, items domain.ItemRepo, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		sources: sources,
		items:   items,
		cfg:     cfg.withDefaults(),
		log:     logger.With().Str("component", "persist").Logger(),
		now:     time.Now,
	}
}

// UpsertSources сохраняет найденные репозитории.
func (s *Service) UpsertSources(ctx context.Context, sources []domain.Source) (int, error) {
	n, err := s.sources.UpsertSources(ctx, sources)
	if err != nil {
		return n, fmt.Errorf("upsert sources: %w", err)
	}
	s.log.Info().Int("sources", n).Msg("persist: репозитории сохранены")
	return n, nil
}

// TouchScraped отмечает обход репозиториев.
func (s *Service) TouchScraped(ctx context.Context, nodeIDs []string) error {
	return s.sources.TouchScraped(ctx, nodeIDs, s.now().UTC())
}

// PersistStream читает поток до закрытия и пишет пачками по BatchSize.
// Ошибка одной пачки или строки не прерывает поток; возвращается только ошибка контекста.
func (s *Service) PersistStream(ctx context.Context, in <-chan domain.EnrichedItem) (Report, error) {
	var (
		rep   Report
		batch = make([]domain.EnrichedItem, 0, s.cfg.BatchSize)
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		rep.Batches++
		deduped := dedupeByNodeID(batch)
		rep.Duplicates += len(batch) - len(deduped)
		rep.add(s.writeBatch(ctx, deduped))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			s.logReport(rep)
			return rep, ctx.Err()
		case it, ok := <-in:
			if !ok {
				flush()
				s.logReport(rep)
				return rep, nil
			}
			rep.Received++
			if err := s.validate(it); err != nil {
				rep.Invalid++
				metrics.PersistRows.WithLabelValues("invalid").Inc()
				s.log.Warn().Err(err).Str("node_id", it.NodeID).Msg("persist: issue отклонён")
				continue
			}
			batch = append(batch, it)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		}
	}
}

// PersistOne пишет один issue. Возвращает false, если репозиторий issue неизвестен.
func (s *Service) PersistOne(ctx context.Context, item domain.EnrichedItem) (bool, error) {
	if err := s.validate(item); err != nil {
		metrics.PersistRows.WithLabelValues("invalid").Inc()
		return false, err
	}
	item.ScoredItem = scoring.WithSurvival(item.ScoredItem, s.now())
	n, err := s.items.UpsertItems(ctx, []domain.EnrichedItem{item})
	if err != nil {
		metrics.PersistRows.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("upsert %s: %w", item.NodeID, err)
	}
	if n == 0 {
		metrics.PersistRows.WithLabelValues("dropped").Inc()
		return false, nil
	}
	metrics.PersistRows.WithLabelValues("written").Inc()
	return true, nil
}

func (s *Service) validate(it domain.EnrichedItem) error {
	if it.NodeID == "" || it.SourceNodeID == "" || it.ContentHash == "" {
		return fmt.Errorf("%w: missing identity", domain.ErrDataInvalid)
	}
	if s.cfg.EmbeddingDim > 0 && len(it.Embedding) != s.cfg.EmbeddingDim {
		return fmt.Errorf("%w: embedding has %d dims, want %d", domain.ErrDataInvalid, len(it.Embedding), s.cfg.EmbeddingDim)
	}
	return nil
}

func (s *Service) writeBatch(ctx context.Context, batch []domain.EnrichedItem) Report {
	now := s.now()
	for i := range batch {
		batch[i].ScoredItem = scoring.WithSurvival(batch[i].ScoredItem, now)
	}

	written, err := s.items.UpsertItems(ctx, batch)
	switch {
	case err == nil:
		return s.count(Report{Written: written, Dropped: len(batch) - written})
	case errors.Is(err, domain.ErrConflict):
		s.log.Warn().Err(err).Int("rows", len(batch)).Msg("persist: конфликт в пачке, пишем построчно")
		return s.writeRows(ctx, batch)
	default:
		s.log.Error().Err(err).Int("rows", len(batch)).Msg("persist: пачка не записана")
		return s.count(Report{Failed: len(batch)})
	}
}

func (s *Service) writeRows(ctx context.Context, batch []domain.EnrichedItem) Report {
	var rep Report
	for _, it := range batch {
		n, err := s.items.UpsertItems(ctx, []domain.EnrichedItem{it})
		switch {
		case err != nil:
			rep.Failed++
			s.log.Error().Err(err).Str("node_id", it.NodeID).Msg("persist: строка не записана")
		case n == 0:
			rep.Dropped++
		default:
			rep.Written++
		}
	}
	return s.count(rep)
}

func (s *Service) count(rep Report) Report {
	metrics.PersistRows.WithLabelValues("written").Add(float64(rep.Written))
	metrics.PersistRows.WithLabelValues("dropped").Add(float64(rep.Dropped))
	metrics.PersistRows.WithLabelValues("failed").Add(float64(rep.Failed))
	return rep
}

func (s *Service) logReport(rep Report) {
	s.log.Info().
		Int("received", rep.Received).
		Int("written", rep.Written).
		Int("duplicates", rep.Duplicates).
		Int("dropped", rep.Dropped).
		Int("invalid", rep.Invalid).
		Int("failed", rep.Failed).
		Int("batches", rep.Batches).
		Msg("persist: поток записан")
}

// dedupeByNodeID оставляет последнее вхождение каждого node id, сохраняя порядок.
func dedupeByNodeID(batch []domain.EnrichedItem) []domain.EnrichedItem {
	last := make(map[string]int, len(batch))
	for i, it := range batch {
		last[it.NodeID] = i
	}
	if len(last) == len(batch) {
		return append([]domain.EnrichedItem(nil), batch...)
	}
	out := make([]domain.EnrichedItem, 0, len(last))
	for i, it := range batch {
		if last[it.NodeID] == i {
			out = append(out, it)
		}
	}
	return out
}
