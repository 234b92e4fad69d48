package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/usecase/scoring"
)

// Config параметры обхода репозиториев.
type Config struct {
	Concurrency  int
	BufferSize   int
	PageSize     int
	PerSourceCap int
	Threshold    float64
	Retries      int
	RetryDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// DefaultConfig значения по умолчанию.
func DefaultConfig() Config {
	return Config{Threshold: 0.3, PerSourceCap: 100, RetryDelay: 2 * time.Second}.withDefaults()
}

// Report итоги обхода.
type Report struct {
	Sources          int
	Completed        int
	Abandoned        int
	AbandonedSources []string
	Accepted         int
	Rejected         int
	Invalid          int
}

// Stream неупорядоченный поток принятых issues. Items нужно вычитать до конца,
// Wait возвращает итоги после завершения всех воркеров.
type Stream struct {
	items chan domain.ScoredItem
	done  chan struct{}

	mu     sync.Mutex
	report Report
}

// Items канал принятых issues; закрывается, когда все воркеры завершились.
func (s *Stream) Items() <-chan domain.ScoredItem { return s.items }

// Wait блокирует до завершения всех воркеров.
func (s *Stream) Wait() Report {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Service параллельно обходит репозитории с ограничением числа активных воркеров.
type Service struct {
	issues domain.IssueFetcher
	scorer *scoring.Scorer
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewService создаёт харвестер.
func NewService(issues domain.IssueFetcher, scorer *scoring.Scorer, cfg Config, logger zerolog.Logger) *Service {
	return &Service{issues: issues, scorer: scorer, cfg: cfg.withDefaults(), log: logger, now: time.Now}
}

type sourceOutcome struct {
	accepted int
	rejected int
	invalid  int
	capped   bool
	err      error
}

// Harvest запускает обход и сразу возвращает поток.
func (s *Service) Harvest(ctx context.Context, sources []domain.Source) *Stream {
	st := &Stream{
		items: make(chan domain.ScoredItem, s.cfg.BufferSize),
		done:  make(chan struct{}),
	}
	st.report.Sources = len(sources)
	go s.dispatch(ctx, sources, st)
	return st
}

func (s *Service) dispatch(ctx context.Context, sources []domain.Source, st *Stream) {
	start := time.Now()
	s.log.Info().Int("repos", len(sources)).Int("concurrency", s.cfg.Concurrency).Msg("harvest: старт")

	gate := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	var wg sync.WaitGroup
	for i, src := range sources {
		if err := gate.Acquire(ctx, 1); err != nil {
			for _, rest := range sources[i:] {
				st.record(rest, sourceOutcome{err: err}, s.log, start)
			}
			break
		}
		wg.Add(1)
		go func() {
			var outcome sourceOutcome
			defer wg.Done()
			defer gate.Release(1)
			defer func() {
				if r := recover(); r != nil {
					outcome.err = fmt.Errorf("panic: %v", r)
				}
				st.record(src, outcome, s.log, start)
			}()
			outcome = s.harvestSource(ctx, src, st.items)
		}()
	}
	wg.Wait()
	close(st.items)

	st.mu.Lock()
	rep := st.report
	st.mu.Unlock()
	s.log.Info().
		Int("repos", rep.Completed+rep.Abandoned).
		Int("abandoned", rep.Abandoned).
		Int("issues", rep.Accepted).
		Int("rejected", rep.Rejected).
		Dur("elapsed", time.Since(start)).
		Msg("harvest: завершено")
	close(st.done)
}

func (st *Stream) record(src domain.Source, o sourceOutcome, log zerolog.Logger, start time.Time) {
	st.mu.Lock()
	st.report.Accepted += o.accepted
	st.report.Rejected += o.rejected
	st.report.Invalid += o.invalid
	if o.err != nil {
		st.report.Abandoned++
		st.report.AbandonedSources = append(st.report.AbandonedSources, src.FullName)
	} else {
		st.report.Completed++
	}
	finished := st.report.Completed + st.report.Abandoned
	total := st.report.Sources
	issues := st.report.Accepted
	st.mu.Unlock()

	metrics.HarvestItems.WithLabelValues("accepted").Add(float64(o.accepted))
	metrics.HarvestItems.WithLabelValues("rejected").Add(float64(o.rejected))
	metrics.HarvestItems.WithLabelValues("invalid").Add(float64(o.invalid))
	if o.err != nil {
		metrics.HarvestSources.WithLabelValues("abandoned").Inc()
		log.Warn().Err(o.err).Str("repo", src.FullName).Int("issues", o.accepted).Msg("harvest: репозиторий пропущен после повторов")
	} else {
		metrics.HarvestSources.WithLabelValues("completed").Inc()
	}
	if o.capped {
		log.Debug().Str("repo", src.FullName).Int("cap", o.accepted).Msg("harvest: достигнут лимит issues на репозиторий")
	}
	if finished%10 == 0 || finished == total {
		log.Info().
			Int("repos_done", finished).
			Int("repos_total", total).
			Int("issues", issues).
			Dur("elapsed", time.Since(start)).
			Msg("harvest: прогресс")
	}
}

// harvestSource листает issues одного репозитория последовательно.
func (s *Service) harvestSource(ctx context.Context, src domain.Source, out chan<- domain.ScoredItem) sourceOutcome {
	var res sourceOutcome
	cursor := ""
	for pageIdx := 0; ; pageIdx++ {
		page, err := s.fetchWithRetry(ctx, src, cursor)
		if err != nil {
			res.err = err
			return res
		}
		res.invalid += page.Invalid
		for _, item := range page.Items {
			item.PagePosition = pageIdx
			if item.SourceLanguage == "" {
				item.SourceLanguage = src.Language
			}
			scored, ok := s.scorer.Evaluate(item, s.cfg.Threshold)
			if !ok {
				res.rejected++
				continue
			}
			scored = scoring.WithSurvival(scored, s.now())
			select {
			case out <- scored:
			case <-ctx.Done():
				res.err = ctx.Err()
				return res
			}
			res.accepted++
			if s.cfg.PerSourceCap > 0 && res.accepted >= s.cfg.PerSourceCap {
				res.capped = true
				return res
			}
		}
		if !page.HasNext || page.EndCursor == "" {
			return res
		}
		cursor = page.EndCursor
	}
}

func (s *Service) fetchWithRetry(ctx context.Context, src domain.Source, cursor string) (domain.IssuePage, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		page, err := s.issues.FetchIssues(ctx, src, cursor, s.cfg.PageSize)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return domain.IssuePage{}, ctx.Err()
		}
		lastErr = err
		if domain.IsPermanent(err) || errors.Is(err, context.Canceled) {
			return domain.IssuePage{}, err
		}
		if attempt == s.cfg.Retries {
			break
		}
		delay := s.cfg.RetryDelay * time.Duration(attempt)
		s.log.Debug().Err(err).Str("repo", src.FullName).Int("attempt", attempt).Dur("delay", delay).Msg("harvest: повтор страницы")
		select {
		case <-ctx.Done():
			return domain.IssuePage{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return domain.IssuePage{}, lastErr
}
