package discover

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// Config параметры поиска репозиториев.
type Config struct {
	Languages      []string
	PerLanguage    int
	PageSize       int
	MinStars       int
	MinOpenIssues  int
	RecencyDays    int
	EstimatedCost  int
	MaxConcurrency int
}

func (c Config) withDefaults() Config {
	if c.PerLanguage <= 0 {
		c.PerLanguage = 50
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MinStars <= 0 {
		c.MinStars = 1000
	}
	if c.MinOpenIssues < 0 {
		c.MinOpenIssues = 0
	}
	if c.RecencyDays <= 0 {
		c.RecencyDays = 14
	}
	if c.EstimatedCost <= 0 {
		c.EstimatedCost = 2
	}
	return c
}

// Result найденные репозитории и сведения о пропусках.
type Result struct {
	Sources          []domain.Source
	FailedPartitions []string
	BelowActivity    int
	Invalid          int
}

// Service ищет репозитории параллельно по языкам.
type Service struct {
	search domain.RepositorySearcher
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewService создаёт сервис поиска.
func NewService(search domain.RepositorySearcher, cfg Config, logger zerolog.Logger) *Service {
	return &Service{search: search, cfg: cfg.withDefaults(), log: logger, now: time.Now}
}

type partitionResult struct {
	sources       []domain.Source
	belowActivity int
	invalid       int
	err           error
}

// Discover запускает поиск по каждому языку; ошибка одного языка не прерывает остальные.
// Результат дедуплицирован по node id в порядке языков и страниц.
func (s *Service) Discover(ctx context.Context) (Result, error) {
	langs := s.cfg.Languages
	results := make([]partitionResult, len(langs))
	pushedAfter := s.now().UTC().AddDate(0, 0, -s.cfg.RecencyDays)

	var g errgroup.Group
	if s.cfg.MaxConcurrency > 0 {
		g.SetLimit(s.cfg.MaxConcurrency)
	}
	for i, lang := range langs {
		g.Go(func() error {
			q := domain.SearchQuery{
				Language:      lang,
				MinStars:      s.cfg.MinStars,
				PushedAfter:   pushedAfter,
				EstimatedCost: s.cfg.EstimatedCost,
			}
			results[i] = s.discoverLanguage(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	seen := make(map[string]struct{})
	for i, part := range results {
		res.BelowActivity += part.belowActivity
		res.Invalid += part.invalid
		if part.err != nil {
			res.FailedPartitions = append(res.FailedPartitions, langs[i])
			metrics.DiscoverPartitionFailures.Inc()
			s.log.Warn().Err(part.err).Str("language", langs[i]).Msg("discover: поиск по языку завершился ошибкой")
		}
		for _, src := range part.sources {
			if _, ok := seen[src.NodeID]; ok {
				continue
			}
			seen[src.NodeID] = struct{}{}
			res.Sources = append(res.Sources, src)
		}
		s.log.Debug().Str("language", langs[i]).Int("repos", len(part.sources)).Msg("discover: язык обработан")
	}
	metrics.DiscoveredSources.Add(float64(len(res.Sources)))
	s.log.Info().
		Int("repos", len(res.Sources)).
		Int("failed_languages", len(res.FailedPartitions)).
		Int("below_activity", res.BelowActivity).
		Msg("discover: поиск завершён")
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// discoverLanguage листает поиск, пока не наберёт PerLanguage репозиториев.
// Уже собранное возвращается и при ошибке на поздней странице.
func (s *Service) discoverLanguage(ctx context.Context, q domain.SearchQuery) partitionResult {
	var out partitionResult
	cursor := ""
	for len(out.sources) < s.cfg.PerLanguage {
		pageSize := min(s.cfg.PageSize, s.cfg.PerLanguage-len(out.sources))
		page, err := s.search.SearchRepositories(ctx, q, cursor, pageSize)
		if err != nil {
			out.err = err
			return out
		}
		out.invalid += page.Invalid
		for _, src := range page.Sources {
			if len(out.sources) >= s.cfg.PerLanguage {
				break
			}
			if src.OpenIssues < s.cfg.MinOpenIssues {
				out.belowActivity++
				continue
			}
			out.sources = append(out.sources, src)
		}
		if !page.HasNext || page.EndCursor == "" {
			break
		}
		cursor = page.EndCursor
	}
	return out
}
