package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

var (
	_ domain.SourceRepo    = (*Postgres)(nil)
	_ domain.ItemRepo      = (*Postgres)(nil)
	_ domain.StagingRepo   = (*Postgres)(nil)
	_ domain.RetentionRepo = (*Postgres)(nil)
	_ domain.Store         = (*Postgres)(nil)
)

const (
	pgUniqueViolation    = "23505"
	pgCardinalityViolate = "21000"
	defaultQueryTimeout  = 10 * time.Second
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// mapConflict превращает нарушения уникальности в domain.ErrConflict.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgUniqueViolation || pgErr.Code == pgCardinalityViolate) {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

const upsertSourceSQL = `
INSERT INTO repositories (node_id, full_name, primary_language, stargazer_count, issue_count_open, topics, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (node_id) DO UPDATE SET
	full_name = EXCLUDED.full_name,
	primary_language = EXCLUDED.primary_language,
	stargazer_count = EXCLUDED.stargazer_count,
	issue_count_open = EXCLUDED.issue_count_open,
	topics = EXCLUDED.topics,
	updated_at = now()
`

const updateSourceByNameSQL = `
UPDATE repositories SET
	node_id = $1,
	primary_language = $3,
	stargazer_count = $4,
	issue_count_open = $5,
	topics = $6,
	updated_at = now()
WHERE full_name = $2
`

// UpsertSources пишет репозитории пачкой; при конфликте по full_name
// (репозиторий пересоздан с новым node id) обновляет существующую строку.
func (p *Postgres) UpsertSources(ctx context.Context, sources []domain.Source) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, s := range sources {
		batch.Queue(upsertSourceSQL, s.NodeID, s.FullName, s.Language, s.Stars, s.OpenIssues, nonNilStrings(s.Topics))
	}
	start := time.Now()
	err := p.pool.SendBatch(ctx, batch).Close()
	metrics.ObserveNetworkRequest("postgres", "repositories_upsert", "repositories", start, err)
	if err == nil {
		return len(sources), nil
	}
	if !errors.Is(mapConflict(err), domain.ErrConflict) {
		return 0, err
	}

	written := 0
	for _, s := range sources {
		args := []any{s.NodeID, s.FullName, s.Language, s.Stars, s.OpenIssues, nonNilStrings(s.Topics)}
		_, err := p.pool.Exec(ctx, upsertSourceSQL, args...)
		if err != nil && errors.Is(mapConflict(err), domain.ErrConflict) {
			_, err = p.pool.Exec(ctx, updateSourceByNameSQL, args...)
		}
		if err != nil {
			return written, fmt.Errorf("upsert repository %s: %w", s.FullName, err)
		}
		written++
	}
	return written, nil
}

// TouchScraped отмечает время последнего обхода.
func (p *Postgres) TouchScraped(ctx context.Context, nodeIDs []string, at time.Time) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE repositories SET last_scraped_at = $2 WHERE node_id = ANY($1)`, nodeIDs, at)
	metrics.ObserveNetworkRequest("postgres", "repositories_touch", "repositories", start, err)
	return err
}

func (p *Postgres) resolveSourceIDs(ctx context.Context, items []domain.EnrichedItem) (map[string]int64, error) {
	seen := make(map[string]struct{}, len(items))
	nodeIDs := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.SourceNodeID]; ok {
			continue
		}
		seen[it.SourceNodeID] = struct{}{}
		nodeIDs = append(nodeIDs, it.SourceNodeID)
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT node_id, id FROM repositories WHERE node_id = ANY($1)`, nodeIDs)
	metrics.ObserveNetworkRequest("postgres", "repositories_resolve", "repositories", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[string]int64, len(nodeIDs))
	for rows.Next() {
		var nodeID string
		var id int64
		if err := rows.Scan(&nodeID, &id); err != nil {
			return nil, err
		}
		ids[nodeID] = id
	}
	return ids, rows.Err()
}

var issueColumns = []string{
	"node_id", "repo_id", "issue_number", "github_url", "title", "body_text", "labels", "state",
	"has_code", "has_template_headers", "tech_stack_weight", "is_junk", "q_score", "survival_score",
	"embedding", "content_hash", "github_created_at", "ingested_at",
}

const upsertIssuesSuffix = `ON CONFLICT (node_id) DO UPDATE SET
	repo_id = EXCLUDED.repo_id,
	issue_number = EXCLUDED.issue_number,
	github_url = EXCLUDED.github_url,
	title = EXCLUDED.title,
	body_text = EXCLUDED.body_text,
	labels = EXCLUDED.labels,
	state = EXCLUDED.state,
	has_code = EXCLUDED.has_code,
	has_template_headers = EXCLUDED.has_template_headers,
	tech_stack_weight = EXCLUDED.tech_stack_weight,
	is_junk = EXCLUDED.is_junk,
	q_score = EXCLUDED.q_score,
	survival_score = EXCLUDED.survival_score,
	embedding = EXCLUDED.embedding,
	content_hash = EXCLUDED.content_hash,
	github_created_at = EXCLUDED.github_created_at,
	ingested_at = EXCLUDED.ingested_at`

// UpsertItems пишет пачку issues одним INSERT ... ON CONFLICT.
// Issues неизвестных репозиториев пропускаются и не входят в результат.
func (p *Postgres) UpsertItems(ctx context.Context, items []domain.EnrichedItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	sourceIDs, err := p.resolveSourceIDs(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("resolve repositories: %w", err)
	}

	now := time.Now().UTC()
	builder := p.psql.Insert("issues").Columns(issueColumns...)
	rowsQueued := 0
	for _, it := range items {
		repoID, ok := sourceIDs[it.SourceNodeID]
		if !ok {
			continue
		}
		builder = builder.Values(
			it.NodeID, repoID, nullableInt(it.Number), nullableString(it.URL), it.Title, it.Body,
			nonNilStrings(it.Labels), it.State,
			it.Quality.HasCode, it.Quality.HasTemplateHeaders, it.Quality.TechWeight, it.Quality.IsJunk,
			it.QualityScore, it.SurvivalScore,
			pgvector.NewVector(it.Embedding), it.ContentHash, it.CreatedAt, now,
		)
		rowsQueued++
	}
	if rowsQueued == 0 {
		return 0, nil
	}
	query, args, err := builder.Suffix(upsertIssuesSuffix).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build upsert: %w", err)
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "issues_upsert", "issues", start, err)
	if err != nil {
		return 0, mapConflict(err)
	}
	return int(tag.RowsAffected()), nil
}

// ItemExists проверяет, записан ли issue с таким же содержимым.
func (p *Postgres) ItemExists(ctx context.Context, nodeID, contentHash string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM issues WHERE node_id = $1 AND content_hash = $2)`,
		nodeID, contentHash).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "issues_exists", "issues", start, err)
	return exists, err
}

// CountItems количество issues.
func (p *Postgres) CountItems(ctx context.Context) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	var n int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM issues`).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "issues_count", "issues", start, err)
	return n, err
}

// DeleteBelowPercentile удаляет issues с survival score ниже перцентиля.
func (p *Postgres) DeleteBelowPercentile(ctx context.Context, percentile float64) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM issues
WHERE survival_score < (
	SELECT percentile_cont($1) WITHIN GROUP (ORDER BY survival_score) FROM issues
)`, percentile)
	metrics.ObserveNetworkRequest("postgres", "issues_prune", "issues", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullableInt(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
