package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// InsertPending складывает issues в staging-таблицу; повторная вставка того же содержимого игнорируется.
func (p *Postgres) InsertPending(ctx context.Context, items []domain.StagedItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	builder := p.psql.Insert("pending_issues").
		Columns("node_id", "repo_node_id", "content_hash", "payload", "status")
	for _, it := range items {
		payload, err := json.Marshal(domain.NewItemMessage(it.Item, it.ContentHash, ""))
		if err != nil {
			return 0, fmt.Errorf("marshal staged %s: %w", it.Item.NodeID, err)
		}
		builder = builder.Values(it.Item.NodeID, it.Item.SourceNodeID, it.ContentHash, payload, string(domain.StagedPending))
	}
	query, args, err := builder.Suffix("ON CONFLICT (node_id, content_hash) DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build staging insert: %w", err)
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "staging_insert", "pending_issues", start, err)
	if err != nil {
		return 0, mapConflict(err)
	}
	inserted := int(tag.RowsAffected())
	metrics.StagingTransitions.WithLabelValues(string(domain.StagedPending)).Add(float64(inserted))
	return inserted, nil
}

const claimPendingSQL = `
WITH claimed AS (
	SELECT id FROM pending_issues
	WHERE status = 'pending'
	ORDER BY created_at, id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE pending_issues p
SET status = 'processing', attempts = p.attempts + 1, updated_at = now()
FROM claimed
WHERE p.id = claimed.id
RETURNING p.id, p.payload, p.content_hash, p.attempts, COALESCE(p.last_error, ''), p.created_at, p.updated_at
`

// ClaimPendingBatch атомарно забирает до n записей в обработку.
// Параллельные вызовы получают непересекающиеся наборы.
func (p *Postgres) ClaimPendingBatch(ctx context.Context, n int) ([]domain.StagedItem, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, claimPendingSQL, n)
	metrics.ObserveNetworkRequest("postgres", "staging_claim", "pending_issues", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StagedItem
	for rows.Next() {
		var (
			st      domain.StagedItem
			payload []byte
		)
		if err := rows.Scan(&st.ID, &payload, &st.ContentHash, &st.Attempts, &st.LastError, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		var msg domain.ItemMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode staged %d: %w", st.ID, err)
		}
		st.Item = msg.ScoredItem()
		st.Status = domain.StagedProcessing
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	metrics.StagingTransitions.WithLabelValues(string(domain.StagedProcessing)).Add(float64(len(out)))
	return out, nil
}

// MarkCompleted завершает записи.
func (p *Postgres) MarkCompleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx,
		`UPDATE pending_issues SET status = 'completed', last_error = NULL, updated_at = now() WHERE id = ANY($1)`, ids)
	metrics.ObserveNetworkRequest("postgres", "staging_complete", "pending_issues", start, err)
	if err != nil {
		return err
	}
	metrics.StagingTransitions.WithLabelValues(string(domain.StagedCompleted)).Add(float64(tag.RowsAffected()))
	return nil
}

// MarkFailed возвращает записи в pending, пока не исчерпаны попытки, затем переводит в failed.
func (p *Postgres) MarkFailed(ctx context.Context, ids []int64, maxAttempts int, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
UPDATE pending_issues
SET status = CASE WHEN attempts < $2 THEN 'pending' ELSE 'failed' END,
	last_error = $3,
	updated_at = now()
WHERE id = ANY($1)
RETURNING status`, ids, maxAttempts, reason)
	metrics.ObserveNetworkRequest("postgres", "staging_fail", "pending_issues", start, err)
	if err != nil {
		return err
	}
	statuses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}
	for _, s := range statuses {
		metrics.StagingTransitions.WithLabelValues(s).Inc()
	}
	return nil
}

// CleanupCompleted удаляет завершённые записи старше olderThan.
func (p *Postgres) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM pending_issues WHERE status = 'completed' AND updated_at < $1`,
		time.Now().Add(-olderThan))
	metrics.ObserveNetworkRequest("postgres", "staging_cleanup", "pending_issues", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
