package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultEmbeddingDim размерность векторов по умолчанию.
const DefaultEmbeddingDim = 256

func schemaStatements(dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	node_id TEXT NOT NULL UNIQUE,
	full_name TEXT NOT NULL UNIQUE,
	primary_language TEXT,
	stargazer_count INT NOT NULL DEFAULT 0,
	issue_count_open INT NOT NULL DEFAULT 0,
	topics TEXT[] NOT NULL DEFAULT '{}',
	last_scraped_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS issues (
	id BIGSERIAL PRIMARY KEY,
	node_id TEXT NOT NULL UNIQUE,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	issue_number INT,
	github_url TEXT,
	title TEXT NOT NULL,
	body_text TEXT NOT NULL,
	labels TEXT[] NOT NULL DEFAULT '{}',
	state TEXT NOT NULL DEFAULT 'open',
	has_code BOOLEAN NOT NULL DEFAULT false,
	has_template_headers BOOLEAN NOT NULL DEFAULT false,
	tech_stack_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_junk BOOLEAN NOT NULL DEFAULT false,
	q_score DOUBLE PRECISION NOT NULL,
	survival_score DOUBLE PRECISION NOT NULL,
	embedding vector(%d),
	content_hash TEXT NOT NULL UNIQUE,
	github_created_at TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, dim),
		`CREATE INDEX IF NOT EXISTS issues_embedding_hnsw ON issues USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS issues_survival_score_idx ON issues (survival_score)`,
		`CREATE INDEX IF NOT EXISTS issues_repo_id_idx ON issues (repo_id)`,
		`CREATE TABLE IF NOT EXISTS pending_issues (
	id BIGSERIAL PRIMARY KEY,
	node_id TEXT NOT NULL,
	repo_node_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (node_id, content_hash)
)`,
		`CREATE INDEX IF NOT EXISTS pending_issues_status_created_idx ON pending_issues (status, created_at)`,
	}
}

// EnsureSchema создаёт расширение vector и таблицы, если их нет.
// Выполняется на отдельном соединении до создания пула, чтобы пул мог зарегистрировать тип vector.
func EnsureSchema(ctx context.Context, dsn string, dim int) error {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	for _, stmt := range schemaStatements(dim) {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
