package domain

import (
	"context"
	"encoding/json"
	"time"
)

// QuotaTracker ведёт бюджет запросов к удалённому API.
type QuotaTracker interface {
	RecordCost(ctx context.Context, n int) error
	CanAfford(ctx context.Context, n int) (bool, error)
	// WaitUntilAffordable блокирует вызов, пока бюджет не станет >= n, и резервирует n.
	WaitUntilAffordable(ctx context.Context, n int) error
	SetRemainingFromServer(ctx context.Context, remaining int, resetAt time.Time) error
}

// QueryExecutor выполняет GraphQL запрос с учётом квоты.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, variables map[string]any, estimatedCost int) (json.RawMessage, error)
}

// RepositorySearcher ищет репозитории по языку.
type RepositorySearcher interface {
	SearchRepositories(ctx context.Context, q SearchQuery, after string, pageSize int) (SourcePage, error)
}

// IssueFetcher читает одну страницу issues репозитория.
type IssueFetcher interface {
	FetchIssues(ctx context.Context, src Source, after string, pageSize int) (IssuePage, error)
}

// Embedder превращает тексты в векторы фиксированной размерности.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// SourceRepo хранит репозитории.
type SourceRepo interface {
	UpsertSources(ctx context.Context, sources []Source) (int, error)
	TouchScraped(ctx context.Context, nodeIDs []string, at time.Time) error
}

// ItemRepo хранит обогащённые issues.
type ItemRepo interface {
	// UpsertItems пишет пачку одним запросом; при нарушении уникальности возвращает ErrConflict.
	UpsertItems(ctx context.Context, items []EnrichedItem) (int, error)
	ItemExists(ctx context.Context, nodeID, contentHash string) (bool, error)
}

// StagingRepo очередь issues в staging-таблице.
type StagingRepo interface {
	InsertPending(ctx context.Context, items []StagedItem) (int, error)
	ClaimPendingBatch(ctx context.Context, n int) ([]StagedItem, error)
	MarkCompleted(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, maxAttempts int, reason string) error
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RetentionRepo удаляет устаревшие issues.
type RetentionRepo interface {
	CountItems(ctx context.Context) (int64, error)
	DeleteBelowPercentile(ctx context.Context, percentile float64) (int64, error)
}

// Cache обеспечивает однократное выполнение по ключу.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) (bool, error)
}

// Notifier отправляет отчёты операторам.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Store полный набор хранилищ одного бэкенда.
type Store interface {
	SourceRepo
	ItemRepo
	StagingRepo
	RetentionRepo
}
