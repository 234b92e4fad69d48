package repo

import (
	"context"
	"fmt"

	"issueindex/internal/infra/db"
)

// OpenPostgres создаёт схему и пул. close освобождает пул.
func OpenPostgres(ctx context.Context, dsn string, dim int, maxConns int32) (store *Postgres, closeFn func(), err error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("postgres dsn is empty")
	}
	if err := EnsureSchema(ctx, dsn, dim); err != nil {
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	pool, err := db.Connect(ctx, dsn, maxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return NewPostgres(pool), pool.Close, nil
}

// Ping проверяет доступность БД.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
