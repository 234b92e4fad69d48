package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

const (
	keyRemaining = "ingestion:graphql:remaining"
	keyResetAt   = "ingestion:graphql:reset_at"
	keyTotalCost = "ingestion:graphql:total_cost"

	redisPollStep = 5 * time.Second
)

// reserveScript ленивый сброс окна, проверка и списание одной операцией.
// ARGV: cost, quota, now (unix), window (сек), reserve (1|0).
// Возвращает {granted, remaining, reset_at}.
var reserveScript = redis.NewScript(`
local remaining = tonumber(redis.call('GET', KEYS[1]))
local reset_at = tonumber(redis.call('GET', KEYS[2]))
local cost = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local reserve = tonumber(ARGV[5])
if remaining == nil or reset_at == nil or now >= reset_at then
  remaining = quota
  reset_at = now + window
  redis.call('SET', KEYS[1], remaining)
  redis.call('SET', KEYS[2], reset_at)
end
if remaining >= cost then
  if reserve == 1 then
    remaining = remaining - cost
    redis.call('SET', KEYS[1], remaining)
    redis.call('INCRBY', KEYS[3], cost)
  end
  return {1, remaining, reset_at}
end
return {0, remaining, reset_at}
`)

// recordScript списывает фактическую стоимость, не опускаясь ниже нуля.
var recordScript = redis.NewScript(`
local remaining = tonumber(redis.call('GET', KEYS[1]))
local reset_at = tonumber(redis.call('GET', KEYS[2]))
local cost = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
if remaining == nil or reset_at == nil or now >= reset_at then
  remaining = quota
  reset_at = now + window
  redis.call('SET', KEYS[2], reset_at)
end
remaining = remaining - cost
if remaining < 0 then
  remaining = 0
end
redis.call('SET', KEYS[1], remaining)
redis.call('INCRBY', KEYS[3], cost)
return remaining
`)

// Redis трекер квоты, общий для нескольких процессов.
type Redis struct {
	client *redis.Client
	clock  Clock
	quota  int
	window time.Duration

	mu       sync.Mutex
	restored chan struct{}
}

var _ domain.QuotaTracker = (*Redis)(nil)

// NewRedis создаёт трекер поверх Redis.
func NewRedis(client *redis.Client, quota int, clock Clock) *Redis {
	if quota <= 0 {
		quota = DefaultHourlyQuota
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Redis{client: client, clock: clock, quota: quota, window: DefaultWindow, restored: make(chan struct{})}
}

func (r *Redis) clamp(n int) int {
	if n > r.quota {
		return r.quota
	}
	if n < 0 {
		return 0
	}
	return n
}

func (r *Redis) keys() []string {
	return []string{keyRemaining, keyResetAt, keyTotalCost}
}

func (r *Redis) run(ctx context.Context, cost int, reserve bool) (bool, int, time.Time, error) {
	flag := 0
	if reserve {
		flag = 1
	}
	start := time.Now()
	res, err := reserveScript.Run(ctx, r.client, r.keys(),
		r.clamp(cost), r.quota, r.clock.Now().Unix(), int64(r.window/time.Second), flag).Int64Slice()
	metrics.ObserveNetworkRequest("redis", "quota_reserve", keyRemaining, start, err)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("quota script: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("quota script: unexpected reply %v", res)
	}
	metrics.QuotaRemaining.Set(float64(res[1]))
	return res[0] == 1, int(res[1]), time.Unix(res[2], 0), nil
}

// RecordCost списывает фактическую стоимость.
func (r *Redis) RecordCost(ctx context.Context, n int) error {
	start := time.Now()
	remaining, err := recordScript.Run(ctx, r.client, r.keys(),
		n, r.quota, r.clock.Now().Unix(), int64(r.window/time.Second)).Int64()
	metrics.ObserveNetworkRequest("redis", "quota_record", keyRemaining, start, err)
	if err != nil {
		return fmt.Errorf("quota record: %w", err)
	}
	metrics.QuotaRemaining.Set(float64(remaining))
	return nil
}

// CanAfford проверяет бюджет без резервирования.
func (r *Redis) CanAfford(ctx context.Context, n int) (bool, error) {
	ok, _, _, err := r.run(ctx, n, false)
	return ok, err
}

// WaitUntilAffordable опрашивает общий бюджет, пока не удастся зарезервировать n.
func (r *Redis) WaitUntilAffordable(ctx context.Context, n int) error {
	for {
		ok, _, resetAt, err := r.run(ctx, n, true)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		wait := resetAt.Sub(r.clock.Now()) + time.Second
		if wait > redisPollStep {
			wait = redisPollStep
		}
		r.mu.Lock()
		restored := r.restored
		r.mu.Unlock()
		metrics.QuotaWaits.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-restored:
		case <-r.clock.After(wait):
		}
	}
}

// SetRemainingFromServer перезаписывает общее состояние значениями сервера.
func (r *Redis) SetRemainingFromServer(ctx context.Context, remaining int, resetAt time.Time) error {
	start := time.Now()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyRemaining, remaining, 0)
	if !resetAt.IsZero() {
		pipe.Set(ctx, keyResetAt, resetAt.Unix(), 0)
	}
	_, err := pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "quota_sync", keyRemaining, start, err)
	if err != nil {
		return fmt.Errorf("quota sync: %w", err)
	}
	metrics.QuotaRemaining.Set(float64(remaining))
	r.mu.Lock()
	close(r.restored)
	r.restored = make(chan struct{})
	r.mu.Unlock()
	return nil
}
