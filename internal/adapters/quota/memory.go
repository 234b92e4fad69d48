package quota

import (
	"context"
	"sync"
	"time"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// Memory трекер квоты внутри одного процесса.
type Memory struct {
	mu        sync.Mutex
	clock     Clock
	quota     int
	window    time.Duration
	remaining int
	resetAt   time.Time
	totalCost int
	// restored закрывается и заменяется при каждом восстановлении бюджета,
	// чтобы разбудить всех ожидающих.
	restored chan struct{}
}

var _ domain.QuotaTracker = (*Memory)(nil)

// MemoryOption настраивает Memory.
type MemoryOption func(*Memory)

// WithClock подменяет часы.
func WithClock(c Clock) MemoryOption {
	return func(m *Memory) { m.clock = c }
}

// WithWindow задаёт длину окна.
func WithWindow(d time.Duration) MemoryOption {
	return func(m *Memory) { m.window = d }
}

// NewMemory создаёт трекер с полным бюджетом.
func NewMemory(quota int, opts ...MemoryOption) *Memory {
	if quota <= 0 {
		quota = DefaultHourlyQuota
	}
	m := &Memory{
		clock:    SystemClock{},
		quota:    quota,
		window:   DefaultWindow,
		restored: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.remaining = quota
	m.resetAt = m.clock.Now().Add(m.window)
	metrics.QuotaRemaining.Set(float64(m.remaining))
	return m
}

// resetIfDue выполняется под мьютексом.
func (m *Memory) resetIfDue() {
	if m.clock.Now().Before(m.resetAt) {
		return
	}
	m.remaining = m.quota
	m.resetAt = m.clock.Now().Add(m.window)
	m.broadcast()
}

func (m *Memory) broadcast() {
	close(m.restored)
	m.restored = make(chan struct{})
	metrics.QuotaRemaining.Set(float64(m.remaining))
}

func (m *Memory) clamp(n int) int {
	if n > m.quota {
		return m.quota
	}
	if n < 0 {
		return 0
	}
	return n
}

// RecordCost списывает фактическую стоимость.
func (m *Memory) RecordCost(_ context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfDue()
	m.remaining -= n
	if m.remaining < 0 {
		m.remaining = 0
	}
	m.totalCost += n
	metrics.QuotaRemaining.Set(float64(m.remaining))
	return nil
}

// CanAfford проверяет бюджет без резервирования.
func (m *Memory) CanAfford(_ context.Context, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfDue()
	return m.remaining >= m.clamp(n), nil
}

// WaitUntilAffordable ждёт бюджет и резервирует n.
func (m *Memory) WaitUntilAffordable(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		m.resetIfDue()
		cost := m.clamp(n)
		if m.remaining >= cost {
			m.remaining -= cost
			m.totalCost += cost
			metrics.QuotaRemaining.Set(float64(m.remaining))
			m.mu.Unlock()
			return nil
		}
		restored := m.restored
		wait := m.resetAt.Sub(m.clock.Now())
		m.mu.Unlock()

		if wait > maxWaitStep {
			wait = maxWaitStep
		}
		metrics.QuotaWaits.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-restored:
		case <-m.clock.After(wait):
		}
	}
}

// SetRemainingFromServer принимает значения из ответа сервера как истинные.
func (m *Memory) SetRemainingFromServer(_ context.Context, remaining int, resetAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grew := remaining > m.remaining
	m.remaining = remaining
	if !resetAt.IsZero() {
		m.resetAt = resetAt
	}
	if grew {
		m.broadcast()
		return nil
	}
	metrics.QuotaRemaining.Set(float64(m.remaining))
	return nil
}

// Snapshot возвращает текущее состояние.
func (m *Memory) Snapshot() (remaining int, resetAt time.Time, totalCost int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining, m.resetAt, m.totalCost
}
