package queue

import (
	"context"
	"sync"
	"time"

	"issueindex/internal/domain"
)

// Memory очередь в памяти процесса с теми же правилами повторов, что и у брокеров.
type Memory struct {
	mu          sync.Mutex
	ready       []memoryEntry
	dead        []domain.OutboundMessage
	acked       int
	maxDelivery int
	signal      chan struct{}
}

// memoryEntry копия сообщения в очереди; попытки хранятся в самой копии, как заголовок у брокера.
type memoryEntry struct {
	msg      domain.OutboundMessage
	attempts int
}

var _ domain.MessageQueue = (*Memory)(nil)

// NewMemory создаёт очередь.
func NewMemory(maxDelivery int) *Memory {
	if maxDelivery <= 0 {
		maxDelivery = DefaultMaxDelivery
	}
	return &Memory{maxDelivery: maxDelivery, signal: make(chan struct{}, 1)}
}

func (m *Memory) Publish(ctx context.Context, msg domain.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.push(memoryEntry{msg: msg})
	return nil
}

func (m *Memory) push(e memoryEntry) {
	m.mu.Lock()
	m.ready = append(m.ready, e)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) ReceiveBatch(ctx context.Context, max int) ([]domain.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	for {
		m.mu.Lock()
		if len(m.ready) > 0 {
			n := min(max, len(m.ready))
			batch := append([]memoryEntry(nil), m.ready[:n]...)
			m.ready = m.ready[n:]
			m.mu.Unlock()
			out := make([]domain.Delivery, n)
			for i, e := range batch {
				out[i] = m.wrap(e)
			}
			return out, nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *Memory) wrap(e memoryEntry) domain.Delivery {
	return domain.Delivery{
		ID:      e.msg.ID,
		Body:    e.msg.Body,
		Attempt: e.attempts + 1,
		Ack: func() error {
			m.mu.Lock()
			m.acked++
			m.mu.Unlock()
			return nil
		},
		Nack: func(delay time.Duration) error {
			m.redeliver(memoryEntry{msg: e.msg, attempts: e.attempts + 1}, delay)
			return nil
		},
		Release: func(delay time.Duration) error {
			m.redeliver(e, delay)
			return nil
		},
		DeadLetter: func() error {
			m.mu.Lock()
			m.dead = append(m.dead, e.msg)
			m.mu.Unlock()
			return nil
		},
	}
}

func (m *Memory) redeliver(e memoryEntry, delay time.Duration) {
	if e.attempts >= m.maxDelivery {
		m.mu.Lock()
		m.dead = append(m.dead, e.msg)
		m.mu.Unlock()
		return
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { m.push(e) })
		return
	}
	m.push(e)
}

// Stats возвращает число ожидающих, подтверждённых и мёртвых сообщений.
func (m *Memory) Stats() (ready, acked, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), m.acked, len(m.dead)
}

func (m *Memory) Close() error { return nil }
