package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"issueindex/internal/domain"
)

// Memory хранит данные в памяти процесса. Используется в режиме dry-run и в тестах.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	sources map[string]domain.Source
	items   map[string]domain.EnrichedItem
	staged  []*domain.StagedItem
	nextID  int64
}

var (
	_ domain.SourceRepo    = (*Memory)(nil)
	_ domain.ItemRepo      = (*Memory)(nil)
	_ domain.StagingRepo   = (*Memory)(nil)
	_ domain.RetentionRepo = (*Memory)(nil)
	_ domain.Store         = (*Memory)(nil)
)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		sources: make(map[string]domain.Source),
		items:   make(map[string]domain.EnrichedItem),
	}
}

func (m *Memory) UpsertSources(_ context.Context, sources []domain.Source) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sources {
		for id, existing := range m.sources {
			if existing.FullName == s.FullName && id != s.NodeID {
				delete(m.sources, id)
			}
		}
		if prev, ok := m.sources[s.NodeID]; ok {
			s.ID = prev.ID
			s.LastScrapedAt = prev.LastScrapedAt
		} else {
			m.nextID++
			s.ID = m.nextID
		}
		m.sources[s.NodeID] = s
	}
	return len(sources), nil
}

func (m *Memory) TouchScraped(_ context.Context, nodeIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range nodeIDs {
		if s, ok := m.sources[id]; ok {
			t := at
			s.LastScrapedAt = &t
			m.sources[id] = s
		}
	}
	return nil
}

// Source возвращает сохранённый репозиторий.
func (m *Memory) Source(nodeID string) (domain.Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[nodeID]
	return s, ok
}

func (m *Memory) UpsertItems(_ context.Context, items []domain.EnrichedItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.NodeID]; dup {
			return 0, domain.ErrConflict
		}
		seen[it.NodeID] = struct{}{}
	}
	written := 0
	for _, it := range items {
		if _, ok := m.sources[it.SourceNodeID]; !ok {
			continue
		}
		m.items[it.NodeID] = it
		written++
	}
	return written, nil
}

func (m *Memory) ItemExists(_ context.Context, nodeID, contentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[nodeID]
	return ok && it.ContentHash == contentHash, nil
}

// Items возвращает снимок записанных issues.
func (m *Memory) Items() []domain.EnrichedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EnrichedItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (m *Memory) CountItems(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

// DeleteBelowPercentile считает перцентиль с линейной интерполяцией, как percentile_cont.
func (m *Memory) DeleteBelowPercentile(_ context.Context, percentile float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return 0, nil
	}
	scores := make([]float64, 0, len(m.items))
	for _, it := range m.items {
		scores = append(scores, it.SurvivalScore)
	}
	sort.Float64s(scores)
	cut := percentileCont(scores, percentile)
	var deleted int64
	for id, it := range m.items {
		if it.SurvivalScore < cut {
			delete(m.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func percentileCont(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func (m *Memory) InsertPending(_ context.Context, items []domain.StagedItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	inserted := 0
	for _, it := range items {
		if m.hasStagedLocked(it.Item.NodeID, it.ContentHash) {
			continue
		}
		m.nextID++
		m.staged = append(m.staged, &domain.StagedItem{
			ID:          m.nextID,
			Item:        it.Item,
			ContentHash: it.ContentHash,
			Status:      domain.StagedPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		inserted++
	}
	return inserted, nil
}

func (m *Memory) hasStagedLocked(nodeID, hash string) bool {
	for _, s := range m.staged {
		if s.Item.NodeID == nodeID && s.ContentHash == hash {
			return true
		}
	}
	return false
}

func (m *Memory) ClaimPendingBatch(_ context.Context, n int) ([]domain.StagedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []domain.StagedItem
	for _, s := range m.staged {
		if len(out) >= n {
			break
		}
		if s.Status != domain.StagedPending {
			continue
		}
		s.Status = domain.StagedProcessing
		s.Attempts++
		s.UpdatedAt = now
		out = append(out, *s)
	}
	return out, nil
}

func (m *Memory) MarkCompleted(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, s := range m.stagedByIDLocked(ids) {
		s.Status = domain.StagedCompleted
		s.LastError = ""
		s.UpdatedAt = now
	}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, ids []int64, maxAttempts int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, s := range m.stagedByIDLocked(ids) {
		if s.Attempts < maxAttempts {
			s.Status = domain.StagedPending
		} else {
			s.Status = domain.StagedFailed
		}
		s.LastError = reason
		s.UpdatedAt = now
	}
	return nil
}

func (m *Memory) CleanupCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	kept := m.staged[:0]
	var removed int64
	for _, s := range m.staged {
		if s.Status == domain.StagedCompleted && s.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.staged = kept
	return removed, nil
}

// Staged возвращает снимок staging-таблицы.
func (m *Memory) Staged() []domain.StagedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StagedItem, 0, len(m.staged))
	for _, s := range m.staged {
		out = append(out, *s)
	}
	return out
}

func (m *Memory) stagedByIDLocked(ids []int64) []*domain.StagedItem {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*domain.StagedItem
	for _, s := range m.staged {
		if _, ok := want[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}
