package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/adapters/repo"
	"issueindex/internal/domain"
	"issueindex/internal/usecase/scoring"
)

func enriched(id, title string, dim int) domain.EnrichedItem {
	it := domain.EnrichedItem{
		ScoredItem: domain.ScoredItem{
			CandidateItem: domain.CandidateItem{
				NodeID:       id,
				SourceNodeID: "R1",
				Title:        title,
				Body:         "body",
				CreatedAt:    time.Now().Add(-48 * time.Hour),
			},
			QualityScore: 0.5,
		},
		Embedding: make([]float32, dim),
	}
	it.ContentHash = scoring.ContentHash(id, title, it.Body)
	return it
}

func feed(items ...domain.EnrichedItem) <-chan domain.EnrichedItem {
	ch := make(chan domain.EnrichedItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func newMemoryService(t *testing.T) (*Service, *repo.Memory) {
	t.Helper()
	mem := repo.NewMemory()
	if _, err := mem.UpsertSources(context.Background(), []domain.Source{{NodeID: "R1", FullName: "a/b"}}); err != nil {
		t.Fatalf("UpsertSources: %v", err)
	}
	return NewService(mem, mem, Config{BatchSize: 2, EmbeddingDim: 4}, zerolog.Nop()), mem
}

func TestPersistStreamIdempotent(t *testing.T) {
	svc, mem := newMemoryService(t)
	items := []domain.EnrichedItem{enriched("I1", "a", 4), enriched("I2", "b", 4), enriched("I3", "c", 4)}

	for run := 0; run < 2; run++ {
		rep, err := svc.PersistStream(context.Background(), feed(items...))
		if err != nil {
			t.Fatalf("PersistStream: %v", err)
		}
		if rep.Written != 3 || rep.Batches != 2 {
			t.Fatalf("запуск %d: неожиданный отчёт %+v", run, rep)
		}
	}
	if got := len(mem.Items()); got != 3 {
		t.Fatalf("ожидали 3 строки после повторной записи, получили %d", got)
	}
}

func TestPersistStreamDetectsChange(t *testing.T) {
	svc, mem := newMemoryService(t)
	ctx := context.Background()
	svc.PersistStream(ctx, feed(enriched("I1", "old", 4)))

	changed := enriched("I1", "new", 4)
	if ok, _ := mem.ItemExists(ctx, "I1", changed.ContentHash); ok {
		t.Fatal("новый хеш не должен совпадать со старым")
	}
	svc.PersistStream(ctx, feed(changed))
	rows := mem.Items()
	if len(rows) != 1 || rows[0].Title != "new" || rows[0].ContentHash != changed.ContentHash {
		t.Fatalf("строка не обновлена: %+v", rows)
	}
}

func TestPersistStreamRecomputesSurvival(t *testing.T) {
	svc, mem := newMemoryService(t)
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	it := enriched("I1", "a", 4)
	it.CreatedAt = now.Add(-7 * 24 * time.Hour)
	it.SurvivalScore = 99
	svc.PersistStream(context.Background(), feed(it))

	want := scoring.SurvivalScore(0.5, 7)
	if got := mem.Items()[0].SurvivalScore; got != want {
		t.Fatalf("survival score %v, ожидали %v", got, want)
	}
}

func TestPersistStreamRejectsWrongDimension(t *testing.T) {
	svc, mem := newMemoryService(t)
	rep, _ := svc.PersistStream(context.Background(), feed(enriched("I1", "a", 3), enriched("I2", "b", 4)))
	if rep.Invalid != 1 || rep.Written != 1 || len(mem.Items()) != 1 {
		t.Fatalf("неожиданный отчёт %+v", rep)
	}
}

func TestPersistStreamDropsUnknownSource(t *testing.T) {
	svc, _ := newMemoryService(t)
	orphan := enriched("I2", "b", 4)
	orphan.SourceNodeID = "missing"
	rep, _ := svc.PersistStream(context.Background(), feed(enriched("I1", "a", 4), orphan))
	if rep.Written != 1 || rep.Dropped != 1 {
		t.Fatalf("неожиданный отчёт %+v", rep)
	}
}

func TestPersistStreamDedupesWithinBatch(t *testing.T) {
	svc, mem := newMemoryService(t)
	first := enriched("I1", "first", 4)
	second := enriched("I1", "second", 4)
	rep, _ := svc.PersistStream(context.Background(), feed(first, second))
	if rep.Duplicates != 1 || rep.Written != 1 {
		t.Fatalf("неожиданный отчёт %+v", rep)
	}
	if mem.Items()[0].Title != "second" {
		t.Fatal("должно остаться последнее вхождение")
	}
}

type conflictRepo struct {
	calls   int
	badNode string
	written []string
}

func (c *conflictRepo) UpsertItems(_ context.Context, items []domain.EnrichedItem) (int, error) {
	c.calls++
	for _, it := range items {
		if it.NodeID == c.badNode {
			return 0, domain.ErrConflict
		}
	}
	for _, it := range items {
		c.written = append(c.written, it.NodeID)
	}
	return len(items), nil
}

func (c *conflictRepo) ItemExists(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestPersistStreamFallsBackToRows(t *testing.T) {
	items := &conflictRepo{badNode: "I2"}
	svc := NewService(repo.NewMemory(), items, Config{BatchSize: 3}, zerolog.Nop())

	rep, err := svc.PersistStream(context.Background(), feed(enriched("I1", "a", 0), enriched("I2", "b", 0), enriched("I3", "c", 0)))
	if err != nil {
		t.Fatalf("PersistStream: %v", err)
	}
	if rep.Written != 2 || rep.Failed != 1 {
		t.Fatalf("неожиданный отчёт %+v", rep)
	}
	if items.calls != 4 {
		t.Fatalf("ожидали 1 пакетный и 3 построчных вызова, получили %d", items.calls)
	}
}

type brokenRepo struct{ conflictRepo }

func (b *brokenRepo) UpsertItems(context.Context, []domain.EnrichedItem) (int, error) {
	return 0, errors.New("connection reset")
}

func TestPersistStreamContinuesAfterBatchFailure(t *testing.T) {
	svc := NewService(repo.NewMemory(), &brokenRepo{}, Config{BatchSize: 1}, zerolog.Nop())
	rep, err := svc.PersistStream(context.Background(), feed(enriched("I1", "a", 0), enriched("I2", "b", 0)))
	if err != nil {
		t.Fatalf("ошибка пачки не должна прерывать поток: %v", err)
	}
	if rep.Failed != 2 || rep.Batches != 2 {
		t.Fatalf("неожиданный отчёт %+v", rep)
	}
}

func TestPersistOne(t *testing.T) {
	svc, mem := newMemoryService(t)
	ok, err := svc.PersistOne(context.Background(), enriched("I1", "a", 4))
	if err != nil || !ok {
		t.Fatalf("PersistOne: %v %v", ok, err)
	}
	if _, err := svc.PersistOne(context.Background(), enriched("I2", "a", 2)); !errors.Is(err, domain.ErrDataInvalid) {
		t.Fatalf("ожидали ErrDataInvalid, получили %v", err)
	}
	if len(mem.Items()) != 1 {
		t.Fatalf("ожидали 1 строку, получили %d", len(mem.Items()))
	}
}
