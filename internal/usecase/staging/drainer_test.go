package staging

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/adapters/repo"
	"issueindex/internal/domain"
	"issueindex/internal/usecase/persist"
)

type stubEmbedder struct {
	dim  int
	fail bool
}

func (s stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func scored(n int) []domain.ScoredItem {
	out := make([]domain.ScoredItem, n)
	for i := range out {
		id := "I" + strconv.Itoa(i)
		out[i] = domain.ScoredItem{CandidateItem: domain.CandidateItem{
			NodeID: id, SourceNodeID: "R1", Title: "t" + id, Body: "b", CreatedAt: time.Now(),
		}}
	}
	return out
}

func setup(t *testing.T, emb domain.Embedder) (*Drainer, *repo.Memory) {
	t.Helper()
	mem := repo.NewMemory()
	mem.UpsertSources(context.Background(), []domain.Source{{NodeID: "R1", FullName: "a/b"}})
	writer := persist.NewService(mem, mem, persist.Config{EmbeddingDim: 4}, zerolog.Nop())
	return NewDrainer(mem, emb, writer, Config{BatchSize: 2, MaxAttempts: 2}, zerolog.Nop()), mem
}

func TestDrainerCompletesBatches(t *testing.T) {
	d, mem := setup(t, stubEmbedder{dim: 4})
	ctx := context.Background()
	if n, _ := Stage(ctx, mem, scored(5)); n != 5 {
		t.Fatalf("в staging %d записей, ожидали 5", n)
	}

	total := 0
	for i := 0; i < 3; i++ {
		rep, err := d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		total += rep.Completed
	}
	if total != 5 || len(mem.Items()) != 5 {
		t.Fatalf("завершено %d, записано %d", total, len(mem.Items()))
	}
	rep, _ := d.RunOnce(ctx)
	if rep.Claimed != 0 {
		t.Fatalf("таблица должна быть пуста, выдано %d", rep.Claimed)
	}
}

func TestDrainerFailureReturnsToPendingThenFails(t *testing.T) {
	d, mem := setup(t, stubEmbedder{fail: true})
	ctx := context.Background()
	Stage(ctx, mem, scored(1))

	for i := 0; i < 2; i++ {
		rep, err := d.RunOnce(ctx)
		if err != nil || rep.Failed != 1 {
			t.Fatalf("проход %d: %+v %v", i, rep, err)
		}
	}
	row := mem.Staged()[0]
	if row.Status != domain.StagedFailed || row.Attempts != 2 || row.LastError == "" {
		t.Fatalf("ожидали failed после 2 попыток, получили %+v", row)
	}
}

func TestDrainerPersistFailureMarksRow(t *testing.T) {
	d, mem := setup(t, stubEmbedder{dim: 3})
	ctx := context.Background()
	Stage(ctx, mem, scored(2))

	rep, _ := d.RunOnce(ctx)
	if rep.Failed != 2 || rep.Completed != 0 {
		t.Fatalf("неверная размерность должна помечать строки, получили %+v", rep)
	}
	for _, row := range mem.Staged() {
		if row.Status != domain.StagedPending || row.Attempts != 1 {
			t.Fatalf("строка должна вернуться в pending: %+v", row)
		}
	}
}
