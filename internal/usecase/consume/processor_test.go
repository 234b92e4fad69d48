package consume

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/adapters/repo"
	"issueindex/internal/domain"
	"issueindex/internal/usecase/persist"
	"issueindex/internal/usecase/scoring"
)

type countingEmbedder struct {
	calls atomic.Int32
	dim   int
	err   error
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func messageBody(t *testing.T, id, title string) []byte {
	t.Helper()
	item := domain.ScoredItem{
		CandidateItem: domain.CandidateItem{
			NodeID:       id,
			SourceNodeID: "R1",
			Title:        title,
			Body:         "body",
			State:        "open",
			CreatedAt:    time.Now().Add(-24 * time.Hour),
		},
		QualityScore: 0.6,
	}
	body, err := json.Marshal(domain.NewItemMessage(item, scoring.ContentHash(id, title, "body"), "run"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func newProcessor(t *testing.T, emb *countingEmbedder) (*Processor, *repo.Memory) {
	t.Helper()
	mem := repo.NewMemory()
	mem.UpsertSources(context.Background(), []domain.Source{{NodeID: "R1", FullName: "a/b"}})
	writer := persist.NewService(mem, mem, persist.Config{EmbeddingDim: emb.dim}, zerolog.Nop())
	return NewProcessor(mem, emb, writer, zerolog.Nop()), mem
}

func TestProcessMessageTwiceStoresOnce(t *testing.T) {
	emb := &countingEmbedder{dim: 4}
	proc, mem := newProcessor(t, emb)
	body := messageBody(t, "I1", "crash")

	for i := 0; i < 2; i++ {
		ok, err := proc.ProcessMessage(context.Background(), body)
		if err != nil || !ok {
			t.Fatalf("обработка %d: %v %v", i, ok, err)
		}
	}
	if n := len(mem.Items()); n != 1 {
		t.Fatalf("ожидали одну строку, получили %d", n)
	}
	if c := emb.calls.Load(); c != 1 {
		t.Fatalf("повторное сообщение не должно эмбеддиться, вызовов %d", c)
	}
}

func TestProcessMessageReembedsChangedContent(t *testing.T) {
	emb := &countingEmbedder{dim: 4}
	proc, mem := newProcessor(t, emb)
	proc.ProcessMessage(context.Background(), messageBody(t, "I1", "old"))
	proc.ProcessMessage(context.Background(), messageBody(t, "I1", "new"))
	if emb.calls.Load() != 2 || mem.Items()[0].Title != "new" {
		t.Fatalf("изменённый issue должен перезаписаться: calls=%d", emb.calls.Load())
	}
}

func TestProcessMessagePoison(t *testing.T) {
	emb := &countingEmbedder{dim: 4}
	proc, _ := newProcessor(t, emb)
	for _, body := range [][]byte{[]byte("not json"), []byte(`{"node_id":"I1"}`), []byte(`{"content_hash":"x"}`)} {
		ok, err := proc.ProcessMessage(context.Background(), body)
		if ok || err != nil {
			t.Fatalf("%s: ожидали ядовитое сообщение, получили %v %v", body, ok, err)
		}
	}
	if emb.calls.Load() != 0 {
		t.Fatal("ядовитые сообщения не должны эмбеддиться")
	}
}

func TestProcessMessageEmbedFailure(t *testing.T) {
	emb := &countingEmbedder{dim: 4, err: &domain.TransientError{Status: 503, Err: errors.New("unavailable")}}
	proc, mem := newProcessor(t, emb)
	ok, err := proc.ProcessMessage(context.Background(), messageBody(t, "I1", "x"))
	if ok || !domain.IsRetryable(err) {
		t.Fatalf("ожидали повторяемую ошибку, получили %v %v", ok, err)
	}
	if len(mem.Items()) != 0 {
		t.Fatal("ничего не должно быть записано")
	}
}
