package consume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/queue"
)

type scriptedProcessor struct {
	mu      sync.Mutex
	results map[string][]error
	calls   map[string]int
	poison  map[string]bool
	onCall  func()
}

func (p *scriptedProcessor) ProcessMessage(_ context.Context, body []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := string(body)
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[key]++
	if p.onCall != nil {
		p.onCall()
	}
	if p.poison[key] {
		return false, nil
	}
	if errs := p.results[key]; len(errs) > 0 {
		err := errs[0]
		p.results[key] = errs[1:]
		return false, err
	}
	return true, nil
}

func fastConfig() WorkerConfig {
	return WorkerConfig{Prefetch: 10, Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("условие не выполнено за 2 секунды")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWorkerRetriesInsideDelivery(t *testing.T) {
	q := queue.NewMemory(5)
	q.Publish(context.Background(), domain.OutboundMessage{ID: "m1", Body: []byte("m1")})
	transient := &domain.TransientError{Err: errors.New("timeout")}
	proc := &scriptedProcessor{results: map[string][]error{"m1": {transient, transient}}}
	w := NewWorker(q, proc, fastConfig(), zerolog.Nop())

	runUntil(t, w, func() bool { return w.Stats().Acked == 1 })
	if proc.calls["m1"] != 3 {
		t.Fatalf("ожидали 3 попытки внутри доставки, получили %d", proc.calls["m1"])
	}
}

func TestWorkerNacksAfterExhaustedAttempts(t *testing.T) {
	q := queue.NewMemory(2)
	q.Publish(context.Background(), domain.OutboundMessage{ID: "m1", Body: []byte("m1")})
	transient := &domain.TransientError{Err: errors.New("timeout")}
	errs := make([]error, 6)
	for i := range errs {
		errs[i] = transient
	}
	proc := &scriptedProcessor{results: map[string][]error{"m1": errs}}
	w := NewWorker(q, proc, fastConfig(), zerolog.Nop())

	runUntil(t, w, func() bool { _, _, dead := q.Stats(); return dead == 1 })
	if s := w.Stats(); s.Failed != 2 || s.Acked != 0 {
		t.Fatalf("неожиданные счётчики %+v", s)
	}
}

func TestWorkerPermanentErrorSkipsRetry(t *testing.T) {
	q := queue.NewMemory(5)
	q.Publish(context.Background(), domain.OutboundMessage{ID: "m1", Body: []byte("m1")})
	proc := &scriptedProcessor{results: map[string][]error{"m1": {&domain.AuthError{Status: 401}}}}
	w := NewWorker(q, proc, fastConfig(), zerolog.Nop())

	runUntil(t, w, func() bool { return w.Stats().Acked == 1 })
	if proc.calls["m1"] != 2 {
		t.Fatalf("ожидали 1 вызов в первой доставке и 1 во второй, получили %d", proc.calls["m1"])
	}
}

func TestWorkerDeadLettersPoison(t *testing.T) {
	q := queue.NewMemory(5)
	q.Publish(context.Background(), domain.OutboundMessage{ID: "m1", Body: []byte("bad")})
	proc := &scriptedProcessor{poison: map[string]bool{"bad": true}}
	w := NewWorker(q, proc, fastConfig(), zerolog.Nop())

	runUntil(t, w, func() bool { return w.Stats().Poison == 1 })
	ready, acked, dead := q.Stats()
	if dead != 1 || acked != 0 || ready != 0 {
		t.Fatalf("ядовитое сообщение должно уйти в DLQ без подтверждения: ready=%d acked=%d dead=%d", ready, acked, dead)
	}
	if proc.calls["bad"] != 1 {
		t.Fatalf("ядовитое сообщение не должно повторяться, вызовов %d", proc.calls["bad"])
	}
}

func TestWorkerDeadLettersUndecodableMessage(t *testing.T) {
	q := queue.NewMemory(3)
	q.Publish(context.Background(), domain.OutboundMessage{ID: "m1", Body: []byte("{not json")})
	proc, _ := newProcessor(t, &countingEmbedder{dim: 4})
	w := NewWorker(q, proc, fastConfig(), zerolog.Nop())

	runUntil(t, w, func() bool { _, _, dead := q.Stats(); return dead == 1 })
	if s := w.Stats(); s.Poison != 1 || s.Acked != 0 || s.Failed != 0 {
		t.Fatalf("неожиданные счётчики %+v", s)
	}
}

func TestWorkerShutdownReleasesRestOfBatch(t *testing.T) {
	q := queue.NewMemory(5)
	for _, id := range []string{"a", "b", "c"} {
		q.Publish(context.Background(), domain.OutboundMessage{ID: id, Body: []byte(id)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc := &scriptedProcessor{onCall: cancel}
	w := NewWorker(q, proc, fastConfig(), zerolog.Nop())

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := w.Stats()
	if s.Acked != 1 || s.Released != 2 {
		t.Fatalf("неожиданные счётчики %+v", s)
	}
	if ready, _, _ := q.Stats(); ready != 2 {
		t.Fatalf("в очереди должно остаться 2 сообщения, осталось %d", ready)
	}
}
