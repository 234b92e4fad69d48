package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
)

func TestMemoryDeadLettersAfterMaxDelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)
	q.Publish(ctx, domain.OutboundMessage{ID: "m1", Body: []byte("{}")})

	for attempt := 1; attempt <= 3; attempt++ {
		batch, err := q.ReceiveBatch(ctx, 10)
		if err != nil || len(batch) != 1 {
			t.Fatalf("попытка %d: %v %d", attempt, err, len(batch))
		}
		if batch[0].Attempt != attempt {
			t.Fatalf("ожидали попытку %d, получили %d", attempt, batch[0].Attempt)
		}
		batch[0].Nack(0)
	}
	ready, _, dead := q.Stats()
	if ready != 0 || dead != 1 {
		t.Fatalf("ready=%d dead=%d", ready, dead)
	}
}

func TestMemoryAttemptsTrackedPerPublishedCopy(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)
	q.Publish(ctx, domain.OutboundMessage{ID: "hash", Body: []byte("first")})
	q.Publish(ctx, domain.OutboundMessage{ID: "hash", Body: []byte("second")})

	batch, _ := q.ReceiveBatch(ctx, 2)
	if len(batch) != 2 {
		t.Fatalf("ожидали 2 сообщения, получили %d", len(batch))
	}
	var second domain.Delivery
	for _, d := range batch {
		if string(d.Body) == "first" {
			d.Nack(0)
		} else {
			second = d
		}
	}
	batch, _ = q.ReceiveBatch(ctx, 1)
	if batch[0].Attempt != 2 {
		t.Fatalf("первая копия должна быть на попытке 2, получили %d", batch[0].Attempt)
	}
	batch[0].Nack(0)

	if second.Attempt != 1 {
		t.Fatalf("вторая копия не должна наследовать попытки первой: %d", second.Attempt)
	}
	second.Nack(0)
	batch, _ = q.ReceiveBatch(ctx, 2)
	for _, d := range batch {
		if string(d.Body) == "second" && d.Attempt != 2 {
			t.Fatalf("вторая копия должна быть на попытке 2, получили %d", d.Attempt)
		}
	}
	if _, _, dead := q.Stats(); dead != 0 {
		t.Fatalf("ни одна копия не исчерпала попытки, dead=%d", dead)
	}
}

func TestMemoryDeadLetterSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(5)
	q.Publish(ctx, domain.OutboundMessage{ID: "m1", Body: []byte("bad")})
	batch, _ := q.ReceiveBatch(ctx, 1)
	if err := batch[0].DeadLetter(); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if ready, acked, dead := q.Stats(); ready != 0 || acked != 0 || dead != 1 {
		t.Fatalf("ready=%d acked=%d dead=%d", ready, acked, dead)
	}
}

func TestMemoryReleaseKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(2)
	q.Publish(ctx, domain.OutboundMessage{ID: "m1"})
	for i := 0; i < 5; i++ {
		batch, _ := q.ReceiveBatch(ctx, 1)
		if batch[0].Attempt != 1 {
			t.Fatalf("release не должен увеличивать попытку: %d", batch[0].Attempt)
		}
		batch[0].Release(0)
	}
	batch, _ := q.ReceiveBatch(ctx, 1)
	batch[0].Ack()
	if _, acked, dead := q.Stats(); acked != 1 || dead != 0 {
		t.Fatalf("acked=%d dead=%d", acked, dead)
	}
}

func TestMemoryReceiveHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := NewMemory(0).ReceiveBatch(ctx, 1); err == nil {
		t.Fatal("ожидали ошибку контекста")
	}
}

func TestHeaderInt(t *testing.T) {
	cases := map[any]int{int32(3): 3, int64(4): 4, "5": 5, nil: 0, 1.5: 0}
	for in, want := range cases {
		if got := headerInt(in); got != want {
			t.Fatalf("headerInt(%v) = %d, ожидали %d", in, got, want)
		}
	}
}

func TestOpenBackends(t *testing.T) {
	q, err := Open(Settings{Backend: "memory", MaxDelivery: 2}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := q.(*Memory); !ok {
		t.Fatalf("ожидали *Memory, получили %T", q)
	}
	if _, err := Open(Settings{Backend: "redis", Name: "issues"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("redis без клиента должен давать ошибку")
	}
	if _, err := Open(Settings{Backend: "kafka"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("ожидали ошибку для неизвестного бэкенда")
	}
	if _, err := Open(Settings{Backend: "rabbitmq", Name: "issues"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("rabbitmq без адреса должен давать ошибку")
	}
}
