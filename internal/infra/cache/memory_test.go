package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryOnce(t *testing.T) {
	c := NewMemory()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	calls := 0
	fn := func() error { calls++; return nil }

	if ran, _ := c.Once(ctx, "k", time.Minute, fn); !ran {
		t.Fatal("первый вызов должен выполниться")
	}
	if ran, _ := c.Once(ctx, "k", time.Minute, fn); ran {
		t.Fatal("повтор в пределах TTL должен пропускаться")
	}
	now = now.Add(2 * time.Minute)
	if ran, _ := c.Once(ctx, "k", time.Minute, fn); !ran || calls != 2 {
		t.Fatalf("после TTL ожидали выполнение, calls=%d", calls)
	}
}

func TestMemoryOnceReleasesKeyOnError(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	if _, err := c.Once(ctx, "k", time.Minute, func() error { return errors.New("boom") }); err == nil {
		t.Fatal("ожидали ошибку")
	}
	if ran, _ := c.Once(ctx, "k", time.Minute, func() error { return nil }); !ran {
		t.Fatal("после ошибки ключ должен быть снят")
	}
}
