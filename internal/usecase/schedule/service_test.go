package schedule

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestRunOnceWithoutSpec(t *testing.T) {
	s, err := NewService("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	calls := 0
	boom := errors.New("boom")
	err = s.Run(context.Background(), "collector", "", func(context.Context) error {
		calls++
		return boom
	})
	if calls != 1 || !errors.Is(err, boom) {
		t.Fatalf("ожидали один запуск с ошибкой, calls=%d err=%v", calls, err)
	}
}

func TestRunRejectsBadSpec(t *testing.T) {
	s, _ := NewService("", zerolog.Nop())
	if err := s.Run(context.Background(), "janitor", "every hour", func(context.Context) error { return nil }); err == nil {
		t.Fatal("ожидали ошибку разбора расписания")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := NewService("UTC", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, "janitor", "0 3 * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestInvalidTimezone(t *testing.T) {
	if _, err := NewService("Mars/Olympus", zerolog.Nop()); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("ожидали ErrInvalidTimezone, получили %v", err)
	}
}

func TestValidateSpec(t *testing.T) {
	if err := ValidateSpec("*/15 * * * *"); err != nil {
		t.Fatalf("корректное выражение отклонено: %v", err)
	}
	if err := ValidateSpec("61 * * * *"); err == nil {
		t.Fatal("ожидали ошибку")
	}
}
