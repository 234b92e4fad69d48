package scoring

import (
	"testing"
	"time"

	"issueindex/internal/domain"
)

func TestSurvivalScorePositiveAndDecreasing(t *testing.T) {
	for _, q := range []float64{-1.0, -0.5, 0, 0.3, 0.9} {
		prev := SurvivalScore(q, 0)
		if q > -1.0 && prev <= 0 {
			t.Fatalf("ожидали положительную оценку для q=%.2f", q)
		}
		for days := 1.0; days <= 365; days += 7 {
			cur := SurvivalScore(q, days)
			if q > -1.0 && cur >= prev {
				t.Fatalf("оценка должна убывать: q=%.2f days=%.0f prev=%.6f cur=%.6f", q, days, prev, cur)
			}
			if cur < 0 {
				t.Fatalf("оценка не может быть отрицательной")
			}
			prev = cur
		}
	}
}

func TestSurvivalScoreClampsFuture(t *testing.T) {
	if SurvivalScore(0.5, -3) != SurvivalScore(0.5, 0) {
		t.Fatalf("отрицательный возраст должен считаться нулевым")
	}
}

func TestWithSurvival(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	item := domain.ScoredItem{QualityScore: 0.7}
	item.CreatedAt = now.Add(-48 * time.Hour)
	got := WithSurvival(item, now)
	want := SurvivalScore(0.7, 2)
	if got.SurvivalScore != want {
		t.Fatalf("ожидали %.6f, получили %.6f", want, got.SurvivalScore)
	}
}

func TestContentHashChangeDetection(t *testing.T) {
	a := ContentHash("I_1", "title", "body")
	if a != ContentHash("I_1", "title", "body") {
		t.Fatalf("хэш должен быть детерминированным")
	}
	if a == ContentHash("I_1", "title", "body edited") {
		t.Fatalf("изменение тела должно менять хэш")
	}
	if a == ContentHash("I_1", "title edited", "body") {
		t.Fatalf("изменение заголовка должно менять хэш")
	}
	if len(a) != 64 {
		t.Fatalf("ожидали hex sha256, получили %q", a)
	}
}
