package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		permanent bool
	}{
		{name: "nil", err: nil},
		{name: "transient", err: &TransientError{Status: 502, Err: errors.New("bad gateway")}, retryable: true},
		{name: "wrapped transient", err: fmt.Errorf("fetch: %w", &TransientError{Err: context.DeadlineExceeded}), retryable: true},
		{name: "auth", err: &AuthError{Status: 401, Message: "bad credentials"}, permanent: true},
		{name: "quota", err: &QuotaExceededError{ResetAt: time.Unix(0, 0)}, permanent: true},
		{name: "remote logic", err: fmt.Errorf("search: %w", &RemoteLogicError{Status: 200, Messages: []string{"NOT_FOUND"}}), permanent: true},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Fatalf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.permanent)
			}
		})
	}
}

func TestTransientErrorUnwraps(t *testing.T) {
	err := &TransientError{Err: context.Canceled}
	if !errors.Is(err, context.Canceled) {
		t.Fatal("TransientError должен раскрывать исходную ошибку")
	}
}

func TestItemMessageKeepsScores(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	item := ScoredItem{
		CandidateItem: CandidateItem{NodeID: "I_1", SourceNodeID: "R_1", Title: "crash", CreatedAt: created},
		QualityScore:  0.7,
		SurvivalScore: 0.5,
	}
	msg := NewItemMessage(item, "hash", "run-1")
	if msg.ContentHash != "hash" || msg.RunID != "run-1" {
		t.Fatalf("сообщение без метаданных: %+v", msg)
	}
	back := msg.ScoredItem()
	if back.NodeID != "I_1" || back.QualityScore != 0.7 || !back.CreatedAt.Equal(created) {
		t.Fatalf("оценки потеряны: %+v", back)
	}
}
