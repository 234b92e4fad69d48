package embedder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"issueindex/internal/domain"
	"issueindex/internal/infra/openai"
)

// Settings выбор провайдера и его параметры.
type Settings struct {
	Provider      string
	Model         string
	Dim           int
	BatchSize     int
	Timeout       time.Duration
	OpenAIKey     string
	OpenAIBaseURL string
	GeminiKey     string
}

// New создаёт эмбеддер по имени провайдера: openai, gemini или hash.
func New(ctx context.Context, s Settings) (domain.Embedder, error) {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", "openai":
		client := openai.NewClient(s.OpenAIKey, s.OpenAIBaseURL, s.Timeout)
		return NewOpenAI(client, s.Model, s.Dim, s.BatchSize), nil
	case "gemini":
		return NewGemini(ctx, s.GeminiKey, s.Model, s.Dim, s.BatchSize)
	case "hash":
		return NewHash(s.Dim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", s.Provider)
	}
}
