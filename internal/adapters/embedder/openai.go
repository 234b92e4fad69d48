package embedder

import (
	"context"
	"time"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/infra/openai"
)

// OpenAI считает эмбеддинги через OpenAI-совместимый API.
type OpenAI struct {
	client    *openai.Client
	model     string
	dim       int
	batchSize int
}

var _ domain.Embedder = (*OpenAI)(nil)

// NewOpenAI создаёт эмбеддер.
func NewOpenAI(client *openai.Client, model string, dim, batchSize int) *OpenAI {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAI{client: client, model: model, dim: dim, batchSize: batchSize}
}

func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, e.batchSize, e.dim, func(ctx context.Context, batch []string) ([][]float32, error) {
		start := time.Now()
		vectors, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model:      e.model,
			Input:      batch,
			Dimensions: e.dim,
		})
		if err == nil {
			metrics.ObserveEmbedding("openai", start, len(batch))
		}
		return vectors, err
	})
}
