package embedder

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// Gemini считает эмбеддинги через Gemini API.
type Gemini struct {
	client    *genai.Client
	model     string
	dim       int
	batchSize int
}

var _ domain.Embedder = (*Gemini)(nil)

// NewGemini создаёт клиента Gemini.
func NewGemini(ctx context.Context, apiKey, model string, dim, batchSize int) (*Gemini, error) {
	if apiKey == "" {
		return nil, &domain.AuthError{Message: "gemini: api key is empty"}
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: model, dim: dim, batchSize: batchSize}, nil
}

func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, g.batchSize, g.dim, g.embed)
}

func (g *Gemini) embed(ctx context.Context, batch []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(batch))
	for i, t := range batch {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{}
	if g.dim > 0 {
		dim := int32(g.dim)
		cfg.OutputDimensionality = &dim
	}

	start := time.Now()
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
	metrics.ObserveNetworkRequest("gemini", "embed_content", g.model, start, err)
	if err != nil {
		return nil, &domain.TransientError{Err: fmt.Errorf("gemini: embed: %w", err)}
	}
	if result == nil {
		return nil, fmt.Errorf("%w: gemini returned no embeddings", domain.ErrDataInvalid)
	}
	vectors := make([][]float32, 0, len(result.Embeddings))
	for _, e := range result.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("%w: gemini returned empty embedding", domain.ErrDataInvalid)
		}
		vectors = append(vectors, e.Values)
	}
	metrics.ObserveEmbedding("gemini", start, len(batch))
	return vectors, nil
}
