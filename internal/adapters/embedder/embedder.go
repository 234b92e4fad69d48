package embedder

import (
	"context"
	"fmt"

	"issueindex/internal/domain"
)

// DefaultBatchSize сколько текстов уходит в один запрос к провайдеру.
const DefaultBatchSize = 16

type batchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// embedInBatches режет вход на пачки и проверяет размерность каждого вектора.
func embedInBatches(ctx context.Context, texts []string, size, dim int, fn batchFunc) ([][]float32, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vectors, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", domain.ErrDataInvalid, len(vectors), end-start)
		}
		for _, v := range vectors {
			if dim > 0 && len(v) != dim {
				return nil, fmt.Errorf("%w: embedding has %d dims, want %d", domain.ErrDataInvalid, len(v), dim)
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}
