package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"issueindex/internal/domain"
)

// Hash детерминированный эмбеддер без сети для dry-run и локальной отладки.
type Hash struct {
	dim int
}

var _ domain.Embedder = (*Hash)(nil)

// NewHash создаёт эмбеддер размерности dim.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = 256
	}
	return &Hash{dim: dim}
}

func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

// vector разворачивает sha256 текста в единичный вектор.
func (h *Hash) vector(text string) []float32 {
	v := make([]float32, h.dim)
	seed := sha256.Sum256([]byte(text))
	var norm float64
	for i := 0; i < h.dim; i += 8 {
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		for j := 0; j < 8 && i+j < h.dim; j++ {
			x := float64(binary.BigEndian.Uint32(block[j*4:j*4+4]))/math.MaxUint32*2 - 1
			v[i+j] = float32(x)
			norm += x * x
		}
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}
