package consume

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// ItemWriter пишет один обогащённый issue.
type ItemWriter interface {
	PersistOne(ctx context.Context, item domain.EnrichedItem) (bool, error)
}

// Processor обрабатывает одно сообщение очереди: эмбеддинг и запись.
type Processor struct {
	items  domain.ItemRepo
	embed  domain.Embedder
	writer ItemWriter
	log    zerolog.Logger
}

// NewProcessor создаёт обработчик.
func NewProcessor(items domain.ItemRepo, embed domain.Embedder, writer ItemWriter, logger zerolog.Logger) *Processor {
	return &Processor{
		items:  items,
		embed:  embed,
		writer: writer,
		log:    logger.With().Str("component", "consume").Logger(),
	}
}

// ProcessMessage возвращает false для ядовитого сообщения, которое не нужно повторять.
// Ошибка означает, что сообщение стоит повторить.
func (p *Processor) ProcessMessage(ctx context.Context, body []byte) (bool, error) {
	var msg domain.ItemMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		p.log.Warn().Err(err).Msg("consume: сообщение не декодируется")
		metrics.ConsumedMessages.WithLabelValues("poison").Inc()
		return false, nil
	}
	if msg.NodeID == "" || msg.ContentHash == "" {
		p.log.Warn().Str("node_id", msg.NodeID).Msg("consume: сообщение без node_id или content_hash")
		metrics.ConsumedMessages.WithLabelValues("poison").Inc()
		return false, nil
	}

	exists, err := p.items.ItemExists(ctx, msg.NodeID, msg.ContentHash)
	if err != nil {
		return false, fmt.Errorf("check existing %s: %w", msg.NodeID, err)
	}
	if exists {
		metrics.ConsumedMessages.WithLabelValues("unchanged").Inc()
		return true, nil
	}

	scored := msg.ScoredItem()
	vectors, err := p.embed.EmbedBatch(ctx, []string{scored.EmbeddingText()})
	if err != nil {
		return false, fmt.Errorf("embed %s: %w", msg.NodeID, err)
	}
	if len(vectors) != 1 {
		return false, fmt.Errorf("%w: embedder returned %d vectors", domain.ErrDataInvalid, len(vectors))
	}

	written, err := p.writer.PersistOne(ctx, domain.EnrichedItem{
		ScoredItem:  scored,
		Embedding:   vectors[0],
		ContentHash: msg.ContentHash,
	})
	if err != nil {
		return false, err
	}
	if !written {
		p.log.Warn().Str("node_id", msg.NodeID).Str("repo_node_id", msg.SourceNodeID).Msg("consume: репозиторий неизвестен, issue отброшен")
		metrics.ConsumedMessages.WithLabelValues("dropped").Inc()
		return true, nil
	}
	metrics.ConsumedMessages.WithLabelValues("stored").Inc()
	return true, nil
}
