package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
	"issueindex/internal/usecase/scoring"
)

const (
	contentHashHeader = "x-content-hash"
	runIDHeader       = "x-run-id"
	progressEvery     = 500
)

// Config параметры публикации.
type Config struct {
	MaxInFlight int
	DedupTTL    time.Duration
	RunID       string
}

// Report итоги публикации.
type Report struct {
	Submitted int
	Published int
	Failed    int
	Skipped   int
}

// Producer публикует оценённые issues в очередь.
type Producer struct {
	queue domain.MessageQueue
	dedup domain.Cache
	cfg   Config
	log   zerolog.Logger
}

// NewProducer создаёт продюсера. dedup может быть nil.
func NewProducer(queue domain.MessageQueue, dedup domain.Cache, cfg Config, logger zerolog.Logger) *Producer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 50
	}
	return &Producer{
		queue: queue,
		dedup: dedup,
		cfg:   cfg,
		log:   logger.With().Str("component", "publish").Logger(),
	}
}

// ForRun возвращает копию продюсера, помечающую сообщения идентификатором цикла.
func (p *Producer) ForRun(runID string) *Producer {
	cp := *p
	cp.cfg.RunID = runID
	return &cp
}

// PublishStream читает поток до закрытия. Не больше MaxInFlight публикаций одновременно;
// неудачные публикации считаются и не прерывают поток.
func (p *Producer) PublishStream(ctx context.Context, in <-chan domain.ScoredItem) (Report, error) {
	sem := semaphore.NewWeighted(int64(p.cfg.MaxInFlight))
	var (
		wg        sync.WaitGroup
		submitted int
		failed    atomic.Int64
		skipped   atomic.Int64
		done      atomic.Int64
		ctxErr    error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break loop
		case item, ok := <-in:
			if !ok {
				break loop
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				ctxErr = err
				break loop
			}
			submitted++
			wg.Add(1)
			go func(item domain.ScoredItem) {
				defer wg.Done()
				defer sem.Release(1)
				switch published, err := p.publishOne(ctx, item); {
				case err != nil:
					failed.Add(1)
					metrics.PublishedMessages.WithLabelValues("failed").Inc()
					p.log.Error().Err(err).Str("node_id", item.NodeID).Msg("publish: сообщение не опубликовано")
				case !published:
					skipped.Add(1)
					metrics.PublishedMessages.WithLabelValues("skipped").Inc()
				default:
					metrics.PublishedMessages.WithLabelValues("published").Inc()
				}
				if n := done.Add(1); n%progressEvery == 0 {
					p.log.Info().Int64("done", n).Int64("failed", failed.Load()).Msg("publish: прогресс")
				}
			}(item)
		}
	}
	wg.Wait()

	rep := Report{
		Submitted: submitted,
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	rep.Published = rep.Submitted - rep.Failed
	p.log.Info().
		Int("submitted", rep.Submitted).
		Int("published", rep.Published).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Msg("publish: поток опубликован")
	return rep, ctxErr
}

func (p *Producer) publishOne(ctx context.Context, item domain.ScoredItem) (bool, error) {
	hash := scoring.ContentHash(item.NodeID, item.Title, item.Body)
	body, err := json.Marshal(domain.NewItemMessage(item, hash, p.cfg.RunID))
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", item.NodeID, err)
	}
	msg := domain.OutboundMessage{
		ID:      hash,
		Body:    body,
		Headers: map[string]string{contentHashHeader: hash},
	}
	if p.cfg.RunID != "" {
		msg.Headers[runIDHeader] = p.cfg.RunID
	}
	if p.dedup == nil || p.cfg.DedupTTL <= 0 {
		return true, p.queue.Publish(ctx, msg)
	}
	return p.dedup.Once(ctx, "publish:"+hash, p.cfg.DedupTTL, func() error {
		return p.queue.Publish(ctx, msg)
	})
}
