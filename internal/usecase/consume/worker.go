package consume

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

const progressEvery = 100

// MessageProcessor обрабатывает тело сообщения.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, body []byte) (bool, error)
}

// WorkerConfig параметры воркера.
type WorkerConfig struct {
	Prefetch     int
	Attempts     int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ReleaseDelay time.Duration
}

// DefaultWorkerConfig значения по умолчанию.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Prefetch:     10,
		Attempts:     3,
		BaseDelay:    2 * time.Second,
		MaxDelay:     60 * time.Second,
		ReleaseDelay: 30 * time.Second,
	}
}

// Stats счётчики воркера.
type Stats struct {
	Processed int64
	Acked     int64
	Poison    int64
	Failed    int64
	Released  int64
}

// Worker читает сообщения пачками и обрабатывает их по одному.
type Worker struct {
	queue domain.MessageQueue
	proc  MessageProcessor
	cfg   WorkerConfig
	log   zerolog.Logger

	processed atomic.Int64
	acked     atomic.Int64
	poison    atomic.Int64
	failed    atomic.Int64
	released  atomic.Int64
}

// NewWorker создаёт воркер.
func NewWorker(queue domain.MessageQueue, proc MessageProcessor, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.ReleaseDelay < 0 {
		cfg.ReleaseDelay = 0
	}
	return &Worker{queue: queue, proc: proc, cfg: cfg, log: logger.With().Str("component", "consume").Logger()}
}

// Run работает до отмены ctx. Начатое сообщение дорабатывается, остаток пачки возвращается в очередь.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("prefetch", w.cfg.Prefetch).Msg("consume: воркер запущен")
	for {
		if ctx.Err() != nil {
			w.logStats("consume: воркер остановлен")
			return nil
		}
		batch, err := w.queue.ReceiveBatch(ctx, w.cfg.Prefetch)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("consume: не удалось получить сообщения")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for i, d := range batch {
			if ctx.Err() != nil {
				w.release(batch[i:])
				break
			}
			w.handle(context.WithoutCancel(ctx), d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d domain.Delivery) {
	var ok bool
	op := func() error {
		var err error
		ok, err = w.proc.ProcessMessage(ctx, d.Body)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), uint64(w.cfg.Attempts-1)), ctx))

	switch {
	case err != nil:
		w.failed.Add(1)
		metrics.ConsumedMessages.WithLabelValues("failed").Inc()
		w.log.Error().Err(err).Str("message_id", d.ID).Int("delivery", d.Attempt).Msg("consume: сообщение не обработано")
		if nackErr := d.Nack(0); nackErr != nil {
			w.log.Error().Err(nackErr).Str("message_id", d.ID).Msg("consume: nack не прошёл")
		}
	case !ok:
		w.poison.Add(1)
		w.log.Warn().Str("message_id", d.ID).Int("delivery", d.Attempt).Msg("consume: ядовитое сообщение, переносим в DLQ")
		if dlqErr := d.DeadLetter(); dlqErr != nil {
			w.log.Error().Err(dlqErr).Str("message_id", d.ID).Msg("consume: перенос в DLQ не прошёл")
		}
	default:
		w.ack(d)
	}
	if n := w.processed.Add(1); n%progressEvery == 0 {
		w.logStats("consume: прогресс")
	}
}

func (w *Worker) ack(d domain.Delivery) {
	if err := d.Ack(); err != nil {
		w.log.Error().Err(err).Str("message_id", d.ID).Msg("consume: ack не прошёл")
		return
	}
	w.acked.Add(1)
}

func (w *Worker) release(rest []domain.Delivery) {
	for _, d := range rest {
		if err := d.Release(w.cfg.ReleaseDelay); err != nil {
			w.log.Error().Err(err).Str("message_id", d.ID).Msg("consume: не удалось вернуть сообщение")
			continue
		}
		w.released.Add(1)
	}
	w.log.Info().Int("released", len(rest)).Msg("consume: остановка, необработанные сообщения возвращены в очередь")
}

func (w *Worker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = w.cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Stats возвращает снимок счётчиков.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Acked:     w.acked.Load(),
		Poison:    w.poison.Load(),
		Failed:    w.failed.Load(),
		Released:  w.released.Load(),
	}
}

func (w *Worker) logStats(msg string) {
	s := w.Stats()
	w.log.Info().
		Int64("processed", s.Processed).
		Int64("acked", s.Acked).
		Int64("poison", s.Poison).
		Int64("failed", s.Failed).
		Int64("released", s.Released).
		Msg(msg)
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrDataInvalid) || domain.IsPermanent(err)
}
