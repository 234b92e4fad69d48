package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

const (
	attemptsHeader    = "x-attempts"
	contentHashHeader = "x-content-hash"
	// DefaultMaxDelivery после стольких неудачных доставок сообщение уходит в DLQ.
	DefaultMaxDelivery = 5
)

// Rabbit реализует domain.MessageQueue поверх AMQP 0-9-1 с подтверждениями публикации.
// Отложенный повтор идёт через очередь <queue>.retry с TTL сообщения и dead-letter обратно в основную.
type Rabbit struct {
	conn        *amqp.Connection
	pub         *amqp.Channel
	sub         *amqp.Channel
	deliveries  <-chan amqp.Delivery
	queue       string
	retryQueue  string
	deadQueue   string
	maxDelivery int
	log         zerolog.Logger

	closeOnce sync.Once
}

var _ domain.MessageQueue = (*Rabbit)(nil)

// RabbitConfig параметры подключения.
type RabbitConfig struct {
	URL         string
	Queue       string
	Prefetch    int
	MaxDelivery int
}

// NewRabbit подключается к брокеру и объявляет очереди.
func NewRabbit(cfg RabbitConfig, logger zerolog.Logger) (*Rabbit, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name is empty")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.MaxDelivery <= 0 {
		cfg.MaxDelivery = DefaultMaxDelivery
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	q := &Rabbit{
		conn:        conn,
		queue:       cfg.Queue,
		retryQueue:  cfg.Queue + ".retry",
		deadQueue:   cfg.Queue + ".dlq",
		maxDelivery: cfg.MaxDelivery,
		log:         logger.With().Str("component", "rabbitmq").Logger(),
	}
	if err := q.setup(cfg.Prefetch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Rabbit) setup(prefetch int) error {
	var err error
	if q.pub, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("amqp publish channel: %w", err)
	}
	if err := q.pub.Confirm(false); err != nil {
		return fmt.Errorf("amqp confirm mode: %w", err)
	}
	if _, err := q.pub.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", q.queue, err)
	}
	if _, err := q.pub.QueueDeclare(q.deadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", q.deadQueue, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue,
	}
	if _, err := q.pub.QueueDeclare(q.retryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare %s: %w", q.retryQueue, err)
	}

	if q.sub, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("amqp consume channel: %w", err)
	}
	if err := q.sub.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	q.deliveries, err = q.sub.Consume(q.queue, "embedder-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	return nil
}

// Publish публикует сообщение и ждёт подтверждения брокера.
func (q *Rabbit) Publish(ctx context.Context, msg domain.OutboundMessage) error {
	headers := amqp.Table{attemptsHeader: int32(0)}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return q.publish(ctx, q.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	})
}

func (q *Rabbit) publish(ctx context.Context, routingKey string, p amqp.Publishing) error {
	start := time.Now()
	conf, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, p)
	if err != nil {
		metrics.ObserveNetworkRequest("rabbitmq", "publish", routingKey, start, err)
		return &domain.TransientError{Err: fmt.Errorf("amqp publish: %w", err)}
	}
	acked, err := conf.WaitContext(ctx)
	if err == nil && !acked {
		err = &domain.TransientError{Err: errors.New("amqp publish: broker nacked message")}
	}
	metrics.ObserveNetworkRequest("rabbitmq", "publish", routingKey, start, err)
	return err
}

// ReceiveBatch ждёт первое сообщение и добирает остальные без ожидания.
func (q *Rabbit) ReceiveBatch(ctx context.Context, max int) ([]domain.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	var out []domain.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, errors.New("amqp: delivery channel closed")
		}
		out = append(out, q.wrap(d))
	}
	for len(out) < max {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, q.wrap(d))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *Rabbit) wrap(d amqp.Delivery) domain.Delivery {
	prev := headerInt(d.Headers[attemptsHeader])
	return domain.Delivery{
		ID:      d.MessageId,
		Body:    d.Body,
		Attempt: prev + 1,
		Ack: func() error {
			return d.Ack(false)
		},
		Nack: func(delay time.Duration) error {
			return q.redeliver(d, prev+1, delay)
		},
		Release: func(delay time.Duration) error {
			return q.redeliver(d, prev, delay)
		},
		DeadLetter: func() error {
			return q.redeliver(d, max(prev+1, q.maxDelivery), 0)
		},
	}
}

// redeliver публикует копию с новым счётчиком попыток и подтверждает исходник.
func (q *Rabbit) redeliver(d amqp.Delivery, attempts int, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptsHeader] = int32(attempts)
	p := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	}

	target := q.queue
	switch {
	case attempts >= q.maxDelivery:
		target = q.deadQueue
		metrics.ConsumedMessages.WithLabelValues("dead_lettered").Inc()
		q.log.Warn().Str("message_id", d.MessageId).Int("attempts", attempts).Msg("rabbitmq: message moved to dead-letter queue")
	case delay > 0:
		target = q.retryQueue
		p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.publish(ctx, target, p); err != nil {
		// исходник вернётся брокеру без учёта попытки
		_ = d.Nack(false, true)
		return err
	}
	return d.Ack(false)
}

// Close закрывает каналы и соединение.
func (q *Rabbit) Close() error {
	var err error
	q.closeOnce.Do(func() {
		if q.sub != nil {
			_ = q.sub.Close()
		}
		if q.pub != nil {
			_ = q.pub.Close()
		}
		err = q.conn.Close()
	})
	return err
}

func headerInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case int16:
		return int(n)
	case int8:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
