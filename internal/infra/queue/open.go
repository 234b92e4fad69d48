package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"issueindex/internal/domain"
)

// Settings выбор брокера: rabbitmq, redis или memory.
type Settings struct {
	Backend     string
	RabbitURL   string
	Name        string
	Prefetch    int
	MaxDelivery int
}

// Open создаёт очередь выбранного бэкенда. Для redis нужен client.
func Open(s Settings, client *redis.Client, logger zerolog.Logger) (domain.MessageQueue, error) {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", "rabbitmq", "amqp":
		return NewRabbit(RabbitConfig{
			URL:         s.RabbitURL,
			Queue:       s.Name,
			Prefetch:    s.Prefetch,
			MaxDelivery: s.MaxDelivery,
		}, logger)
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires REDIS_ADDR")
		}
		return NewRedisQueue(client, s.Name, s.MaxDelivery, logger), nil
	case "memory":
		return NewMemory(s.MaxDelivery), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", s.Backend)
	}
}
