package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	QuotaRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingestion_quota_remaining",
		Help: "Остаток бюджета GraphQL API по мнению трекера",
	})
	QuotaWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_quota_waits_total",
		Help: "Сколько раз вызывающие ждали восстановления квоты",
	})

	DiscoveredSources = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_discovered_sources_total",
		Help: "Найденные репозитории после дедупликации",
	})
	DiscoverPartitionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_discover_partition_failures_total",
		Help: "Языки, поиск по которым завершился ошибкой",
	})

	HarvestItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_harvest_items_total",
		Help: "Issues по результату quality gate",
	}, []string{"outcome"})
	HarvestSources = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_harvest_sources_total",
		Help: "Репозитории по результату обхода",
	}, []string{"outcome"})

	PersistRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_persist_rows_total",
		Help: "Строки issues по результату записи",
	}, []string{"result"})

	StagingTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_staging_transitions_total",
		Help: "Переходы записей staging-таблицы",
	}, []string{"status"})

	PublishedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_published_messages_total",
		Help: "Публикации в очередь",
	}, []string{"result"})
	ConsumedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_consumed_messages_total",
		Help: "Обработанные сообщения очереди",
	}, []string{"result"})

	EmbeddingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestion_embedding_duration_seconds",
		Help:    "Длительность пакетного эмбеддинга",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	EmbeddedTexts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_embedded_texts_total",
		Help: "Количество текстов, отправленных в эмбеддер",
	}, []string{"provider"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingestion_cycle_duration_seconds",
		Help:    "Длительность полного цикла discover→harvest→persist",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
	})
	PrunedItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_pruned_items_total",
		Help: "Issues, удалённые janitor по survival score",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		QuotaRemaining,
		QuotaWaits,
		DiscoveredSources,
		DiscoverPartitionFailures,
		HarvestItems,
		HarvestSources,
		PersistRows,
		StagingTransitions,
		PublishedMessages,
		ConsumedMessages,
		EmbeddingDuration,
		EmbeddedTexts,
		CycleDuration,
		PrunedItems,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveEmbedding записывает длительность пакета эмбеддинга.
func ObserveEmbedding(provider string, start time.Time, texts int) {
	if provider == "" {
		provider = "unknown"
	}
	EmbeddingDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if texts > 0 {
		EmbeddedTexts.WithLabelValues(provider).Add(float64(texts))
	}
}
