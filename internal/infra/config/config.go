package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	Port        int    `envconfig:"PORT" default:"8080"`
	Timezone    string `envconfig:"SCHEDULE_TZ" default:"UTC"`

	GitHub struct {
		Token      string        `envconfig:"GITHUB_TOKEN"`
		GraphQLURL string        `envconfig:"GITHUB_GRAPHQL_URL" default:"https://api.github.com/graphql"`
		RESTURL    string        `envconfig:"GITHUB_API_URL"`
		Retries    int           `envconfig:"GITHUB_RETRIES" default:"3"`
		RetryDelay time.Duration `envconfig:"GITHUB_RETRY_DELAY" default:"2s"`
		RPS        float64       `envconfig:"GITHUB_RPS" default:"5"`
		PrimeQuota bool          `envconfig:"GITHUB_PRIME_QUOTA" default:"true"`
	} `envconfig:""`

	Quota struct {
		Backend string `envconfig:"QUOTA_BACKEND" default:"memory"`
		Hourly  int    `envconfig:"QUOTA_HOURLY" default:"5000"`
	} `envconfig:""`

	Discover struct {
		Languages     []string `envconfig:"DISCOVER_LANGUAGES"`
		PerLanguage   int      `envconfig:"DISCOVER_PER_LANGUAGE" default:"50"`
		MinStars      int      `envconfig:"DISCOVER_MIN_STARS" default:"1000"`
		MinOpenIssues int      `envconfig:"DISCOVER_MIN_OPEN_ISSUES" default:"10"`
		RecencyDays   int      `envconfig:"DISCOVER_RECENCY_DAYS" default:"14"`
		Concurrency   int      `envconfig:"DISCOVER_CONCURRENCY" default:"4"`
	} `envconfig:""`

	Harvest struct {
		Concurrency  int     `envconfig:"HARVEST_CONCURRENCY" default:"10"`
		BufferSize   int     `envconfig:"HARVEST_BUFFER" default:"100"`
		PageSize     int     `envconfig:"HARVEST_PAGE_SIZE" default:"100"`
		PerSourceCap int     `envconfig:"HARVEST_PER_REPO_CAP" default:"100"`
		Threshold    float64 `envconfig:"QUALITY_THRESHOLD" default:"0.3"`
		TaxonomyFile string  `envconfig:"TAXONOMY_FILE"`
	} `envconfig:""`

	Postgres struct {
		DSN       string `envconfig:"PG_DSN"`
		MaxConns  int32  `envconfig:"PG_MAX_CONNS" default:"5"`
		BatchSize int    `envconfig:"PERSIST_BATCH_SIZE" default:"50"`
	} `envconfig:""`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	} `envconfig:""`

	Queue struct {
		Backend     string        `envconfig:"QUEUE_BACKEND" default:"rabbitmq"`
		RabbitURL   string        `envconfig:"RABBITMQ_URL"`
		Name        string        `envconfig:"QUEUE_NAME" default:"issues.ingest"`
		Prefetch    int           `envconfig:"QUEUE_PREFETCH" default:"10"`
		MaxDelivery int           `envconfig:"QUEUE_MAX_DELIVERY" default:"5"`
		MaxInFlight int           `envconfig:"PUBLISH_MAX_IN_FLIGHT" default:"50"`
		DedupTTL    time.Duration `envconfig:"PUBLISH_DEDUP_TTL" default:"0s"`
	} `envconfig:""`

	Embedding struct {
		Provider      string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
		Model         string        `envconfig:"EMBEDDING_MODEL"`
		Dim           int           `envconfig:"EMBEDDING_DIM" default:"256"`
		BatchSize     int           `envconfig:"EMBEDDING_BATCH_SIZE" default:"16"`
		Timeout       time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"60s"`
		OpenAIKey     string        `envconfig:"OPENAI_API_KEY"`
		OpenAIBaseURL string        `envconfig:"OPENAI_BASE_URL"`
		GeminiKey     string        `envconfig:"GEMINI_API_KEY"`
	} `envconfig:""`

	Telegram struct {
		Token        string `envconfig:"TG_BOT_TOKEN"`
		ReportChatID int64  `envconfig:"TG_REPORT_CHAT_ID"`
	} `envconfig:""`

	Collector struct {
		Sink     string `envconfig:"COLLECTOR_SINK" default:"direct"`
		Schedule string `envconfig:"COLLECTOR_SCHEDULE"`
		DryRun   bool   `envconfig:"COLLECTOR_DRY_RUN" default:"false"`
	} `envconfig:""`

	Embedder struct {
		Source             string        `envconfig:"EMBEDDER_SOURCE" default:"queue"`
		StagingMaxAttempts int           `envconfig:"STAGING_MAX_ATTEMPTS" default:"3"`
		StagingPoll        time.Duration `envconfig:"STAGING_POLL_INTERVAL" default:"5s"`
	} `envconfig:""`

	Janitor struct {
		MinRows    int64         `envconfig:"JANITOR_MIN_ROWS" default:"1000"`
		Percentile float64       `envconfig:"JANITOR_PERCENTILE" default:"0.2"`
		StagingTTL time.Duration `envconfig:"JANITOR_STAGING_TTL" default:"24h"`
		Schedule   string        `envconfig:"JANITOR_SCHEDULE"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает конфиг из окружения и возвращает ошибку вместо завершения процесса.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	err := envconfig.Process("", &cfg)
	return cfg, err
}
