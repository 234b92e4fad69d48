package domain

import "time"

// Source описывает репозиторий, из которого собираются issues.
type Source struct {
	ID            int64
	NodeID        string
	FullName      string
	Language      string
	Stars         int
	OpenIssues    int
	Topics        []string
	LastScrapedAt *time.Time
}

// CandidateItem сырой issue до оценки качества.
type CandidateItem struct {
	NodeID         string
	SourceNodeID   string
	SourceLanguage string
	Number         int
	URL            string
	Title          string
	Body           string
	Labels         []string
	CreatedAt      time.Time
	State          string
	PagePosition   int
}

// EmbeddingText текст issue, который уходит в эмбеддер.
func (c CandidateItem) EmbeddingText() string {
	return c.Title + "\n" + c.Body
}

// QualityComponents хранит сигналы, из которых складывается оценка качества.
type QualityComponents struct {
	HasCode            bool
	HasTemplateHeaders bool
	TechWeight         float64
	IsJunk             bool
}

// ScoredItem issue после quality gate.
type ScoredItem struct {
	CandidateItem
	Quality       QualityComponents
	QualityScore  float64
	SurvivalScore float64
}

// EnrichedItem единица финальной записи в хранилище.
type EnrichedItem struct {
	ScoredItem
	Embedding   []float32
	ContentHash string
}

// StagedStatus состояние записи в staging-таблице.
type StagedStatus string

const (
	StagedPending    StagedStatus = "pending"
	StagedProcessing StagedStatus = "processing"
	StagedCompleted  StagedStatus = "completed"
	StagedFailed     StagedStatus = "failed"
)

// StagedItem issue, ожидающий эмбеддинга в staging-таблице.
type StagedItem struct {
	ID          int64
	Item        ScoredItem
	ContentHash string
	Status      StagedStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RateLimit квота, которую сообщил сервер в последнем ответе.
type RateLimit struct {
	Cost      int
	Remaining int
	Limit     int
	NodeCount int
	ResetAt   time.Time
}

// SourcePage страница результатов поиска репозиториев.
type SourcePage struct {
	Sources   []Source
	Invalid   int
	HasNext   bool
	EndCursor string
}

// IssuePage страница issues одного репозитория.
type IssuePage struct {
	Items     []CandidateItem
	Invalid   int
	HasNext   bool
	EndCursor string
}

// SearchQuery параметры поиска репозиториев одного языка.
type SearchQuery struct {
	Language      string
	MinStars      int
	PushedAfter   time.Time
	EstimatedCost int
}
