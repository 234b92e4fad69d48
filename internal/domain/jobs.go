package domain

import (
	"context"
	"time"
)

// ItemMessage — сообщение очереди с оценённым issue.
type ItemMessage struct {
	NodeID         string    `json:"node_id"`
	SourceNodeID   string    `json:"repo_node_id"`
	SourceLanguage string    `json:"language,omitempty"`
	Number         int       `json:"number"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Labels         []string  `json:"labels,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	HasCode        bool      `json:"has_code"`
	HasTemplate    bool      `json:"has_template_headers"`
	TechWeight     float64   `json:"tech_stack_weight"`
	IsJunk         bool      `json:"is_junk,omitempty"`
	QualityScore   float64   `json:"q_score"`
	SurvivalScore  float64   `json:"survival_score"`
	ContentHash    string    `json:"content_hash"`
	RunID          string    `json:"run_id,omitempty"`
}

// NewItemMessage упаковывает issue для публикации.
func NewItemMessage(item ScoredItem, contentHash, runID string) ItemMessage {
	return ItemMessage{
		NodeID:         item.NodeID,
		SourceNodeID:   item.SourceNodeID,
		SourceLanguage: item.SourceLanguage,
		Number:         item.Number,
		URL:            item.URL,
		Title:          item.Title,
		Body:           item.Body,
		Labels:         item.Labels,
		State:          item.State,
		CreatedAt:      item.CreatedAt,
		HasCode:        item.Quality.HasCode,
		HasTemplate:    item.Quality.HasTemplateHeaders,
		TechWeight:     item.Quality.TechWeight,
		IsJunk:         item.Quality.IsJunk,
		QualityScore:   item.QualityScore,
		SurvivalScore:  item.SurvivalScore,
		ContentHash:    contentHash,
		RunID:          runID,
	}
}

// ScoredItem восстанавливает issue из сообщения.
func (m ItemMessage) ScoredItem() ScoredItem {
	return ScoredItem{
		CandidateItem: CandidateItem{
			NodeID:         m.NodeID,
			SourceNodeID:   m.SourceNodeID,
			SourceLanguage: m.SourceLanguage,
			Number:         m.Number,
			URL:            m.URL,
			Title:          m.Title,
			Body:           m.Body,
			Labels:         m.Labels,
			CreatedAt:      m.CreatedAt,
			State:          m.State,
		},
		Quality: QualityComponents{
			HasCode:            m.HasCode,
			HasTemplateHeaders: m.HasTemplate,
			TechWeight:         m.TechWeight,
			IsJunk:             m.IsJunk,
		},
		QualityScore:  m.QualityScore,
		SurvivalScore: m.SurvivalScore,
	}
}

// OutboundMessage сообщение для публикации в очередь.
type OutboundMessage struct {
	ID      string
	Body    []byte
	Headers map[string]string
}

// Delivery полученное из очереди сообщение.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int
	// Ack подтверждает обработку.
	Ack func() error
	// Nack возвращает сообщение после ошибки; попытка засчитывается, после предела сообщение уходит в DLQ.
	Nack func(delay time.Duration) error
	// Release возвращает сообщение, обработку которого не начинали.
	Release func(delay time.Duration) error
	// DeadLetter сразу переносит сообщение в DLQ: повтор его не исправит.
	DeadLetter func() error
}

// MessageQueue брокер сообщений с at-least-once доставкой.
type MessageQueue interface {
	Publish(ctx context.Context, msg OutboundMessage) error
	// ReceiveBatch ждёт хотя бы одно сообщение и возвращает не больше max.
	ReceiveBatch(ctx context.Context, max int) ([]Delivery, error)
	Close() error
}
