package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client выполняет запросы к OpenAI-совместимому /embeddings.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient создаёт клиента OpenAI.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout + 5*time.Second}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// EmbeddingRequest описывает тело запроса.
type EmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// EmbeddingResponse описывает ответ.
type EmbeddingResponse struct {
	Data  []EmbeddingData `json:"data"`
	Usage *EmbeddingUsage `json:"usage,omitempty"`
}

// EmbeddingData один вектор ответа.
type EmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingUsage статистика токенов.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CreateEmbeddings вызывает /embeddings и возвращает векторы в порядке входа.
func (c *Client) CreateEmbeddings(ctx context.Context, req EmbeddingRequest) ([][]float32, error) {
	if c.apiKey == "" {
		return nil, &domain.AuthError{Message: "openai: api key is empty"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "embeddings", req.Model, start, err)
		return nil, &domain.TransientError{Err: fmt.Errorf("openai: do request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "embeddings", req.Model, start, err)
		return nil, &domain.TransientError{Status: resp.StatusCode, Err: fmt.Errorf("openai: read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		err := classifyStatus(resp.StatusCode, respBody)
		metrics.ObserveNetworkRequest("openai", "embeddings", req.Model, start, err)
		return nil, err
	}
	var out EmbeddingResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		metrics.ObserveNetworkRequest("openai", "embeddings", req.Model, start, err)
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("openai", "embeddings", req.Model, start, nil)
	if len(out.Data) != len(req.Input) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs", domain.ErrDataInvalid, len(out.Data), len(req.Input))
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func classifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("unexpected status %d", status)
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.AuthError{Status: status, Message: "openai: " + msg}
	case status == http.StatusTooManyRequests || status >= 500:
		return &domain.TransientError{Status: status, Err: fmt.Errorf("openai: %s", msg)}
	default:
		return &domain.RemoteLogicError{Status: status, Messages: []string{"openai: " + msg}}
	}
}
