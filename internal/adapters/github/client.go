package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

const (
	defaultEndpoint   = "https://api.github.com/graphql"
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	lowQuotaWarning   = 200
	maxErrorBody      = 1024
)

// Client выполняет GraphQL запросы к GitHub с учётом квоты.
type Client struct {
	http       *http.Client
	endpoint   string
	quota      domain.QuotaTracker
	pacer      *rate.Limiter
	log        zerolog.Logger
	maxRetries int
	retryDelay time.Duration
}

var _ domain.QueryExecutor = (*Client)(nil)

// Option настраивает клиента.
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиента (без oauth2 транспорта).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithEndpoint задаёт адрес GraphQL API.
func WithEndpoint(endpoint string) Option {
	return func(cl *Client) { cl.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithRetry задаёт количество попыток и базовую задержку.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(cl *Client) {
		if attempts > 0 {
			cl.maxRetries = attempts
		}
		if delay >= 0 {
			cl.retryDelay = delay
		}
	}
}

// WithRequestsPerSecond ограничивает темп запросов локально, поверх квоты.
func WithRequestsPerSecond(rps float64) Option {
	return func(cl *Client) {
		if rps > 0 {
			cl.pacer = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewClient создаёт клиента с bearer токеном.
func NewClient(token string, quota domain.QuotaTracker, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("github: token is required")
	}
	if quota == nil {
		return nil, errors.New("github: quota tracker is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = defaultTimeout
	c := &Client{
		http:       httpClient,
		endpoint:   defaultEndpoint,
		quota:      quota,
		pacer:      rate.NewLimiter(rate.Inf, 1),
		log:        logger,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data       json.RawMessage `json:"data"`
	Errors     []graphQLError  `json:"errors"`
	Extensions struct {
		RateLimit *rateLimitPayload `json:"rateLimit"`
	} `json:"extensions"`
}

type rateLimitPayload struct {
	Cost      int       `json:"cost"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
	NodeCount int       `json:"nodeCount"`
}

// Execute выполняет запрос: ждёт квоту, повторяет временные ошибки, синхронизирует остаток с сервером.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, estimatedCost int) (json.RawMessage, error) {
	if estimatedCost <= 0 {
		estimatedCost = 1
	}
	query = ensureRateLimitFragment(query)
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("github: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		// резерв квоты на каждую попытку
		if err := c.quota.WaitUntilAffordable(ctx, estimatedCost); err != nil {
			return nil, fmt.Errorf("github: wait for quota: %w", err)
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := c.do(ctx, body, estimatedCost)
		if err == nil {
			return data, nil
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetries-1 {
			break
		}
		delay := c.retryDelay * time.Duration(attempt+1)
		c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("github: временная ошибка, повторяем запрос")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, body []byte, estimatedCost int) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, err)
		return nil, &domain.TransientError{Status: resp.StatusCode, Err: err}
	}

	headerRemaining, headerReset, hasHeaders := parseRateLimitHeaders(resp.Header)
	if hasHeaders {
		c.syncQuota(ctx, headerRemaining, headerReset)
	}

	if err := classifyStatus(resp.StatusCode, respBody, headerRemaining, headerReset, hasHeaders); err != nil {
		metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, err)
		return nil, err
	}

	var parsed graphQLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		err = &domain.TransientError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, err)
		return nil, err
	}

	if rl := extractRateLimit(parsed); rl != nil {
		// Резерв был по оценке; доводим учёт расхода до фактической стоимости,
		// остаток затем берётся у сервера.
		if rl.Cost > estimatedCost {
			if err := c.quota.RecordCost(ctx, rl.Cost-estimatedCost); err != nil {
				c.log.Error().Err(err).Msg("github: не удалось учесть стоимость запроса")
			}
		}
		c.syncQuota(ctx, rl.Remaining, rl.ResetAt)
	}

	if len(parsed.Errors) > 0 {
		err := graphQLErrorsToDomain(parsed.Errors, headerReset)
		metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, err)
		return nil, err
	}
	if len(parsed.Data) == 0 || string(parsed.Data) == "null" {
		err := &domain.RemoteLogicError{Status: resp.StatusCode, Messages: []string{"response without data"}}
		metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest("github", "graphql", "api.github.com", start, nil)
	return parsed.Data, nil
}

func (c *Client) syncQuota(ctx context.Context, remaining int, resetAt time.Time) {
	if err := c.quota.SetRemainingFromServer(ctx, remaining, resetAt); err != nil {
		c.log.Error().Err(err).Msg("github: не удалось синхронизировать квоту")
	}
	if remaining < lowQuotaWarning {
		c.log.Warn().Int("remaining", remaining).Time("reset_at", resetAt).Msg("github: квота на исходе")
	}
}

func classifyStatus(status int, body []byte, remaining int, resetAt time.Time, hasHeaders bool) error {
	switch {
	case status == http.StatusUnauthorized:
		return &domain.AuthError{Status: status, Message: apiMessage(body)}
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		if hasHeaders && remaining == 0 {
			return &domain.QuotaExceededError{ResetAt: resetAt}
		}
		if status == http.StatusTooManyRequests {
			return &domain.TransientError{Status: status, Err: errors.New(apiMessage(body))}
		}
		return &domain.RemoteLogicError{Status: status, Messages: []string{apiMessage(body)}}
	case status >= 500:
		return &domain.TransientError{Status: status, Err: fmt.Errorf("server error: %s", apiMessage(body))}
	case status >= 400:
		return &domain.RemoteLogicError{Status: status, Messages: []string{apiMessage(body)}}
	}
	return nil
}

func graphQLErrorsToDomain(errs []graphQLError, resetAt time.Time) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Type == "RATE_LIMITED" {
			return &domain.QuotaExceededError{ResetAt: resetAt}
		}
		msg := e.Message
		if msg == "" {
			msg = "unknown"
		}
		messages = append(messages, msg)
	}
	return &domain.RemoteLogicError{Status: http.StatusOK, Messages: messages}
}

func extractRateLimit(resp graphQLResponse) *rateLimitPayload {
	if len(resp.Data) > 0 {
		var holder struct {
			RateLimit *rateLimitPayload `json:"rateLimit"`
		}
		if err := json.Unmarshal(resp.Data, &holder); err == nil && holder.RateLimit != nil {
			return holder.RateLimit
		}
	}
	return resp.Extensions.RateLimit
}

func parseRateLimitHeaders(h http.Header) (int, time.Time, bool) {
	remainingRaw := h.Get("x-ratelimit-remaining")
	resetRaw := h.Get("x-ratelimit-reset")
	if remainingRaw == "" || resetRaw == "" {
		return 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil {
		return 0, time.Time{}, false
	}
	reset, err := strconv.ParseInt(resetRaw, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return remaining, time.Unix(reset, 0).UTC(), true
}

func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}
