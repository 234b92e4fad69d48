package github

import (
	"context"
	"fmt"
	"time"

	gh "github.com/google/go-github/v57/github"

	"issueindex/internal/domain"
	"issueindex/internal/infra/metrics"
)

// RateLimitGetter читает лимиты REST эндпоинтом /rate_limit (без расхода GraphQL квоты).
type RateLimitGetter interface {
	Get(ctx context.Context) (*gh.RateLimits, *gh.Response, error)
}

// NewRateLimitGetter создаёт REST клиента go-github с тем же токеном.
func NewRateLimitGetter(token, baseURL string) (RateLimitGetter, error) {
	client := gh.NewClient(nil).WithAuthToken(token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github: enterprise url: %w", err)
		}
	}
	return client.RateLimit, nil
}

// PrimeQuota загружает текущий остаток GraphQL квоты в трекер до первого запроса.
func PrimeQuota(ctx context.Context, getter RateLimitGetter, tracker domain.QuotaTracker) (domain.RateLimit, error) {
	start := time.Now()
	limits, _, err := getter.Get(ctx)
	metrics.ObserveNetworkRequest("github", "rate_limit", "api.github.com", start, err)
	if err != nil {
		return domain.RateLimit{}, fmt.Errorf("github: rate limit: %w", err)
	}
	graphQL := limits.GetGraphQL()
	if graphQL == nil {
		return domain.RateLimit{}, fmt.Errorf("github: rate limit response without graphql bucket")
	}
	rl := domain.RateLimit{
		Remaining: graphQL.Remaining,
		Limit:     graphQL.Limit,
		ResetAt:   graphQL.Reset.Time,
	}
	if err := tracker.SetRemainingFromServer(ctx, rl.Remaining, rl.ResetAt); err != nil {
		return rl, err
	}
	return rl, nil
}
