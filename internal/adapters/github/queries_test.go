package github

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"

	"issueindex/internal/adapters/quota"
	"issueindex/internal/domain"
)

type fakeExecutor struct {
	response string
	err      error
	vars     []map[string]any
	costs    []int
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, vars map[string]any, cost int) (json.RawMessage, error) {
	f.vars = append(f.vars, vars)
	f.costs = append(f.costs, cost)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.response), nil
}

func TestFetchIssuesParsesAndDropsInvalid(t *testing.T) {
	long := strings.Repeat("я", BodyLimit+10)
	exec := &fakeExecutor{response: `{"repository":{"issues":{"pageInfo":{"hasNextPage":true,"endCursor":"c2"},"nodes":[
		{"id":"I_1","number":1,"url":" https://github.com/o/r/issues/1 ","title":"a","bodyText":"` + long + `","createdAt":"2024-03-01T10:00:00Z","state":"OPEN","labels":{"nodes":[{"name":"bug"},{"name":""}]}},
		{"id":"","number":2,"createdAt":"2024-03-01T10:00:00Z"},
		{"id":"I_3","number":3,"createdAt":"вчера"}
	]}}}`}
	api := NewAPI(exec, zerolog.Nop())
	src := domain.Source{NodeID: "R_1", FullName: "o/r", Language: "Go"}

	page, err := api.FetchIssues(context.Background(), src, "c1", 100)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(page.Items) != 1 || page.Invalid != 2 {
		t.Fatalf("ожидали 1 валидный и 2 отброшенных, получили %d/%d", len(page.Items), page.Invalid)
	}
	item := page.Items[0]
	if item.State != "open" || item.SourceNodeID != "R_1" || item.SourceLanguage != "Go" {
		t.Fatalf("неожиданные поля: %+v", item)
	}
	if len([]rune(item.Body)) != BodyLimit {
		t.Fatalf("тело должно обрезаться до %d рун", BodyLimit)
	}
	if item.URL != "https://github.com/o/r/issues/1" || len(item.Labels) != 1 {
		t.Fatalf("ожидали очищенные url и метки: %+v", item)
	}
	if !page.HasNext || page.EndCursor != "c2" {
		t.Fatalf("ожидали следующую страницу c2")
	}
	if exec.vars[0]["owner"] != "o" || exec.vars[0]["name"] != "r" || exec.vars[0]["after"] != "c1" {
		t.Fatalf("неожиданные переменные: %v", exec.vars[0])
	}
}

func TestFetchIssuesMissingRepository(t *testing.T) {
	api := NewAPI(&fakeExecutor{response: `{"repository":null}`}, zerolog.Nop())
	page, err := api.FetchIssues(context.Background(), domain.Source{FullName: "o/gone"}, "", 100)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if page.HasNext || len(page.Items) != 0 {
		t.Fatalf("ожидали пустую последнюю страницу")
	}
}

func TestSearchRepositories(t *testing.T) {
	exec := &fakeExecutor{response: `{"search":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[
		{"id":"R_1","nameWithOwner":"a/b","primaryLanguage":{"name":"Go"},"stargazerCount":1500,"issues":{"totalCount":42},"repositoryTopics":{"nodes":[{"topic":{"name":"cli"}}]}},
		{}
	]}}`}
	api := NewAPI(exec, zerolog.Nop())
	q := domain.SearchQuery{Language: "Go", MinStars: 1000, PushedAfter: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), EstimatedCost: 2}
	page, err := api.SearchRepositories(context.Background(), q, "", 50)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(page.Sources) != 1 || page.Invalid != 1 {
		t.Fatalf("ожидали 1 репозиторий и 1 пропуск, получили %d/%d", len(page.Sources), page.Invalid)
	}
	src := page.Sources[0]
	if src.OpenIssues != 42 || src.Stars != 1500 || len(src.Topics) != 1 {
		t.Fatalf("неожиданный репозиторий: %+v", src)
	}
	if got := exec.vars[0]["q"]; got != "language:Go stars:>1000 pushed:>2024-02-01 sort:stars-desc" {
		t.Fatalf("неожиданная строка поиска: %v", got)
	}
	if exec.costs[0] != 2 {
		t.Fatalf("ожидали оценку стоимости 2")
	}
}

type fakeRateLimitGetter struct {
	limits *gh.RateLimits
}

func (f fakeRateLimitGetter) Get(context.Context) (*gh.RateLimits, *gh.Response, error) {
	return f.limits, nil, nil
}

func TestPrimeQuota(t *testing.T) {
	reset := time.Now().Add(20 * time.Minute).UTC().Truncate(time.Second)
	getter := fakeRateLimitGetter{limits: &gh.RateLimits{
		GraphQL: &gh.Rate{Limit: 5000, Remaining: 1200, Reset: gh.Timestamp{Time: reset}},
	}}
	tracker := quota.NewMemory(5000)
	rl, err := PrimeQuota(context.Background(), getter, tracker)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	remaining, resetAt, _ := tracker.Snapshot()
	if rl.Remaining != 1200 || remaining != 1200 || !resetAt.Equal(reset) {
		t.Fatalf("ожидали остаток 1200 до %v, получили %d до %v", reset, remaining, resetAt)
	}
}
