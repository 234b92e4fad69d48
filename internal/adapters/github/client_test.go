package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"issueindex/internal/adapters/quota"
	"issueindex/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *quota.Memory) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tracker := quota.NewMemory(5000)
	client, err := NewClient("token", tracker, zerolog.Nop(),
		WithHTTPClient(srv.Client()),
		WithEndpoint(srv.URL),
		WithRetry(3, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return client, tracker
}

func TestExecuteInjectsRateLimitAndSyncsQuota(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	client, tracker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req graphQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("некорректный запрос: %v", err)
		}
		if !strings.Contains(req.Query, "rateLimit") {
			t.Errorf("ожидали автоматически добавленный rateLimit")
		}
		_, _ = w.Write([]byte(`{"data":{"viewer":{"login":"x"},"rateLimit":{"cost":1,"remaining":4321,"limit":5000,"resetAt":"` + resetAt.Format(time.RFC3339) + `","nodeCount":1}}}`))
	})

	data, err := client.Execute(context.Background(), "query { viewer { login } }", nil, 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(string(data), "viewer") {
		t.Fatalf("ожидали данные ответа, получили %s", data)
	}
	remaining, gotReset, _ := tracker.Snapshot()
	if remaining != 4321 {
		t.Fatalf("ожидали остаток 4321, получили %d", remaining)
	}
	if !gotReset.Equal(resetAt) {
		t.Fatalf("ожидали reset %v, получили %v", resetAt, gotReset)
	}
}

func TestExecuteErrorClassification(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name      string
		status    int
		headers   map[string]string
		body      string
		wantCalls int32
		check     func(error) bool
	}{
		{
			name:      "401 не повторяется",
			status:    http.StatusUnauthorized,
			body:      `{"message":"Bad credentials"}`,
			wantCalls: 1,
			check: func(err error) bool {
				var target *domain.AuthError
				return errors.As(err, &target)
			},
		},
		{
			name:      "403 с нулевым остатком",
			status:    http.StatusForbidden,
			headers:   map[string]string{"x-ratelimit-remaining": "0", "x-ratelimit-reset": strconv.FormatInt(reset, 10)},
			body:      `{"message":"API rate limit exceeded"}`,
			wantCalls: 1,
			check: func(err error) bool {
				var target *domain.QuotaExceededError
				return errors.As(err, &target) && target.ResetAt.Unix() == reset
			},
		},
		{
			name:      "прочий 403",
			status:    http.StatusForbidden,
			body:      `{"message":"Forbidden"}`,
			wantCalls: 1,
			check: func(err error) bool {
				var target *domain.RemoteLogicError
				return errors.As(err, &target)
			},
		},
		{
			name:      "ошибки GraphQL",
			status:    http.StatusOK,
			body:      `{"data":null,"errors":[{"message":"Field 'x' doesn't exist"}]}`,
			wantCalls: 1,
			check: func(err error) bool {
				var target *domain.RemoteLogicError
				return errors.As(err, &target) && len(target.Messages) == 1
			},
		},
		{
			name:      "5xx исчерпывает попытки",
			status:    http.StatusBadGateway,
			body:      `bad gateway`,
			wantCalls: 3,
			check:     domain.IsRetryable,
		},
	}
	for _, tc := range cases {
		var calls int32
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			for k, v := range tc.headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := client.Execute(context.Background(), "query { viewer { login } }", nil, 1)
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: неожиданная ошибка %v", tc.name, err)
		}
		if got := atomic.LoadInt32(&calls); got != tc.wantCalls {
			t.Fatalf("%s: ожидали %d запросов, получили %d", tc.name, tc.wantCalls, got)
		}
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	})
	if _, err := client.Execute(context.Background(), "query { ok }", nil, 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if calls != 3 {
		t.Fatalf("ожидали 3 запроса, получили %d", calls)
	}
}

func TestExecuteReservesQuotaPerAttempt(t *testing.T) {
	var calls int32
	client, tracker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	})
	if _, err := client.Execute(context.Background(), "query { ok }", nil, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if calls != 2 {
		t.Fatalf("ожидали 2 запроса, получили %d", calls)
	}
	remaining, _, total := tracker.Snapshot()
	if remaining != 5000-14 || total != 14 {
		t.Fatalf("каждая попытка должна резервировать квоту: remaining=%d total=%d", remaining, total)
	}
}

func TestEnsureRateLimitFragment(t *testing.T) {
	withFragment := "query { rateLimit { cost } viewer { login } }"
	if ensureRateLimitFragment(withFragment) != withFragment {
		t.Fatalf("запрос с rateLimit не должен меняться")
	}
	got := ensureRateLimitFragment("query { viewer { login } }")
	if !strings.HasSuffix(strings.TrimSpace(got), "}") || !strings.Contains(got, "rateLimit { cost remaining limit resetAt nodeCount }") {
		t.Fatalf("фрагмент не добавлен: %s", got)
	}
	if strings.Index(got, "rateLimit") < strings.Index(got, "viewer") {
		t.Fatalf("фрагмент должен стоять перед последней скобкой")
	}
	if ensureRateLimitFragment("broken") != "broken" {
		t.Fatalf("запрос без скобок возвращается как есть")
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(" ", quota.NewMemory(10), zerolog.Nop()); err == nil {
		t.Fatalf("ожидали ошибку для пустого токена")
	}
}
