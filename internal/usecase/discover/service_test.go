package discover

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
)

type fakeSearcher struct {
	mu    sync.Mutex
	pages map[string][]domain.SourcePage
	fail  map[string]error
	sizes map[string][]int
}

func (f *fakeSearcher) SearchRepositories(_ context.Context, q domain.SearchQuery, after string, pageSize int) (domain.SourcePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizes == nil {
		f.sizes = map[string][]int{}
	}
	f.sizes[q.Language] = append(f.sizes[q.Language], pageSize)
	if err := f.fail[q.Language]; err != nil {
		return domain.SourcePage{}, err
	}
	idx := 0
	if after != "" {
		idx = int(after[0] - '0')
	}
	pages := f.pages[q.Language]
	if idx >= len(pages) {
		return domain.SourcePage{}, nil
	}
	return pages[idx], nil
}

func src(id string, open int) domain.Source {
	return domain.Source{NodeID: id, FullName: "o/" + id, OpenIssues: open}
}

func TestDiscoverDeduplicatesAndIsolatesFailures(t *testing.T) {
	searcher := &fakeSearcher{
		pages: map[string][]domain.SourcePage{
			"Go": {
				{Sources: []domain.Source{src("a", 20), src("b", 3)}, HasNext: true, EndCursor: "1"},
				{Sources: []domain.Source{src("c", 15)}},
			},
			"Rust": {
				{Sources: []domain.Source{src("c", 15), src("d", 11)}},
			},
		},
		fail: map[string]error{"Java": errors.New("boom")},
	}
	svc := NewService(searcher, Config{Languages: []string{"Go", "Java", "Rust"}, MinOpenIssues: 10}, zerolog.Nop())

	res, err := svc.Discover(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	var ids []string
	for _, s := range res.Sources {
		ids = append(ids, s.NodeID)
	}
	want := []string{"a", "c", "d"}
	if len(ids) != len(want) {
		t.Fatalf("ожидали %v, получили %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ожидали %v, получили %v", want, ids)
		}
	}
	if len(res.FailedPartitions) != 1 || res.FailedPartitions[0] != "Java" {
		t.Fatalf("ожидали сбой только Java, получили %v", res.FailedPartitions)
	}
	if res.BelowActivity != 1 {
		t.Fatalf("ожидали 1 репозиторий ниже порога активности, получили %d", res.BelowActivity)
	}
}

func TestDiscoverStopsAtTarget(t *testing.T) {
	searcher := &fakeSearcher{
		pages: map[string][]domain.SourcePage{
			"Go": {
				{Sources: []domain.Source{src("a", 20), src("b", 20)}, HasNext: true, EndCursor: "1"},
				{Sources: []domain.Source{src("c", 20), src("d", 20)}, HasNext: true, EndCursor: "2"},
				{Sources: []domain.Source{src("e", 20)}},
			},
		},
	}
	svc := NewService(searcher, Config{Languages: []string{"Go"}, PerLanguage: 3, PageSize: 2, MinOpenIssues: 10}, zerolog.Nop())
	res, err := svc.Discover(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.Sources) != 3 {
		t.Fatalf("ожидали 3 репозитория, получили %d", len(res.Sources))
	}
	sizes := searcher.sizes["Go"]
	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Fatalf("ожидали размеры страниц [2 1], получили %v", sizes)
	}
}
