package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"issueindex/internal/domain"
)

const (
	// BodyLimit максимальная длина тела issue в рунах.
	BodyLimit = 4000

	issuePageCost = 1
	searchDateFmt = "2006-01-02"
)

const searchRepositoriesQuery = `
query SearchRepositories($q: String!, $first: Int!, $after: String) {
  search(query: $q, type: REPOSITORY, first: $first, after: $after) {
    pageInfo { hasNextPage endCursor }
    nodes {
      ... on Repository {
        id
        nameWithOwner
        primaryLanguage { name }
        stargazerCount
        issues(states: OPEN) { totalCount }
        repositoryTopics(first: 10) { nodes { topic { name } } }
      }
    }
  }
}`

const repositoryIssuesQuery = `
query RepositoryIssues($owner: String!, $name: String!, $first: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    issues(first: $first, after: $after, orderBy: {field: CREATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        id
        number
        url
        title
        bodyText
        createdAt
        state
        labels(first: 10) { nodes { name } }
      }
    }
  }
}`

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type repositoryNode struct {
	ID              string `json:"id"`
	NameWithOwner   string `json:"nameWithOwner"`
	PrimaryLanguage *struct {
		Name string `json:"name"`
	} `json:"primaryLanguage"`
	StargazerCount int `json:"stargazerCount"`
	Issues         struct {
		TotalCount int `json:"totalCount"`
	} `json:"issues"`
	RepositoryTopics struct {
		Nodes []struct {
			Topic struct {
				Name string `json:"name"`
			} `json:"topic"`
		} `json:"nodes"`
	} `json:"repositoryTopics"`
}

type issueNode struct {
	ID        string `json:"id"`
	Number    int    `json:"number"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	BodyText  string `json:"bodyText"`
	CreatedAt string `json:"createdAt"`
	State     string `json:"state"`
	Labels    struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

// API реализует поиск репозиториев и чтение issues поверх GraphQL клиента.
type API struct {
	exec domain.QueryExecutor
	log  zerolog.Logger
}

var (
	_ domain.RepositorySearcher = (*API)(nil)
	_ domain.IssueFetcher       = (*API)(nil)
)

// NewAPI создаёт адаптер.
func NewAPI(exec domain.QueryExecutor, logger zerolog.Logger) *API {
	return &API{exec: exec, log: logger}
}

// SearchString собирает строку поиска GitHub для языка.
func SearchString(q domain.SearchQuery) string {
	return fmt.Sprintf("language:%s stars:>%d pushed:>%s sort:stars-desc",
		quoteLanguage(q.Language), q.MinStars, q.PushedAfter.UTC().Format(searchDateFmt))
}

func quoteLanguage(lang string) string {
	if strings.ContainsAny(lang, " ") {
		return `"` + lang + `"`
	}
	return lang
}

// SearchRepositories читает одну страницу результатов поиска.
func (a *API) SearchRepositories(ctx context.Context, q domain.SearchQuery, after string, pageSize int) (domain.SourcePage, error) {
	vars := map[string]any{"q": SearchString(q), "first": pageSize}
	if after != "" {
		vars["after"] = after
	}
	raw, err := a.exec.Execute(ctx, searchRepositoriesQuery, vars, q.EstimatedCost)
	if err != nil {
		return domain.SourcePage{}, err
	}
	var payload struct {
		Search struct {
			PageInfo pageInfo          `json:"pageInfo"`
			Nodes    []json.RawMessage `json:"nodes"`
		} `json:"search"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.SourcePage{}, fmt.Errorf("github: decode search: %w", err)
	}
	page := domain.SourcePage{HasNext: payload.Search.PageInfo.HasNextPage, EndCursor: payload.Search.PageInfo.EndCursor}
	for _, rawNode := range payload.Search.Nodes {
		var node repositoryNode
		if err := json.Unmarshal(rawNode, &node); err != nil || node.ID == "" || node.NameWithOwner == "" {
			page.Invalid++
			continue
		}
		page.Sources = append(page.Sources, node.toSource(q.Language))
	}
	return page, nil
}

func (n repositoryNode) toSource(fallbackLanguage string) domain.Source {
	lang := fallbackLanguage
	if n.PrimaryLanguage != nil && n.PrimaryLanguage.Name != "" {
		lang = n.PrimaryLanguage.Name
	}
	topics := make([]string, 0, len(n.RepositoryTopics.Nodes))
	for _, t := range n.RepositoryTopics.Nodes {
		if t.Topic.Name != "" {
			topics = append(topics, t.Topic.Name)
		}
	}
	return domain.Source{
		NodeID:     n.ID,
		FullName:   n.NameWithOwner,
		Language:   lang,
		Stars:      n.StargazerCount,
		OpenIssues: n.Issues.TotalCount,
		Topics:     topics,
	}
}

// FetchIssues читает одну страницу issues репозитория, начиная с новых.
func (a *API) FetchIssues(ctx context.Context, src domain.Source, after string, pageSize int) (domain.IssuePage, error) {
	owner, name, ok := strings.Cut(src.FullName, "/")
	if !ok || owner == "" || name == "" {
		return domain.IssuePage{}, &domain.RemoteLogicError{Messages: []string{"bad repository name " + src.FullName}}
	}
	vars := map[string]any{"owner": owner, "name": name, "first": pageSize}
	if after != "" {
		vars["after"] = after
	}
	raw, err := a.exec.Execute(ctx, repositoryIssuesQuery, vars, issuePageCost)
	if err != nil {
		return domain.IssuePage{}, err
	}
	var payload struct {
		Repository *struct {
			Issues struct {
				PageInfo pageInfo    `json:"pageInfo"`
				Nodes    []issueNode `json:"nodes"`
			} `json:"issues"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.IssuePage{}, fmt.Errorf("github: decode issues: %w", err)
	}
	if payload.Repository == nil {
		a.log.Warn().Str("repo", src.FullName).Msg("github: репозиторий не найден")
		return domain.IssuePage{}, nil
	}
	issues := payload.Repository.Issues
	page := domain.IssuePage{HasNext: issues.PageInfo.HasNextPage, EndCursor: issues.PageInfo.EndCursor}
	for _, node := range issues.Nodes {
		item, err := node.toCandidate(src)
		if err != nil {
			a.log.Debug().Err(err).Str("repo", src.FullName).Str("issue", node.ID).Msg("github: пропускаем некорректный issue")
			page.Invalid++
			continue
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func (n issueNode) toCandidate(src domain.Source) (domain.CandidateItem, error) {
	if n.ID == "" || n.CreatedAt == "" {
		return domain.CandidateItem{}, fmt.Errorf("%w: missing id or createdAt", domain.ErrDataInvalid)
	}
	createdAt, err := time.Parse(time.RFC3339, n.CreatedAt)
	if err != nil {
		return domain.CandidateItem{}, fmt.Errorf("%w: createdAt %q", domain.ErrDataInvalid, n.CreatedAt)
	}
	labels := make([]string, 0, len(n.Labels.Nodes))
	for _, l := range n.Labels.Nodes {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}
	state := strings.ToLower(strings.TrimSpace(n.State))
	if state == "" {
		state = "open"
	}
	return domain.CandidateItem{
		NodeID:         n.ID,
		SourceNodeID:   src.NodeID,
		SourceLanguage: src.Language,
		Number:         n.Number,
		URL:            strings.TrimSpace(n.URL),
		Title:          n.Title,
		Body:           truncateRunes(n.BodyText, BodyLimit),
		Labels:         labels,
		CreatedAt:      createdAt.UTC(),
		State:          state,
	}, nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
