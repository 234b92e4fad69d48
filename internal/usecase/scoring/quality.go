package scoring

import (
	"strings"

	"issueindex/internal/domain"
)

const (
	weightCode    = 0.4
	weightHeaders = 0.3
	weightTech    = 0.2
	penaltyJunk   = 0.5

	keywordSaturation = 3.0
	codeFence         = "```"
)

// Scorer вычисляет оценку качества issue по словарям таксономии.
type Scorer struct {
	keywords        map[string][]string
	defaultKeywords []string
	headers         []string
	junk            []string
}

// NewScorer готовит словари в нижнем регистре.
func NewScorer(tax Taxonomy) *Scorer {
	s := &Scorer{keywords: make(map[string][]string, len(tax.Keywords))}
	for lang, words := range tax.Keywords {
		s.keywords[lang] = lowerUnique(words)
	}
	s.defaultKeywords = lowerUnique(tax.DefaultKeywords)
	s.headers = lowerUnique(tax.TemplateHeaders)
	s.junk = lowerUnique(tax.JunkPatterns)
	return s
}

// Components извлекает сигналы качества.
func (s *Scorer) Components(title, body, language string) domain.QualityComponents {
	bodyLower := strings.ToLower(body)
	keywords, ok := s.keywords[language]
	if !ok {
		keywords = s.defaultKeywords
	}
	combined := strings.ToLower(title + " " + body)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(combined, kw) {
			hits++
		}
	}
	return domain.QualityComponents{
		HasCode:            strings.Contains(body, codeFence),
		HasTemplateHeaders: containsAny(bodyLower, s.headers),
		TechWeight:         min(1.0, float64(hits)/keywordSaturation),
		IsJunk:             containsAny(bodyLower, s.junk),
	}
}

// QualityScore складывает компоненты с весами, диапазон [-0.5, 0.9].
func QualityScore(c domain.QualityComponents) float64 {
	return weightCode*boolToFloat(c.HasCode) +
		weightHeaders*boolToFloat(c.HasTemplateHeaders) +
		weightTech*c.TechWeight -
		penaltyJunk*boolToFloat(c.IsJunk)
}

// PassesGate проверяет порог.
func PassesGate(score, threshold float64) bool {
	return score >= threshold
}

// Evaluate оценивает кандидата и сообщает, прошёл ли он порог.
func (s *Scorer) Evaluate(item domain.CandidateItem, threshold float64) (domain.ScoredItem, bool) {
	components := s.Components(item.Title, item.Body, item.SourceLanguage)
	score := QualityScore(components)
	scored := domain.ScoredItem{
		CandidateItem: item,
		Quality:       components,
		QualityScore:  score,
	}
	return scored, PassesGate(score, threshold)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func lowerUnique(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		lw := strings.ToLower(strings.TrimSpace(w))
		if lw == "" {
			continue
		}
		if _, ok := seen[lw]; ok {
			continue
		}
		seen[lw] = struct{}{}
		out = append(out, lw)
	}
	return out
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
