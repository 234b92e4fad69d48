package scoring

import (
	"math"
	"time"

	"issueindex/internal/domain"
)

const (
	survivalOffset   = 2.0
	survivalExponent = 1.5
)

// SurvivalScore = (q + 1) / (days + 2)^1.5. Отрицательный возраст считается нулевым.
func SurvivalScore(quality, daysOld float64) float64 {
	if daysOld < 0 {
		daysOld = 0
	}
	return (quality + 1.0) / math.Pow(daysOld+survivalOffset, survivalExponent)
}

// DaysOld возраст в днях на момент now.
func DaysOld(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	return now.Sub(createdAt).Hours() / 24
}

// WithSurvival пересчитывает survival score на момент now.
func WithSurvival(item domain.ScoredItem, now time.Time) domain.ScoredItem {
	item.SurvivalScore = SurvivalScore(item.QualityScore, DaysOld(item.CreatedAt, now))
	return item
}
