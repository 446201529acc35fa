// Package retention decides how long protected records live and removes them
// once that period ends.
package retention

import (
	"time"

	"carevault/internal/risk"
	"carevault/pkg/domain"
)

// Retention floors. These are policy constants and are not configurable.
const (
	StandardYears = 7
	CrisisYears   = 10
)

// Expiry returns the earliest moment a record of category created at
// createdAt may be purged.
func Expiry(category domain.Category, createdAt time.Time) time.Time {
	if category == domain.CategoryMentalHealthCrisis {
		return createdAt.AddDate(CrisisYears, 0, 0)
	}
	return createdAt.AddDate(StandardYears, 0, 0)
}

// Escalate raises category to mental_health_crisis for a crisis verdict.
// The result is never less sensitive than category.
func Escalate(category domain.Category, level risk.Level) domain.Category {
	if level == risk.LevelCrisis {
		return category.AtLeast(domain.CategoryMentalHealthCrisis)
	}
	return category
}

// Extend recomputes the expiry for category and keeps whichever is later.
func Extend(current time.Time, category domain.Category, createdAt time.Time) time.Time {
	next := Expiry(category, createdAt)
	if next.After(current) {
		return next
	}
	return current
}
