package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"carevault/internal/risk"
	"carevault/pkg/domain"
)

func TestExpiry(t *testing.T) {
	created := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		category domain.Category
		want     time.Time
	}{
		{"general health keeps seven years", domain.CategoryGeneralHealth, time.Date(2031, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"standard mental health keeps seven years", domain.CategoryMentalHealthStandard, time.Date(2031, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"crisis keeps ten years", domain.CategoryMentalHealthCrisis, time.Date(2034, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expiry(tt.category, created)
			assert.Equal(t, tt.want, got)
			assert.False(t, got.Before(created.AddDate(StandardYears, 0, 0)))
		})
	}
}

func TestEscalateNeverLowers(t *testing.T) {
	categories := []domain.Category{
		domain.CategoryGeneralHealth,
		domain.CategoryMentalHealthStandard,
		domain.CategoryMentalHealthCrisis,
	}
	levels := []risk.Level{risk.LevelNone, risk.LevelLow, risk.LevelModerate, risk.LevelHigh, risk.LevelCrisis}

	for _, c := range categories {
		for _, l := range levels {
			got := Escalate(c, l)
			assert.Equal(t, got, got.AtLeast(c), "%s/%s lowered to %s", c, l, got)
			if l == risk.LevelCrisis {
				assert.Equal(t, domain.CategoryMentalHealthCrisis, got)
			} else {
				assert.Equal(t, c, got)
			}
		}
	}
}

func TestExtendNeverShortens(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	crisisExpiry := Expiry(domain.CategoryMentalHealthCrisis, created)

	assert.Equal(t, crisisExpiry, Extend(crisisExpiry, domain.CategoryGeneralHealth, created))

	standard := Expiry(domain.CategoryMentalHealthStandard, created)
	assert.Equal(t, crisisExpiry, Extend(standard, domain.CategoryMentalHealthCrisis, created))
}
