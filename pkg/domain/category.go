package domain

import dErrors "carevault/pkg/domain-errors"

// Category classifies a protected record. It selects the encryption key
// purpose and the retention floor.
type Category string

const (
	CategoryGeneralHealth        Category = "general_health"
	CategoryMentalHealthStandard Category = "mental_health_standard"
	CategoryMentalHealthCrisis   Category = "mental_health_crisis"
)

// categoryRank orders categories by sensitivity. Escalation may only move up.
var categoryRank = map[Category]int{
	CategoryGeneralHealth:        1,
	CategoryMentalHealthStandard: 2,
	CategoryMentalHealthCrisis:   3,
}

// ParseCategory constructs a Category from external input.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "category cannot be empty")
	}
	c := Category(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid category")
	}
	return c, nil
}

func (c Category) IsValid() bool {
	_, ok := categoryRank[c]
	return ok
}

func (c Category) String() string {
	return string(c)
}

// AtLeast returns the more sensitive of c and other. Unknown values never win.
func (c Category) AtLeast(other Category) Category {
	if categoryRank[other] > categoryRank[c] {
		return other
	}
	return c
}
