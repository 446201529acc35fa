// Package risk scores assessment responses for self-harm and crisis risk.
// Assess itself is pure and deterministic.
package risk

import "math"

// scaleField is one 1-10 answer with its weight and direction.
type scaleField struct {
	value       *int
	weight      float64
	higherIsBad bool
}

const (
	// scaleCeiling caps the structured sub-score so scales alone never reach crisis.
	scaleCeiling = 0.7

	lowUpper      = 0.25
	moderateUpper = 0.5
	highUpper     = 0.8
)

func (r Responses) scales() []scaleField {
	return []scaleField{
		{value: r.MoodRating, weight: 0.30},
		{value: r.AnxietyLevel, weight: 0.20, higherIsBad: true},
		{value: r.StressLevel, weight: 0.15, higherIsBad: true},
		{value: r.SleepQuality, weight: 0.10},
		{value: r.EnergyLevel, weight: 0.10},
		{value: r.SocialInteraction, weight: 0.05},
		{value: r.Concentration, weight: 0.05},
		{value: r.Appetite, weight: 0.05},
	}
}

// Assessor applies a lexicon to responses.
type Assessor struct {
	lexicon *Lexicon
}

func NewAssessor(lexicon *Lexicon) *Assessor {
	return &Assessor{lexicon: lexicon}
}

// Assess never fails. Empty responses yield LevelNone with InsufficientData set.
func (a *Assessor) Assess(r Responses) Verdict {
	if r.Empty() {
		return Verdict{Level: LevelNone, Score: 0, InsufficientData: true}
	}

	lexSum, intent := a.lexicon.match(r.freeText())
	score := math.Min(1, scaleScore(r)+lexSum)

	level := levelFor(score)
	if intent {
		level = LevelCrisis
	}
	return Verdict{
		Level:              level,
		Score:              score,
		InterventionNeeded: level == LevelHigh || level == LevelCrisis,
	}
}

func scaleScore(r Responses) float64 {
	var sum float64
	for _, f := range r.scales() {
		if f.value == nil {
			continue
		}
		sum += f.weight * severity(*f.value, f.higherIsBad)
	}
	return sum * scaleCeiling
}

// severity maps a 1-10 answer onto [0,1], clamping out-of-range input.
func severity(v int, higherIsBad bool) float64 {
	v = min(max(v, 1), 10)
	if higherIsBad {
		return float64(v-1) / 9
	}
	return float64(10-v) / 9
}

func levelFor(score float64) Level {
	switch {
	case score <= 0:
		return LevelNone
	case score < lowUpper:
		return LevelLow
	case score < moderateUpper:
		return LevelModerate
	case score < highUpper:
		return LevelHigh
	default:
		return LevelCrisis
	}
}
