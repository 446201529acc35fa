package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"carevault/internal/risk"
	dErrors "carevault/pkg/domain-errors"
	strutil "carevault/pkg/platform/strings"
)

// Input limits applied at the pipeline boundary.
const (
	MinScale      = 1
	MaxScale      = 10
	MaxSymptoms   = 10
	MaxTriggers   = 50
	MaxTextLength = 1000
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`)
	markupTag   = regexp.MustCompile(`(?s)<[^>]*>`)
	// Injection fragments that survive tag stripping.
	injection  = regexp.MustCompile(`(?i)javascript\s*:|on(load|error|click|mouseover)\s*=|eval\s*\(|document\.|window\.|alert\s*\(`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalize validates r and returns a sanitized copy stamped with a schema
// version. Free text is stripped of markup before it is scored or stored.
func Normalize(r risk.Responses) (risk.Responses, error) {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = risk.CurrentSchemaVersion
	}
	if r.SchemaVersion != risk.CurrentSchemaVersion {
		return r, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported schema version %d", r.SchemaVersion))
	}
	switch r.AssessmentType {
	case "", risk.AssessmentScreening, risk.AssessmentDetailed, risk.AssessmentFollowUp:
	default:
		return r, dErrors.New(dErrors.CodeValidation, "invalid assessment type")
	}

	scales := []struct {
		name  string
		value *int
	}{
		{"mood_rating", r.MoodRating},
		{"anxiety_level", r.AnxietyLevel},
		{"sleep_quality", r.SleepQuality},
		{"stress_level", r.StressLevel},
		{"energy_level", r.EnergyLevel},
		{"social_interaction", r.SocialInteraction},
		{"concentration", r.Concentration},
		{"appetite", r.Appetite},
	}
	for _, s := range scales {
		if s.value != nil && (*s.value < MinScale || *s.value > MaxScale) {
			return r, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s must be between %d and %d", s.name, MinScale, MaxScale))
		}
	}

	if len(r.Symptoms) > MaxSymptoms {
		return r, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("at most %d symptoms are allowed", MaxSymptoms))
	}
	if len(r.Triggers) > MaxTriggers {
		return r, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("at most %d triggers are allowed", MaxTriggers))
	}

	var err error
	if r.Symptoms, err = sanitizeList("symptoms", r.Symptoms); err != nil {
		return r, err
	}
	if r.Triggers, err = sanitizeList("triggers", r.Triggers); err != nil {
		return r, err
	}
	for _, f := range []struct {
		name string
		text *string
	}{
		{"support_system", &r.SupportSystem},
		{"duration", &r.Duration},
		{"medication_history", &r.MedicationHistory},
	} {
		if *f.text, err = sanitizeField(f.name, *f.text); err != nil {
			return r, err
		}
	}
	return r, nil
}

func sanitizeList(name string, items []string) ([]string, error) {
	if items == nil {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		clean, err := sanitizeField(name, item)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return strutil.DedupeFold(out), nil
}

func sanitizeField(name, s string) (string, error) {
	if len(s) > MaxTextLength {
		return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds %d characters", name, MaxTextLength))
	}
	return Sanitize(s), nil
}

// Sanitize strips script blocks, markup and known injection fragments and
// collapses whitespace. Apostrophes are kept so phrases still match the
// risk lexicon.
func Sanitize(s string) string {
	s = scriptBlock.ReplaceAllString(s, " ")
	s = markupTag.ReplaceAllString(s, " ")
	s = injection.ReplaceAllString(s, " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
