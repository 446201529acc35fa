package risk

// Level is the severity tier of a verdict.
type Level string

const (
	LevelNone     Level = "none"
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelCrisis   Level = "crisis"
)

var levelRank = map[Level]int{
	LevelNone:     0,
	LevelLow:      1,
	LevelModerate: 2,
	LevelHigh:     3,
	LevelCrisis:   4,
}

// Rank orders levels; unknown values rank below none.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return -1
}

func (l Level) String() string { return string(l) }

// Verdict is the outcome of one assessment. It carries no input text.
type Verdict struct {
	Level              Level   `json:"level"`
	Score              float64 `json:"score"`
	InterventionNeeded bool    `json:"intervention_needed"`
	InsufficientData   bool    `json:"insufficient_data,omitempty"`
}

// AssessmentType mirrors the intake form variants.
type AssessmentType string

const (
	AssessmentScreening AssessmentType = "screening"
	AssessmentDetailed  AssessmentType = "detailed"
	AssessmentFollowUp  AssessmentType = "follow_up"
)

// CurrentSchemaVersion is stamped on payloads that omit a version.
const CurrentSchemaVersion = 1

// Responses is the normalized assessment payload. Scale answers run 1 to 10
// and are nil when unanswered.
type Responses struct {
	SchemaVersion  int            `json:"schema_version"`
	AssessmentType AssessmentType `json:"assessment_type,omitempty"`

	MoodRating        *int `json:"mood_rating,omitempty"`
	AnxietyLevel      *int `json:"anxiety_level,omitempty"`
	SleepQuality      *int `json:"sleep_quality,omitempty"`
	StressLevel       *int `json:"stress_level,omitempty"`
	EnergyLevel       *int `json:"energy_level,omitempty"`
	SocialInteraction *int `json:"social_interaction,omitempty"`
	Concentration     *int `json:"concentration,omitempty"`
	Appetite          *int `json:"appetite,omitempty"`

	Symptoms          []string `json:"symptoms,omitempty"`
	Triggers          []string `json:"triggers,omitempty"`
	SupportSystem     string   `json:"support_system,omitempty"`
	Duration          string   `json:"duration,omitempty"`
	PreviousEpisodes  *bool    `json:"previous_episodes,omitempty"`
	MedicationHistory string   `json:"medication_history,omitempty"`
}

// Empty reports whether no scale or free-text answer is present.
func (r Responses) Empty() bool {
	for _, s := range r.scales() {
		if s.value != nil {
			return false
		}
	}
	return len(r.freeText()) == 0
}

// freeText collects every non-empty free-text answer.
func (r Responses) freeText() []string {
	var out []string
	for _, s := range r.Symptoms {
		if s != "" {
			out = append(out, s)
		}
	}
	for _, s := range r.Triggers {
		if s != "" {
			out = append(out, s)
		}
	}
	for _, s := range []string{r.SupportSystem, r.Duration, r.MedicationHistory} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
