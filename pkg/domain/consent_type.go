package domain

import dErrors "carevault/pkg/domain-errors"

// ConsentType is a domain value that identifies which processing a subject
// has agreed to. Invariant: the value must be one of the supported types.
//
// Usage: construct via ParseConsentType at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type ConsentType string

// Supported consent types.
const (
	// ConsentDataProcessing gates ingest and retrieval of protected records.
	ConsentDataProcessing  ConsentType = "data_processing"
	ConsentMedicalAnalysis ConsentType = "medical_analysis"
	ConsentDataStorage     ConsentType = "data_storage"
	// ConsentCrisisIntervention allows crisis verdicts to be routed to responders.
	ConsentCrisisIntervention ConsentType = "crisis_intervention"
	ConsentResearch           ConsentType = "research"
)

// validConsentTypes is the single source of truth for valid consent types.
var validConsentTypes = map[ConsentType]bool{
	ConsentDataProcessing:     true,
	ConsentMedicalAnalysis:    true,
	ConsentDataStorage:        true,
	ConsentCrisisIntervention: true,
	ConsentResearch:           true,
}

// AllConsentTypes lists the supported types in a stable order.
func AllConsentTypes() []ConsentType {
	return []ConsentType{
		ConsentDataProcessing,
		ConsentMedicalAnalysis,
		ConsentDataStorage,
		ConsentCrisisIntervention,
		ConsentResearch,
	}
}

// ParseConsentType constructs a ConsentType from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unsupported.
func ParseConsentType(s string) (ConsentType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "consent type cannot be empty")
	}
	t := ConsentType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid consent type")
	}
	return t, nil
}

// IsValid checks if the consent type is one of the supported enum values.
func (t ConsentType) IsValid() bool {
	return validConsentTypes[t]
}

func (t ConsentType) String() string {
	return string(t)
}
