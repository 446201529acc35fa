package audit

import (
	"time"

	"carevault/pkg/domain"
)

// Action names a state transition or access recorded on the chain.
type Action string

const (
	ActionRecordIngested   Action = "record_ingested"
	ActionRecordAccessed   Action = "record_accessed"
	ActionErasureRequested Action = "erasure_requested"
	ActionPurgeScheduled   Action = "purge_scheduled"
	ActionRecordPurged     Action = "record_purged"
	ActionConsentGranted   Action = "consent_granted"
	ActionConsentWithdrawn Action = "consent_withdrawn"
	ActionPrivacyReport    Action = "privacy_report_generated"

	ActionIngestFailed   Action = "ingest_failed"
	ActionRetrieveFailed Action = "retrieve_failed"
	ActionErasureFailed  Action = "erasure_failed"
	ActionPurgeFailed    Action = "purge_failed"
)

// Outcome records how an action ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailed        Outcome = "failed"
	OutcomeDenied        Outcome = "denied"
	OutcomeAlreadyPurged Outcome = "already_purged"
)

// Reasons used across the core.
const (
	ReasonRetentionExpired = "retention_expired"
	ReasonSubjectRequest   = "subject_request"
)

// Event is what callers hand to Append. It carries metadata only.
type Event struct {
	Actor    string
	Action   Action
	RecordID domain.RecordID
	OwnerID  domain.OwnerID
	Outcome  Outcome
	Reason   string
}

// Entry is an immutable link in the hash chain.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Actor     string
	Action    Action
	RecordID  domain.RecordID
	OwnerID   domain.OwnerID
	Outcome   Outcome
	Reason    string
	PrevHash  []byte
	Hash      []byte
}
