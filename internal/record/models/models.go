package models

import (
	"maps"
	"time"

	"carevault/internal/crypto/fieldcrypt"
	"carevault/internal/risk"
	"carevault/pkg/domain"
)

// Status is the lifecycle state of a protected record.
type Status string

const (
	StatusActive       Status = "active"
	StatusPendingPurge Status = "pending_purge"
	StatusPurged       Status = "purged"
)

func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusPendingPurge || s == StatusPurged
}

func (s Status) String() string { return string(s) }

// CanTransitionTo enforces the forward-only lifecycle. purged is terminal.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusActive:
		return to == StatusPendingPurge
	case StatusPendingPurge:
		return to == StatusPurged
	default:
		return false
	}
}

// ConsentSnapshot is a value copy of the owner's consents at ingest.
type ConsentSnapshot map[domain.ConsentType]bool

func (c ConsentSnapshot) Clone() ConsentSnapshot {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// ProtectedRecord is the unit of storage. Payload is only ever produced by
// the field encryptor.
type ProtectedRecord struct {
	ID              domain.RecordID
	OwnerID         domain.OwnerID
	Category        domain.Category
	Payload         fieldcrypt.Sealed
	Verdict         risk.Verdict
	SchemaVersion   int
	ConsentSnapshot ConsentSnapshot
	CreatedAt       time.Time
	RetentionExpiry time.Time
	Status          Status
	PurgedAt        *time.Time
}

// Meta projects the fields the retention sweeper may see.
func (r *ProtectedRecord) Meta() RecordMeta {
	return RecordMeta{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Category:        r.Category,
		CreatedAt:       r.CreatedAt,
		RetentionExpiry: r.RetentionExpiry,
		Status:          r.Status,
	}
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *ProtectedRecord) Clone() *ProtectedRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = fieldcrypt.Sealed{
		Ciphertext: cloneBytes(r.Payload.Ciphertext),
		Nonce:      cloneBytes(r.Payload.Nonce),
		Tag:        cloneBytes(r.Payload.Tag),
		KeyVersion: r.Payload.KeyVersion,
	}
	c.ConsentSnapshot = r.ConsentSnapshot.Clone()
	if r.PurgedAt != nil {
		t := *r.PurgedAt
		c.PurgedAt = &t
	}
	return &c
}

// RecordMeta carries no ciphertext.
type RecordMeta struct {
	ID              domain.RecordID
	OwnerID         domain.OwnerID
	Category        domain.Category
	CreatedAt       time.Time
	RetentionExpiry time.Time
	Status          Status
}

// WriteRequest asks the store to persist a new record.
type WriteRequest struct {
	Record *ProtectedRecord
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
