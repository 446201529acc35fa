package domain

import (
	"github.com/google/uuid"

	dErrors "carevault/pkg/domain-errors"
)

// OwnerID identifies the data subject a protected record belongs to.
type OwnerID uuid.UUID

// RecordID identifies a protected record. It is assigned by the core at
// ingest, before encryption, because it is bound into the ciphertext.
type RecordID uuid.UUID

// GrantID identifies one row of the consent ledger.
type GrantID uuid.UUID

func NewRecordID() RecordID { return RecordID(uuid.New()) }
func NewGrantID() GrantID   { return GrantID(uuid.New()) }

func (id OwnerID) String() string  { return uuid.UUID(id).String() }
func (id RecordID) String() string { return uuid.UUID(id).String() }
func (id GrantID) String() string  { return uuid.UUID(id).String() }

func (id OwnerID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id GrantID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }

// ParseOwnerID parses an owner identifier at a trust boundary.
func ParseOwnerID(s string) (OwnerID, error) {
	u, err := parseUUID(s, "owner id")
	return OwnerID(u), err
}

// ParseRecordID parses a record identifier at a trust boundary.
func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record id")
	return RecordID(u), err
}

// ParseGrantID parses a consent grant identifier.
func ParseGrantID(s string) (GrantID, error) {
	u, err := parseUUID(s, "grant id")
	return GrantID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs with CodeInvalidInput.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	// uuid.Parse also accepts urn and braced forms; keep to the canonical 36 chars.
	if len(s) != 36 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" must not be nil")
	}
	return u, nil
}
