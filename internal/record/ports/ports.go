package ports

import (
	"context"
	"time"

	"carevault/internal/record/models"
	"carevault/pkg/domain"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks RecordStore

// RecordStore is the storage engine boundary. Implementations return
// pkg/platform/sentinel errors: ErrNotFound for missing records, ErrConflict
// for a duplicate id that is not a repeat of the same write, ErrInvalidState
// when a compare-and-set misses.
type RecordStore interface {
	Write(ctx context.Context, req models.WriteRequest) (domain.RecordID, error)
	Read(ctx context.Context, id domain.RecordID) (*models.ProtectedRecord, error)
	// Delete discards ciphertext and keeps the metadata tombstone. Deleting an
	// absent or already purged payload is a no-op.
	Delete(ctx context.Context, id domain.RecordID) error
	// UpdateStatus moves id from one status to another only if it is still in from.
	UpdateStatus(ctx context.Context, id domain.RecordID, from, to models.Status) error
	// ListDue returns active records whose expiry is at or before now, plus every
	// pending_purge record, oldest expiry first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecordMeta, error)
	// ListByOwner returns metadata for every record of owner, purged tombstones
	// included, oldest first.
	ListByOwner(ctx context.Context, owner domain.OwnerID) ([]models.RecordMeta, error)
}
