package audit

import (
	"context"

	"carevault/pkg/domain"
)

// Store persists entries. Implementations must reject a second entry with an
// existing Seq with sentinel.ErrConflict.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Head returns the entry with the highest Seq, or nil when the chain is empty.
	Head(ctx context.Context) (*Entry, error)
	// Get returns the entry at seq or sentinel.ErrNotFound.
	Get(ctx context.Context, seq uint64) (*Entry, error)
	// Range returns entries with from <= Seq <= to in Seq order. to == 0 means no upper bound.
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	ListByRecord(ctx context.Context, recordID domain.RecordID) ([]Entry, error)
}
