package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"carevault/internal/audit"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// Store persists the chain in audit_entries. It always writes through the
// pool rather than an ambient transaction, so the log's cached head never
// points at a row that a caller later rolls back.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `seq, occurred_at, actor, action, record_id, owner_id, outcome, reason, prev_hash, hash`

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	query := `
		INSERT INTO audit_entries (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		int64(e.Seq),
		e.Timestamp,
		e.Actor,
		string(e.Action),
		nullableUUID(uuid.UUID(e.RecordID)),
		nullableUUID(uuid.UUID(e.OwnerID)),
		string(e.Outcome),
		e.Reason,
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("append audit seq %d: %w", e.Seq, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) Head(ctx context.Context) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, seq uint64) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM audit_entries WHERE seq = $1`, int64(seq))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %d: %w", seq, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) Range(ctx context.Context, from, to uint64) ([]audit.Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_entries WHERE seq >= $1 AND ($2 = 0 OR seq <= $2) ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) ListByRecord(ctx context.Context, recordID domain.RecordID) ([]audit.Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_entries WHERE record_id = $1 ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(recordID))
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*audit.Entry, error) {
	var (
		e        audit.Entry
		seq      int64
		action   string
		outcome  string
		recordID uuid.NullUUID
		ownerID  uuid.NullUUID
	)
	if err := row.Scan(&seq, &e.Timestamp, &e.Actor, &action, &recordID, &ownerID, &outcome, &e.Reason, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	e.Timestamp = e.Timestamp.UTC()
	e.Action = audit.Action(action)
	e.Outcome = audit.Outcome(outcome)
	if recordID.Valid {
		e.RecordID = domain.RecordID(recordID.UUID)
	}
	if ownerID.Valid {
		e.OwnerID = domain.OwnerID(ownerID.UUID)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func nullableUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}

var _ audit.Store = (*Store)(nil)
