package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"carevault/internal/consent/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
	txcontext "carevault/pkg/platform/tx"
)

// PostgresStore persists grants in consent_grants. append_seq preserves
// insertion order for equal timestamps.
type PostgresStore struct {
	exec txcontext.DBTX
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{exec: db}
}

// NewPostgresTx binds a store to an open transaction.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{exec: tx}
}

func (s *PostgresStore) Append(ctx context.Context, grant *models.Grant) error {
	query := `
		INSERT INTO consent_grants (id, owner_id, consent_type, granted, granted_at, actor)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.exec.ExecContext(ctx, query,
		uuid.UUID(grant.ID),
		uuid.UUID(grant.OwnerID),
		string(grant.Type),
		grant.Granted,
		grant.Timestamp,
		grant.Actor,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("append grant %s: %w", grant.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert consent grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner domain.OwnerID) ([]*models.Grant, error) {
	query := `
		SELECT id, owner_id, consent_type, granted, granted_at, actor
		FROM consent_grants
		WHERE owner_id = $1
		ORDER BY append_seq
	`
	rows, err := s.exec.QueryContext(ctx, query, uuid.UUID(owner))
	if err != nil {
		return nil, fmt.Errorf("query consent grants: %w", err)
	}
	defer rows.Close()

	var out []*models.Grant
	for rows.Next() {
		var (
			g           models.Grant
			id, ownerID uuid.UUID
			consentType string
		)
		if err := rows.Scan(&id, &ownerID, &consentType, &g.Granted, &g.Timestamp, &g.Actor); err != nil {
			return nil, fmt.Errorf("scan consent grant: %w", err)
		}
		g.ID = domain.GrantID(id)
		g.OwnerID = domain.OwnerID(ownerID)
		g.Type = domain.ConsentType(consentType)
		g.Timestamp = g.Timestamp.UTC()
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent grants: %w", err)
	}
	return out, nil
}
