package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"carevault/internal/record/models"
	"carevault/internal/record/ports"
	"carevault/internal/risk"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
	txcontext "carevault/pkg/platform/tx"
)

const uniqueViolation = "23505"

// BlobStore holds ciphertext outside the database when configured.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Key(id domain.RecordID) string
}

// Store persists record metadata in PostgreSQL. Ciphertext lives inline
// unless a BlobStore is configured.
type Store struct {
	db    *sql.DB
	blobs BlobStore
	clock func() time.Time
}

type Option func(*Store)

func WithBlobStore(b BlobStore) Option {
	return func(s *Store) {
		s.blobs = b
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Write(ctx context.Context, req models.WriteRequest) (domain.RecordID, error) {
	r := req.Record
	if r == nil || r.ID.IsNil() {
		return domain.RecordID{}, fmt.Errorf("write record: missing id: %w", sentinel.ErrPermanent)
	}
	snapshot, err := json.Marshal(r.ConsentSnapshot)
	if err != nil {
		return domain.RecordID{}, fmt.Errorf("marshal consent snapshot: %w", sentinel.ErrPermanent)
	}

	ciphertext := r.Payload.Ciphertext
	var blobKey sql.NullString
	if s.blobs != nil {
		key := s.blobs.Key(r.ID)
		if err := s.blobs.Put(ctx, key, r.Payload.Ciphertext); err != nil {
			return domain.RecordID{}, fmt.Errorf("put record blob: %w", err)
		}
		ciphertext = nil
		blobKey = sql.NullString{String: key, Valid: true}
	}

	query := `
		INSERT INTO protected_records (
			id, owner_id, category, ciphertext, nonce, tag, key_version, blob_key,
			risk_level, risk_score, intervention_needed, consent_snapshot, schema_version,
			created_at, retention_expiry, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`
	exec := txcontext.Executor(ctx, s.db)
	res, err := exec.ExecContext(ctx, query,
		uuid.UUID(r.ID), uuid.UUID(r.OwnerID), string(r.Category),
		ciphertext, r.Payload.Nonce, r.Payload.Tag, r.Payload.KeyVersion, blobKey,
		string(r.Verdict.Level), r.Verdict.Score, r.Verdict.InterventionNeeded, snapshot, r.SchemaVersion,
		r.CreatedAt, r.RetentionExpiry, string(r.Status),
	)
	if err != nil {
		if blobKey.Valid {
			_ = s.blobs.Delete(ctx, blobKey.String)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.RecordID{}, fmt.Errorf("write record %s: %w", r.ID, sentinel.ErrConflict)
		}
		return domain.RecordID{}, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.RecordID{}, fmt.Errorf("insert record: %w", err)
	}
	if n == 1 {
		return r.ID, nil
	}

	// The id is taken. A retried write whose first attempt committed finds its
	// own row and succeeds.
	var (
		ownerID uuid.UUID
		nonce   []byte
		status  string
	)
	err = exec.QueryRowContext(ctx,
		`SELECT owner_id, nonce, status FROM protected_records WHERE id = $1`, uuid.UUID(r.ID),
	).Scan(&ownerID, &nonce, &status)
	if err != nil {
		return domain.RecordID{}, fmt.Errorf("lookup existing record: %w", err)
	}
	if domain.OwnerID(ownerID) == r.OwnerID && models.Status(status) == models.StatusActive &&
		len(nonce) > 0 && bytes.Equal(nonce, r.Payload.Nonce) {
		return r.ID, nil
	}
	return domain.RecordID{}, fmt.Errorf("write record %s: %w", r.ID, sentinel.ErrConflict)
}

func (s *Store) Read(ctx context.Context, id domain.RecordID) (*models.ProtectedRecord, error) {
	query := `
		SELECT id, owner_id, category, ciphertext, nonce, tag, key_version, blob_key,
			risk_level, risk_score, intervention_needed, consent_snapshot, schema_version,
			created_at, retention_expiry, status, purged_at
		FROM protected_records
		WHERE id = $1
	`
	var (
		r        models.ProtectedRecord
		recID    uuid.UUID
		ownerID  uuid.UUID
		category string
		level    string
		status   string
		snapshot []byte
		blobKey  sql.NullString
		purgedAt sql.NullTime
	)
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(id)).Scan(
		&recID, &ownerID, &category,
		&r.Payload.Ciphertext, &r.Payload.Nonce, &r.Payload.Tag, &r.Payload.KeyVersion, &blobKey,
		&level, &r.Verdict.Score, &r.Verdict.InterventionNeeded, &snapshot, &r.SchemaVersion,
		&r.CreatedAt, &r.RetentionExpiry, &status, &purgedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read record %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	r.ID = domain.RecordID(recID)
	r.OwnerID = domain.OwnerID(ownerID)
	r.Category = domain.Category(category)
	r.Verdict.Level = risk.Level(level)
	r.Status = models.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.RetentionExpiry = r.RetentionExpiry.UTC()
	if purgedAt.Valid {
		t := purgedAt.Time.UTC()
		r.PurgedAt = &t
	}
	if err := json.Unmarshal(snapshot, &r.ConsentSnapshot); err != nil {
		return nil, fmt.Errorf("decode consent snapshot: %w", err)
	}

	if blobKey.Valid && s.blobs != nil {
		data, err := s.blobs.Get(ctx, blobKey.String)
		if err != nil {
			return nil, fmt.Errorf("get record blob: %w", err)
		}
		r.Payload.Ciphertext = data
	}
	return &r, nil
}

// Delete discards ciphertext and keeps the metadata row as a tombstone.
func (s *Store) Delete(ctx context.Context, id domain.RecordID) error {
	exec := txcontext.Executor(ctx, s.db)
	if s.blobs != nil {
		var blobKey sql.NullString
		err := exec.QueryRowContext(ctx, `SELECT blob_key FROM protected_records WHERE id = $1`, uuid.UUID(id)).Scan(&blobKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup record blob: %w", err)
		}
		if blobKey.Valid {
			if err := s.blobs.Delete(ctx, blobKey.String); err != nil {
				return fmt.Errorf("delete record blob: %w", err)
			}
		}
	}
	query := `
		UPDATE protected_records
		SET ciphertext = NULL, nonce = NULL, tag = NULL, blob_key = NULL
		WHERE id = $1
	`
	if _, err := exec.ExecContext(ctx, query, uuid.UUID(id)); err != nil {
		return fmt.Errorf("discard record payload: %w", err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id domain.RecordID, from, to models.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("update record %s from %s to %s: %w", id, from, to, sentinel.ErrInvalidState)
	}
	exec := txcontext.Executor(ctx, s.db)
	var purgedAt sql.NullTime
	if to == models.StatusPurged {
		purgedAt = sql.NullTime{Time: s.clock().UTC(), Valid: true}
	}
	query := `
		UPDATE protected_records
		SET status = $3, purged_at = COALESCE($4, purged_at)
		WHERE id = $1 AND status = $2
	`
	res, err := exec.ExecContext(ctx, query, uuid.UUID(id), string(from), string(to), purgedAt)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = exec.QueryRowContext(ctx, `SELECT status FROM protected_records WHERE id = $1`, uuid.UUID(id)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update record %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	return fmt.Errorf("update record %s from %s (current %s): %w", id, from, current, sentinel.ErrInvalidState)
}

// ListDue selects expired active records and every record still pending purge.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecordMeta, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, owner_id, category, created_at, retention_expiry, status
		FROM protected_records
		WHERE (status = 'active' AND retention_expiry <= $1)
			OR status = ANY($2::text[])
		ORDER BY retention_expiry, id
		LIMIT $3
	`
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query,
		now, pq.Array([]string{string(models.StatusPendingPurge)}), limit)
	if err != nil {
		return nil, fmt.Errorf("list due records: %w", err)
	}
	defer rows.Close()
	return scanMetas(rows)
}

// ListByOwner returns metadata for all of owner's records, tombstones included.
func (s *Store) ListByOwner(ctx context.Context, owner domain.OwnerID) ([]models.RecordMeta, error) {
	query := `
		SELECT id, owner_id, category, created_at, retention_expiry, status
		FROM protected_records
		WHERE owner_id = $1
		ORDER BY created_at, id
	`
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, uuid.UUID(owner))
	if err != nil {
		return nil, fmt.Errorf("list owner records: %w", err)
	}
	defer rows.Close()
	return scanMetas(rows)
}

func scanMetas(rows *sql.Rows) ([]models.RecordMeta, error) {
	var out []models.RecordMeta
	for rows.Next() {
		var (
			m        models.RecordMeta
			recID    uuid.UUID
			ownerID  uuid.UUID
			category string
			status   string
		)
		if err := rows.Scan(&recID, &ownerID, &category, &m.CreatedAt, &m.RetentionExpiry, &status); err != nil {
			return nil, fmt.Errorf("scan record metadata: %w", err)
		}
		m.ID = domain.RecordID(recID)
		m.OwnerID = domain.OwnerID(ownerID)
		m.Category = domain.Category(category)
		m.Status = models.Status(status)
		m.CreatedAt = m.CreatedAt.UTC()
		m.RetentionExpiry = m.RetentionExpiry.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record metadata: %w", err)
	}
	return out, nil
}

var _ ports.RecordStore = (*Store)(nil)
