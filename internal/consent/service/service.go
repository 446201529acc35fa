// Package service implements the consent ledger: append-only grants with a
// default-deny check.
package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"carevault/internal/audit"
	"carevault/internal/consent/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// AuditAppender is the slice of the audit log the ledger needs.
type AuditAppender interface {
	Append(ctx context.Context, ev audit.Event) (uint64, error)
}

// Ledger records consent decisions. Every recorded decision produces exactly
// one audit entry; if that append fails the decision is discarded.
type Ledger struct {
	store   Store
	tx      ConsentStoreTx
	auditor AuditAppender
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func NewLedger(store Store, tx ConsentStoreTx, auditor AuditAppender, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		tx:      tx,
		auditor: auditor,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordConsent appends a grant or withdrawal for owner.
func (l *Ledger) RecordConsent(ctx context.Context, owner domain.OwnerID, consentType domain.ConsentType, granted bool, actor string) (*models.Grant, error) {
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "owner id is required")
	}
	if !consentType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid consent type")
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "actor is required")
	}

	grant := &models.Grant{
		ID:        domain.NewGrantID(),
		OwnerID:   owner,
		Type:      consentType,
		Granted:   granted,
		Timestamp: l.clock().UTC().Truncate(time.Microsecond),
		Actor:     actor,
	}
	action := audit.ActionConsentGranted
	if !granted {
		action = audit.ActionConsentWithdrawn
	}

	err := l.tx.RunInTx(withTxOwner(ctx, owner), func(store Store) error {
		if err := store.Append(ctx, grant); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "append consent grant")
		}
		_, err := l.auditor.Append(ctx, audit.Event{
			Actor:   actor,
			Action:  action,
			OwnerID: owner,
			Outcome: audit.OutcomeSuccess,
			Reason:  string(consentType),
		})
		return err
	})
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			err = dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "record consent")
		}
		return nil, err
	}

	l.logAudit(ctx, string(action),
		"owner_id", owner.String(),
		"consent_type", string(consentType),
	)
	return grant, nil
}

// IsGranted returns the latest decision, or false when none exists.
func (l *Ledger) IsGranted(ctx context.Context, owner domain.OwnerID, consentType domain.ConsentType) (bool, error) {
	grants, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load consent")
	}
	g := models.Latest(grants, consentType)
	return g != nil && g.Granted, nil
}

// History returns every grant for owner ordered by timestamp, ties in append order.
func (l *Ledger) History(ctx context.Context, owner domain.OwnerID) ([]*models.Grant, error) {
	grants, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load consent history")
	}
	out := append([]*models.Grant(nil), grants...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Snapshot returns the effective value of every consent type.
func (l *Ledger) Snapshot(ctx context.Context, owner domain.OwnerID) (map[domain.ConsentType]bool, error) {
	grants, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load consent snapshot")
	}
	return models.Snapshot(grants), nil
}

func (l *Ledger) logAudit(ctx context.Context, event string, attrs ...any) {
	if l.logger == nil {
		return
	}
	args := append(attrs, "event", event, "log_type", "audit")
	l.logger.InfoContext(ctx, event, args...)
}
