package main

import (
	"context"
	"database/sql"
	"time"

	consentservice "carevault/internal/consent/service"
	consentstore "carevault/internal/consent/store"
	dErrors "carevault/pkg/domain-errors"
	txcontext "carevault/pkg/platform/tx"
)

const defaultConsentTxTimeout = 5 * time.Second

// consentPostgresTx runs a consent write in one database transaction. The
// audit entry is written through the pool, so a grant whose commit fails
// after its audit append leaves an entry without a grant; the reverse cannot
// happen.
type consentPostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newConsentPostgresTx(db *sql.DB) *consentPostgresTx {
	return &consentPostgresTx{db: db}
}

func (t *consentPostgresTx) RunInTx(ctx context.Context, fn func(store consentservice.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultConsentTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := txcontext.Run(ctx, t.db, func(ctx context.Context) error {
		sqlTx, _ := txcontext.From(ctx)
		return fn(consentstore.NewPostgresTx(sqlTx))
	})
	if err != nil && dErrors.CodeOf(err) == dErrors.CodeInternal {
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "consent transaction")
	}
	return err
}
