package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"carevault/internal/audit"
	"carevault/internal/platform/metrics"
	"carevault/internal/record/models"
	"carevault/internal/record/ports"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
)

// Auditor is the slice of the audit log retention needs.
type Auditor interface {
	Append(ctx context.Context, ev audit.Event) (uint64, error)
	Trail(ctx context.Context, recordID domain.RecordID) ([]audit.Entry, error)
}

// Retrier runs a store call with backoff. *retry.Executor satisfies it.
type Retrier interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

type directRetrier struct{}

func (directRetrier) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// PurgeResult reports which transitions a Purge call performed.
type PurgeResult struct {
	Scheduled bool
	Purged    bool
}

// Purger drives a record through active -> pending_purge -> purged. The
// purge_scheduled entry is always on the chain before any ciphertext is
// discarded, and record_purged is appended only after the delete succeeds.
// Calls for the same record are serialized, so erasure and the sweeper must
// share one Purger.
type Purger struct {
	store   ports.RecordStore
	auditor Auditor
	retrier Retrier
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   recordLocks
}

// recordLocks hands out one mutex per record id while it is in use.
type recordLocks struct {
	mu   sync.Mutex
	byID map[domain.RecordID]*recordLock
}

type recordLock struct {
	ch   chan struct{}
	refs int
}

// lock blocks until id is free or ctx is done. The returned func releases it.
func (l *recordLocks) lock(ctx context.Context, id domain.RecordID) (func(), error) {
	l.mu.Lock()
	if l.byID == nil {
		l.byID = make(map[domain.RecordID]*recordLock)
	}
	rl, ok := l.byID[id]
	if !ok {
		rl = &recordLock{ch: make(chan struct{}, 1)}
		l.byID[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.byID, id)
		}
		l.mu.Unlock()
	}

	select {
	case rl.ch <- struct{}{}:
		return func() {
			<-rl.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	retrier  Retrier
	locker   Locker
	verifier ChainVerifier
	clock    func() time.Time
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRetrier wraps store calls. Without it each call is attempted once.
func WithRetrier(r Retrier) Option {
	return func(o *options) {
		o.retrier = r
	}
}

// WithLocker guards sweeps across replicas.
func WithLocker(l Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithChainVerifier verifies the whole audit chain after every sweep.
func WithChainVerifier(v ChainVerifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, retrier: directRetrier{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewPurger(store ports.RecordStore, auditor Auditor, opts ...Option) *Purger {
	o := buildOptions(opts)
	return &Purger{
		store:   store,
		auditor: auditor,
		retrier: o.retrier,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Purge advances meta towards purged. reason is recorded on the
// purge_scheduled entry. A record that is already purged yields a zero result.
// On error the record is left pending_purge and a later call resumes it.
func (p *Purger) Purge(ctx context.Context, meta models.RecordMeta, actor, reason string) (PurgeResult, error) {
	var res PurgeResult
	unlock, err := p.locks.lock(ctx, meta.ID)
	if err != nil {
		return res, dErrors.Wrap(err, dErrors.CodeTimeout, "waiting for record purge")
	}
	defer unlock()

	// meta may be stale by the time the lock is held.
	status := meta.Status
	if status != models.StatusActive {
		current, rerr := p.readStatus(ctx, meta.ID)
		if rerr != nil {
			return res, rerr
		}
		status = current
	}

	if status == models.StatusActive {
		err := p.retrier.Do(ctx, "record.update_status", func(ctx context.Context) error {
			return p.store.UpdateStatus(ctx, meta.ID, models.StatusActive, models.StatusPendingPurge)
		})
		switch {
		case err == nil:
			res.Scheduled = true
			status = models.StatusPendingPurge
		case errors.Is(err, sentinel.ErrInvalidState):
			// Someone else moved it first; continue from whatever it is now.
			current, rerr := p.readStatus(ctx, meta.ID)
			if rerr != nil {
				return res, rerr
			}
			status = current
		default:
			return res, storeError(err, "schedule purge")
		}
	}

	switch status {
	case models.StatusPurged:
		return res, nil
	case models.StatusPendingPurge:
	default:
		return res, dErrors.New(dErrors.CodeInvariantViolation, "record cannot be purged from status "+status.String())
	}

	var scheduledLogged, purgedLogged bool
	if !res.Scheduled {
		trail, err := p.auditor.Trail(ctx, meta.ID)
		if err != nil {
			return res, err
		}
		scheduledLogged, purgedLogged = scanTrail(trail)
	}

	if !scheduledLogged {
		if err := p.append(ctx, meta, actor, audit.ActionPurgeScheduled, audit.OutcomeSuccess, reason); err != nil {
			return res, err
		}
	}

	if !purgedLogged {
		err := p.retrier.Do(ctx, "record.delete", func(ctx context.Context) error {
			return p.store.Delete(ctx, meta.ID)
		})
		if err != nil {
			p.metrics.IncPurgeFailure()
			derr := storeError(err, "delete record payload")
			if aerr := p.append(ctx, meta, actor, audit.ActionPurgeFailed, audit.OutcomeFailed, string(dErrors.CodeOf(derr))); aerr != nil && p.logger != nil {
				p.logger.ErrorContext(ctx, "failed to audit purge failure", "record_id", meta.ID.String(), "error", aerr)
			}
			return res, derr
		}
		if err := p.append(ctx, meta, actor, audit.ActionRecordPurged, audit.OutcomeSuccess, reason); err != nil {
			return res, err
		}
	}

	err = p.retrier.Do(ctx, "record.update_status", func(ctx context.Context) error {
		return p.store.UpdateStatus(ctx, meta.ID, models.StatusPendingPurge, models.StatusPurged)
	})
	if err != nil && !errors.Is(err, sentinel.ErrInvalidState) {
		return res, storeError(err, "mark purged")
	}
	res.Purged = err == nil
	if res.Purged {
		p.metrics.IncPurged()
		if p.logger != nil {
			p.logger.InfoContext(ctx, string(audit.ActionRecordPurged),
				"log_type", "audit",
				"record_id", meta.ID.String(),
				"category", meta.Category.String(),
				"reason", reason,
			)
		}
	}
	return res, nil
}

func (p *Purger) readStatus(ctx context.Context, id domain.RecordID) (models.Status, error) {
	var rec *models.ProtectedRecord
	err := p.retrier.Do(ctx, "record.read", func(ctx context.Context) error {
		var err error
		rec, err = p.store.Read(ctx, id)
		return err
	})
	if err != nil {
		return "", storeError(err, "reload record")
	}
	return rec.Status, nil
}

func (p *Purger) append(ctx context.Context, meta models.RecordMeta, actor string, action audit.Action, outcome audit.Outcome, reason string) error {
	_, err := p.auditor.Append(ctx, audit.Event{
		Actor:    actor,
		Action:   action,
		RecordID: meta.ID,
		OwnerID:  meta.OwnerID,
		Outcome:  outcome,
		Reason:   reason,
	})
	return err
}

// scanTrail reports whether the current lifecycle already logged the
// scheduling and the purge of a record.
func scanTrail(trail []audit.Entry) (scheduled, purged bool) {
	for _, e := range trail {
		if e.Outcome != audit.OutcomeSuccess {
			continue
		}
		switch e.Action {
		case audit.ActionPurgeScheduled:
			scheduled = true
		case audit.ActionRecordPurged:
			purged = true
		}
	}
	return scheduled, purged
}

// storeError translates sentinel errors from the record store.
func storeError(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, msg)
	}
}
