// Package pipeline orchestrates consent, risk scoring, encryption, storage
// and auditing for protected records.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"carevault/internal/audit"
	"carevault/internal/crypto/fieldcrypt"
	"carevault/internal/platform/metrics"
	"carevault/internal/record/models"
	"carevault/internal/record/ports"
	"carevault/internal/retention"
	"carevault/internal/risk"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
)

// Sealer encrypts and opens record payloads. *fieldcrypt.Encryptor satisfies it.
type Sealer interface {
	Encrypt(ctx context.Context, cleartext []byte, category domain.Category, recordID domain.RecordID) (fieldcrypt.Sealed, error)
	Decrypt(ctx context.Context, sealed fieldcrypt.Sealed, category domain.Category, recordID domain.RecordID) ([]byte, error)
}

// Assessor scores responses. *risk.Assessor satisfies it.
type Assessor interface {
	Assess(r risk.Responses) risk.Verdict
}

// ConsentChecker is the read side of the consent ledger.
type ConsentChecker interface {
	IsGranted(ctx context.Context, owner domain.OwnerID, consentType domain.ConsentType) (bool, error)
	Snapshot(ctx context.Context, owner domain.OwnerID) (map[domain.ConsentType]bool, error)
}

// Auditor is the slice of the audit log the pipeline needs.
type Auditor interface {
	Append(ctx context.Context, ev audit.Event) (uint64, error)
	Trail(ctx context.Context, recordID domain.RecordID) ([]audit.Entry, error)
}

// IngestRequest carries a validated record from the API layer.
type IngestRequest struct {
	OwnerID   domain.OwnerID
	Category  domain.Category
	Responses risk.Responses
	Actor     string
}

// IngestResult never contains cleartext.
type IngestResult struct {
	RecordID domain.RecordID
	Verdict  risk.Verdict
	Category domain.Category
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store    ports.RecordStore
	sealer   Sealer
	assessor Assessor
	consent  ConsentChecker
	history  ConsentHistory
	auditor  Auditor
	purger   *retention.Purger
	retrier  retention.Retrier
	alerter  audit.Alerter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	tracer   trace.Tracer
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithRetrier wraps every record store call.
func WithRetrier(r retention.Retrier) Option {
	return func(p *Pipeline) {
		p.retrier = r
	}
}

// WithAlerter receives integrity failures detected on retrieve.
func WithAlerter(a audit.Alerter) Option {
	return func(p *Pipeline) {
		p.alerter = a
	}
}

// WithPurger shares a purger with the retention sweeper so erasure and sweeps
// of the same record are serialized.
func WithPurger(purger *retention.Purger) Option {
	return func(p *Pipeline) {
		p.purger = purger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func New(store ports.RecordStore, sealer Sealer, assessor Assessor, consent ConsentChecker, auditor Auditor, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		sealer:   sealer,
		assessor: assessor,
		consent:  consent,
		auditor:  auditor,
		clock:    time.Now,
		tracer:   otel.Tracer("carevault/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if h, ok := consent.(ConsentHistory); ok && p.history == nil {
		p.history = h
	}
	if p.purger == nil {
		popts := []retention.Option{retention.WithLogger(p.logger), retention.WithMetrics(p.metrics)}
		if p.retrier != nil {
			popts = append(popts, retention.WithRetrier(p.retrier))
		}
		p.purger = retention.NewPurger(store, auditor, popts...)
	}
	return p
}

// Ingest gates on consent, scores the cleartext, encrypts it and stores the
// record. The audit entry is appended only after the store acknowledges; if
// that append fails the stored ciphertext is removed again.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Ingest")
	defer span.End()
	defer p.metrics.ObserveOperation("ingest", time.Now())

	failed := audit.Event{Actor: req.Actor, Action: audit.ActionIngestFailed, OwnerID: req.OwnerID}

	if req.OwnerID.IsNil() {
		return nil, p.fail(ctx, span, "ingest", failed, dErrors.New(dErrors.CodeValidation, "owner id is required"))
	}
	if !req.Category.IsValid() {
		return nil, p.fail(ctx, span, "ingest", failed, dErrors.New(dErrors.CodeValidation, "invalid category"))
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, p.fail(ctx, span, "ingest", failed, dErrors.New(dErrors.CodeValidation, "actor is required"))
	}
	responses, err := Normalize(req.Responses)
	if err != nil {
		return nil, p.fail(ctx, span, "ingest", failed, err)
	}

	if err := p.requireConsent(ctx, req.OwnerID); err != nil {
		return nil, p.fail(ctx, span, "ingest", failed, err)
	}
	snapshot, err := p.consent.Snapshot(ctx, req.OwnerID)
	if err != nil {
		return nil, p.fail(ctx, span, "ingest", failed, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load consent snapshot"))
	}

	verdict := p.assessor.Assess(responses)
	p.metrics.IncRiskLevel(verdict.Level.String())
	if verdict.InsufficientData && p.logger != nil {
		p.logger.InfoContext(ctx, "insufficient data for risk assessment", "owner_id", req.OwnerID.String())
	}
	category := retention.Escalate(req.Category, verdict.Level)
	span.SetAttributes(
		attribute.String("record.category", category.String()),
		attribute.String("risk.level", verdict.Level.String()),
	)

	// The id is bound into the associated data, so it exists before encryption.
	recordID := domain.NewRecordID()
	failed.RecordID = recordID

	payload, err := json.Marshal(responses)
	if err != nil {
		return nil, p.fail(ctx, span, "ingest", failed, dErrors.Wrap(err, dErrors.CodeInternal, "encode responses"))
	}
	sealed, err := p.sealer.Encrypt(ctx, payload, category, recordID)
	if err != nil {
		return nil, p.fail(ctx, span, "ingest", failed, err)
	}

	now := p.clock().UTC()
	record := &models.ProtectedRecord{
		ID:              recordID,
		OwnerID:         req.OwnerID,
		Category:        category,
		Payload:         sealed,
		Verdict:         verdict,
		SchemaVersion:   responses.SchemaVersion,
		ConsentSnapshot: models.ConsentSnapshot(snapshot).Clone(),
		CreatedAt:       now,
		RetentionExpiry: retention.Expiry(category, now),
		Status:          models.StatusActive,
	}
	err = p.do(ctx, "record.write", func(ctx context.Context) error {
		_, err := p.store.Write(ctx, models.WriteRequest{Record: record})
		return err
	})
	if err != nil {
		p.discardIfStored(ctx, recordID)
		return nil, p.fail(ctx, span, "ingest", failed, storeError(err, "store record"))
	}

	_, err = p.auditor.Append(ctx, audit.Event{
		Actor:    req.Actor,
		Action:   audit.ActionRecordIngested,
		RecordID: recordID,
		OwnerID:  req.OwnerID,
		Outcome:  audit.OutcomeSuccess,
		Reason:   category.String(),
	})
	if err != nil {
		p.compensate(ctx, recordID)
		return nil, p.fail(ctx, span, "ingest", failed, err)
	}

	p.metrics.IncIngested(category.String())
	if p.logger != nil {
		p.logger.InfoContext(ctx, string(audit.ActionRecordIngested),
			"log_type", "audit",
			"record_id", recordID.String(),
			"owner_id", req.OwnerID.String(),
			"category", category.String(),
			"risk_level", verdict.Level.String(),
		)
		if verdict.InterventionNeeded {
			p.logger.WarnContext(ctx, "intervention needed",
				"record_id", recordID.String(),
				"risk_level", verdict.Level.String(),
			)
		}
	}
	return &IngestResult{RecordID: recordID, Verdict: verdict, Category: category}, nil
}

// compensate removes a record whose ingest could not be audited. The audit
// log is unavailable at this point, so the cleanup itself is only logged.
func (p *Pipeline) compensate(ctx context.Context, id domain.RecordID) {
	ctx = context.WithoutCancel(ctx)
	steps := []struct {
		op string
		fn func(ctx context.Context) error
	}{
		{"record.delete", func(ctx context.Context) error { return p.store.Delete(ctx, id) }},
		{"record.update_status", func(ctx context.Context) error {
			return p.store.UpdateStatus(ctx, id, models.StatusActive, models.StatusPendingPurge)
		}},
		{"record.update_status", func(ctx context.Context) error {
			return p.store.UpdateStatus(ctx, id, models.StatusPendingPurge, models.StatusPurged)
		}},
	}
	for _, step := range steps {
		if err := p.do(ctx, step.op, step.fn); err != nil {
			if p.logger != nil {
				p.logger.ErrorContext(ctx, "ingest compensation failed",
					"record_id", id.String(),
					"operation", step.op,
					"error", err,
				)
			}
			return
		}
	}
}

// discardIfStored compensates a failed write whose row nevertheless landed.
func (p *Pipeline) discardIfStored(ctx context.Context, id domain.RecordID) {
	ctx = context.WithoutCancel(ctx)
	err := p.do(ctx, "record.read", func(ctx context.Context) error {
		_, err := p.store.Read(ctx, id)
		return err
	})
	switch {
	case err == nil:
		p.compensate(ctx, id)
	case errors.Is(err, sentinel.ErrNotFound):
	default:
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "cannot tell whether failed ingest was stored",
				"record_id", id.String(),
				"error", err,
			)
		}
	}
}

// Retrieve returns the decrypted responses after a live consent check. The
// access is on the audit chain before any cleartext is returned.
func (p *Pipeline) Retrieve(ctx context.Context, owner domain.OwnerID, recordID domain.RecordID, actor string) (*risk.Responses, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Retrieve")
	defer span.End()
	defer p.metrics.ObserveOperation("retrieve", time.Now())

	failed := audit.Event{Actor: actor, Action: audit.ActionRetrieveFailed, OwnerID: owner, RecordID: recordID}
	if err := validateRef(owner, recordID, actor); err != nil {
		return nil, p.fail(ctx, span, "retrieve", failed, err)
	}
	if err := p.requireConsent(ctx, owner); err != nil {
		return nil, p.fail(ctx, span, "retrieve", failed, err)
	}

	record, err := p.load(ctx, owner, recordID)
	if err != nil {
		return nil, p.fail(ctx, span, "retrieve", failed, err)
	}
	if record.Status != models.StatusActive {
		return nil, p.fail(ctx, span, "retrieve", failed, dErrors.New(dErrors.CodeNotFound, "record not found"))
	}
	span.SetAttributes(attribute.String("record.category", record.Category.String()))

	cleartext, err := p.sealer.Decrypt(ctx, record.Payload, record.Category, record.ID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeIntegrity) {
			p.integrityAlert(ctx, record.ID)
		}
		return nil, p.fail(ctx, span, "retrieve", failed, err)
	}
	var responses risk.Responses
	if err := json.Unmarshal(cleartext, &responses); err != nil {
		return nil, p.fail(ctx, span, "retrieve", failed, dErrors.Wrap(err, dErrors.CodeInternal, "decode responses"))
	}

	_, err = p.auditor.Append(ctx, audit.Event{
		Actor:    actor,
		Action:   audit.ActionRecordAccessed,
		RecordID: record.ID,
		OwnerID:  owner,
		Outcome:  audit.OutcomeSuccess,
	})
	if err != nil {
		return nil, p.fail(ctx, span, "retrieve", failed, err)
	}

	if p.logger != nil {
		attrs := []any{
			"log_type", "audit",
			"record_id", record.ID.String(),
			"owner_id", owner.String(),
			"actor", actor,
		}
		if record.Category == domain.CategoryMentalHealthCrisis {
			p.logger.ErrorContext(ctx, "crisis record accessed", append(attrs, "crisis_access", true)...)
		} else {
			p.logger.InfoContext(ctx, string(audit.ActionRecordAccessed), attrs...)
		}
	}
	return &responses, nil
}

// RequestErasure purges a record on the owner's request without consulting
// the consent ledger. Erasing an already purged record succeeds. When the
// payload delete fails the record stays pending_purge and the retention
// sweeper finishes it.
func (p *Pipeline) RequestErasure(ctx context.Context, owner domain.OwnerID, recordID domain.RecordID, actor string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.RequestErasure")
	defer span.End()
	defer p.metrics.ObserveOperation("erasure", time.Now())

	failed := audit.Event{Actor: actor, Action: audit.ActionErasureFailed, OwnerID: owner, RecordID: recordID}
	if err := validateRef(owner, recordID, actor); err != nil {
		return p.fail(ctx, span, "erasure", failed, err)
	}

	record, err := p.load(ctx, owner, recordID)
	if err != nil {
		return p.fail(ctx, span, "erasure", failed, err)
	}

	requested := audit.Event{
		Actor:    actor,
		Action:   audit.ActionErasureRequested,
		RecordID: recordID,
		OwnerID:  owner,
		Outcome:  audit.OutcomeSuccess,
		Reason:   audit.ReasonSubjectRequest,
	}
	if record.Status == models.StatusPurged {
		requested.Outcome = audit.OutcomeAlreadyPurged
		if _, err := p.auditor.Append(ctx, requested); err != nil {
			return p.fail(ctx, span, "erasure", failed, err)
		}
		return nil
	}
	if _, err := p.auditor.Append(ctx, requested); err != nil {
		return p.fail(ctx, span, "erasure", failed, err)
	}

	res, err := p.purger.Purge(ctx, record.Meta(), actor, audit.ReasonSubjectRequest)
	if err != nil {
		accepted := res.Scheduled || record.Status == models.StatusPendingPurge
		if accepted && !dErrors.HasCode(err, dErrors.CodeChainTampered) {
			if p.logger != nil {
				p.logger.WarnContext(ctx, "erasure deferred to retention sweeper",
					"record_id", recordID.String(),
					"error", err,
				)
			}
			return nil
		}
		return p.fail(ctx, span, "erasure", failed, err)
	}
	return nil
}

// AuditTrail returns the chain entries that reference recordID.
func (p *Pipeline) AuditTrail(ctx context.Context, recordID domain.RecordID) ([]audit.Entry, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.AuditTrail")
	defer span.End()

	if recordID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "record id is required")
	}
	entries, err := p.auditor.Trail(ctx, recordID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	return entries, nil
}

func (p *Pipeline) requireConsent(ctx context.Context, owner domain.OwnerID) error {
	granted, err := p.consent.IsGranted(ctx, owner, domain.ConsentDataProcessing)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "check consent")
	}
	if !granted {
		p.metrics.IncConsentDenied()
		return dErrors.New(dErrors.CodeConsentDenied, "data processing consent not granted")
	}
	return nil
}

// load reads a record and hides records owned by someone else.
func (p *Pipeline) load(ctx context.Context, owner domain.OwnerID, id domain.RecordID) (*models.ProtectedRecord, error) {
	var record *models.ProtectedRecord
	err := p.do(ctx, "record.read", func(ctx context.Context) error {
		var err error
		record, err = p.store.Read(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeError(err, "read record")
	}
	if record.OwnerID != owner {
		return nil, dErrors.New(dErrors.CodeNotFound, "record not found")
	}
	return record, nil
}

func (p *Pipeline) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.retrier == nil {
		return fn(ctx)
	}
	return p.retrier.Do(ctx, op, fn)
}

func (p *Pipeline) integrityAlert(ctx context.Context, id domain.RecordID) {
	p.metrics.IncIntegrityFailure()
	if p.alerter == nil {
		return
	}
	alert := audit.Alert{
		Kind:       audit.AlertIntegrityFailure,
		RecordID:   id.String(),
		Detail:     "record failed authentication on decrypt",
		DetectedAt: p.clock().UTC(),
	}
	if err := p.alerter.Alert(ctx, alert); err != nil && p.logger != nil {
		p.logger.ErrorContext(ctx, "failed to deliver operator alert", "error", err)
	}
}

// fail records a failed-action entry and returns err unchanged. Chain
// tampering is reported through the operator alert instead, since the log
// no longer accepts entries.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, op string, ev audit.Event, err error) error {
	code := dErrors.CodeOf(err)
	p.metrics.IncFailure(op, string(code))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))

	if code != dErrors.CodeChainTampered {
		ev.Outcome = audit.OutcomeFailed
		if code == dErrors.CodeConsentDenied {
			ev.Outcome = audit.OutcomeDenied
		}
		ev.Reason = string(code)
		if _, aerr := p.auditor.Append(ctx, ev); aerr != nil && p.logger != nil {
			p.logger.ErrorContext(ctx, "failed to audit pipeline failure",
				"operation", op,
				"error", aerr,
			)
		}
	}
	if p.logger != nil {
		p.logger.WarnContext(ctx, "pipeline operation failed",
			"operation", op,
			"code", string(code),
			"record_id", ev.RecordID.String(),
			"error", err,
		)
	}
	return err
}

func validateRef(owner domain.OwnerID, id domain.RecordID, actor string) error {
	switch {
	case owner.IsNil():
		return dErrors.New(dErrors.CodeValidation, "owner id is required")
	case id.IsNil():
		return dErrors.New(dErrors.CodeValidation, "record id is required")
	case strings.TrimSpace(actor) == "":
		return dErrors.New(dErrors.CodeValidation, "actor is required")
	}
	return nil
}

func storeError(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, msg)
	}
}
