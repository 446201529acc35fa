package pipeline

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"carevault/internal/audit"
	consentmodels "carevault/internal/consent/models"
	"carevault/internal/record/models"
	"carevault/internal/retention"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// ConsentHistory lists an owner's consent changes oldest first.
// *service.Ledger satisfies it.
type ConsentHistory interface {
	History(ctx context.Context, owner domain.OwnerID) ([]*consentmodels.Grant, error)
}

// Right is a data subject right the core honours.
type Right string

const (
	RightAccess          Right = "access"
	RightErasure         Right = "erasure"
	RightWithdrawConsent Right = "withdraw_consent"
	RightAuditTrail      Right = "audit_trail"
)

// WithConsentHistory supplies the consent changes listed in privacy reports.
// Without it the consent checker is used when it can list history.
func WithConsentHistory(h ConsentHistory) Option {
	return func(p *Pipeline) {
		p.history = h
	}
}

// PrivacyReport describes what the core holds about one owner. It carries
// metadata only, never payloads.
type PrivacyReport struct {
	OwnerID     domain.OwnerID
	GeneratedAt time.Time
	Consents    map[domain.ConsentType]bool
	History     []ConsentChange
	Records     []RecordSummary
	Retention   []RetentionRule
	Rights      []Right
}

type ConsentChange struct {
	Type      domain.ConsentType
	Granted   bool
	Timestamp time.Time
	Actor     string
}

// RecordSummary is one stored record as the owner sees it. Purged records
// remain listed as tombstones.
type RecordSummary struct {
	ID              domain.RecordID
	Category        domain.Category
	Status          models.Status
	CreatedAt       time.Time
	RetentionExpiry time.Time
}

type RetentionRule struct {
	Category domain.Category
	Years    int
}

// RetentionRules lists how long each category is kept after ingest.
func RetentionRules() []RetentionRule {
	return []RetentionRule{
		{Category: domain.CategoryGeneralHealth, Years: retention.StandardYears},
		{Category: domain.CategoryMentalHealthStandard, Years: retention.StandardYears},
		{Category: domain.CategoryMentalHealthCrisis, Years: retention.CrisisYears},
	}
}

// PrivacyReport gathers the owner's consent history, record metadata and the
// retention rules that apply. Like erasure it does not require consent.
func (p *Pipeline) PrivacyReport(ctx context.Context, owner domain.OwnerID, actor string) (*PrivacyReport, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.PrivacyReport")
	defer span.End()
	defer p.metrics.ObserveOperation("privacy_report", time.Now())

	failed := audit.Event{Actor: actor, Action: audit.ActionPrivacyReport, OwnerID: owner}
	switch {
	case owner.IsNil():
		return nil, p.fail(ctx, span, "privacy_report", failed, dErrors.New(dErrors.CodeValidation, "owner id is required"))
	case strings.TrimSpace(actor) == "":
		return nil, p.fail(ctx, span, "privacy_report", failed, dErrors.New(dErrors.CodeValidation, "actor is required"))
	case p.history == nil:
		return nil, p.fail(ctx, span, "privacy_report", failed, dErrors.New(dErrors.CodeInternal, "consent history is not configured"))
	}

	grants, err := p.history.History(ctx, owner)
	if err != nil {
		return nil, p.fail(ctx, span, "privacy_report", failed, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load consent history"))
	}
	var metas []models.RecordMeta
	err = p.do(ctx, "record.list_by_owner", func(ctx context.Context) error {
		var err error
		metas, err = p.store.ListByOwner(ctx, owner)
		return err
	})
	if err != nil {
		return nil, p.fail(ctx, span, "privacy_report", failed, storeError(err, "list owner records"))
	}

	report := &PrivacyReport{
		OwnerID:     owner,
		GeneratedAt: p.clock().UTC(),
		Consents:    consentmodels.Snapshot(grants),
		History:     make([]ConsentChange, 0, len(grants)),
		Records:     make([]RecordSummary, 0, len(metas)),
		Retention:   RetentionRules(),
		Rights:      []Right{RightAccess, RightErasure, RightWithdrawConsent, RightAuditTrail},
	}
	for _, g := range grants {
		report.History = append(report.History, ConsentChange{
			Type:      g.Type,
			Granted:   g.Granted,
			Timestamp: g.Timestamp,
			Actor:     g.Actor,
		})
	}
	for _, m := range metas {
		report.Records = append(report.Records, RecordSummary{
			ID:              m.ID,
			Category:        m.Category,
			Status:          m.Status,
			CreatedAt:       m.CreatedAt,
			RetentionExpiry: m.RetentionExpiry,
		})
	}
	span.SetAttributes(attribute.Int("report.records", len(report.Records)))

	_, err = p.auditor.Append(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionPrivacyReport,
		OwnerID: owner,
		Outcome: audit.OutcomeSuccess,
	})
	if err != nil {
		return nil, p.fail(ctx, span, "privacy_report", failed, err)
	}
	return report, nil
}
