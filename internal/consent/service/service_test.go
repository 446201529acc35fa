package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carevault/internal/audit"
	auditmemory "carevault/internal/audit/store/memory"
	consentstore "carevault/internal/consent/store"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

type LedgerSuite struct {
	suite.Suite
	ctx        context.Context
	store      *consentstore.InMemoryStore
	auditStore *auditmemory.InMemoryStore
	auditLog   *audit.Log
	ledger     *Ledger
	owner      domain.OwnerID
	now        time.Time
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = consentstore.NewInMemoryStore()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.auditLog = audit.New(s.auditStore)
	s.now = time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ledger = NewLedger(s.store, NewInMemoryTx(s.store), s.auditLog, WithClock(func() time.Time { return s.now }))
	s.owner = domain.OwnerID(domain.NewRecordID())
}

func (s *LedgerSuite) TestDefaultDeny() {
	for _, ct := range domain.AllConsentTypes() {
		granted, err := s.ledger.IsGranted(s.ctx, s.owner, ct)
		s.Require().NoError(err)
		s.False(granted, ct)
	}
}

func (s *LedgerSuite) TestGrantThenWithdraw() {
	_, err := s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentDataProcessing, true, "owner")
	s.Require().NoError(err)

	granted, err := s.ledger.IsGranted(s.ctx, s.owner, domain.ConsentDataProcessing)
	s.Require().NoError(err)
	s.True(granted)

	s.now = s.now.Add(time.Minute)
	_, err = s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentDataProcessing, false, "owner")
	s.Require().NoError(err)

	granted, err = s.ledger.IsGranted(s.ctx, s.owner, domain.ConsentDataProcessing)
	s.Require().NoError(err)
	s.False(granted)

	history, err := s.ledger.History(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Len(history, 2, "withdrawal appends rather than rewrites")

	entries, err := s.auditStore.Range(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(audit.ActionConsentGranted, entries[0].Action)
	s.Equal(audit.ActionConsentWithdrawn, entries[1].Action)
	s.Equal(s.owner, entries[1].OwnerID)
	s.Equal("data_processing", entries[1].Reason)
}

func (s *LedgerSuite) TestEqualTimestampsLaterAppendWins() {
	_, err := s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentResearch, true, "owner")
	s.Require().NoError(err)
	_, err = s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentResearch, false, "owner")
	s.Require().NoError(err)

	granted, err := s.ledger.IsGranted(s.ctx, s.owner, domain.ConsentResearch)
	s.Require().NoError(err)
	s.False(granted)

	history, err := s.ledger.History(s.ctx, s.owner)
	s.Require().NoError(err)
	s.True(history[0].Granted)
	s.False(history[1].Granted)
}

func (s *LedgerSuite) TestAuditFailureDiscardsGrant() {
	s.auditStore.SetFailing(errors.New("audit store down"))

	_, err := s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentDataProcessing, true, "owner")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))

	history, err := s.ledger.History(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Empty(history)

	granted, _ := s.ledger.IsGranted(s.ctx, s.owner, domain.ConsentDataProcessing)
	s.False(granted)
}

func (s *LedgerSuite) TestValidation() {
	_, err := s.ledger.RecordConsent(s.ctx, domain.OwnerID{}, domain.ConsentDataProcessing, true, "owner")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentType("marketing"), true, "owner")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentDataProcessing, true, "  ")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	s.Zero(s.auditStore.Len())
}

func (s *LedgerSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.ledger.RecordConsent(ctx, s.owner, domain.ConsentDataProcessing, true, "owner")
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *LedgerSuite) TestSnapshot() {
	_, err := s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentDataProcessing, true, "owner")
	s.Require().NoError(err)
	_, err = s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentCrisisIntervention, true, "owner")
	s.Require().NoError(err)

	snap, err := s.ledger.Snapshot(s.ctx, s.owner)
	s.Require().NoError(err)
	s.True(snap[domain.ConsentDataProcessing])
	s.True(snap[domain.ConsentCrisisIntervention])
	s.False(snap[domain.ConsentResearch])
}

func (s *LedgerSuite) TestConcurrentDecisionsEachAudited() {
	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ledger.RecordConsent(s.ctx, s.owner, domain.ConsentDataProcessing, i%2 == 0, "owner")
			s.NoError(err)
		}()
	}
	wg.Wait()

	history, err := s.ledger.History(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Len(history, n)
	s.Equal(n, s.auditStore.Len())
	s.NoError(s.auditLog.VerifyChain(s.ctx, 1, 0))
}
