package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"carevault/internal/audit"
	"carevault/internal/audit/store/memory"
	"carevault/internal/platform/metrics"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []audit.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a audit.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type AuditLogSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memory.InMemoryStore
	alerter *recordingAlerter
	metrics *metrics.Metrics
	log     *audit.Log
}

func TestAuditLogSuite(t *testing.T) {
	suite.Run(t, new(AuditLogSuite))
}

func (s *AuditLogSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewInMemoryStore()
	s.alerter = &recordingAlerter{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.log = audit.New(s.store, audit.WithAlerter(s.alerter), audit.WithMetrics(s.metrics))
}

func (s *AuditLogSuite) appendN(n int, recordID domain.RecordID) {
	for i := 0; i < n; i++ {
		_, err := s.log.Append(s.ctx, audit.Event{
			Actor:    "test",
			Action:   audit.ActionRecordAccessed,
			RecordID: recordID,
			Outcome:  audit.OutcomeSuccess,
		})
		s.Require().NoError(err)
	}
}

func (s *AuditLogSuite) TestAppendLinksFromGenesis() {
	seq, err := s.log.Append(s.ctx, audit.Event{Actor: "a", Action: audit.ActionRecordIngested, Outcome: audit.OutcomeSuccess})
	s.Require().NoError(err)
	s.Equal(uint64(1), seq)

	seq, err = s.log.Append(s.ctx, audit.Event{Actor: "a", Action: audit.ActionRecordAccessed, Outcome: audit.OutcomeSuccess})
	s.Require().NoError(err)
	s.Equal(uint64(2), seq)

	entries, err := s.store.Range(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(audit.GenesisHash(), entries[0].PrevHash)
	s.Equal(entries[0].Hash, entries[1].PrevHash)
	s.Equal(audit.ComputeHash(entries[1].PrevHash, entries[1]), entries[1].Hash)

	s.NoError(s.log.VerifyChain(s.ctx, 1, 0))
	s.Equal(2.0, promtest.ToFloat64(s.metrics.AuditAppends))
}

func (s *AuditLogSuite) TestTimestampsAreMicrosecondUTC() {
	local := time.FixedZone("X", 3600)
	l := audit.New(s.store, audit.WithClock(func() time.Time {
		return time.Date(2031, 2, 3, 4, 5, 6, 123456789, local)
	}))
	_, err := l.Append(s.ctx, audit.Event{Actor: "a", Action: audit.ActionRecordIngested})
	s.Require().NoError(err)

	head, err := s.store.Head(s.ctx)
	s.Require().NoError(err)
	s.Equal(time.UTC, head.Timestamp.Location())
	s.Equal(123456000, head.Timestamp.Nanosecond())
}

func (s *AuditLogSuite) TestPrefixStaysValidWhenLaterEntryTampered() {
	s.appendN(10, domain.NewRecordID())

	s.True(s.store.Overwrite(7, func(e *audit.Entry) { e.Actor = "intruder" }))

	for k := uint64(1); k <= 6; k++ {
		s.NoError(s.log.VerifyChain(s.ctx, 1, k), "prefix 1..%d", k)
	}
	s.False(s.log.Halted())

	err := s.log.VerifyChain(s.ctx, 1, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeChainTampered))
}

func (s *AuditLogSuite) TestTamperHaltsAndAlerts() {
	s.appendN(5, domain.NewRecordID())
	s.store.Overwrite(3, func(e *audit.Entry) { e.Outcome = audit.OutcomeDenied })

	err := s.log.VerifyChain(s.ctx, 1, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeChainTampered))
	s.True(s.log.Halted())

	s.Require().Len(s.alerter.alerts, 1)
	s.Equal(audit.AlertChainTampered, s.alerter.alerts[0].Kind)
	s.Equal(uint64(3), s.alerter.alerts[0].Seq)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.ChainTamperDetected))

	_, err = s.log.Append(s.ctx, audit.Event{Actor: "a", Action: audit.ActionRecordAccessed})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeChainTampered))
	s.Equal(5, s.store.Len(), "halted log must not write")
}

func (s *AuditLogSuite) TestRewrittenLinkIsDetected() {
	s.appendN(4, domain.NewRecordID())
	// Recomputing the tampered entry's own hash still breaks the next link.
	s.store.Overwrite(2, func(e *audit.Entry) {
		e.Reason = "edited"
		e.Hash = audit.ComputeHash(e.PrevHash, *e)
	})

	err := s.log.VerifyChain(s.ctx, 1, 0)
	s.Require().Error(err)
	s.Equal(uint64(3), s.alerter.alerts[0].Seq)
}

func (s *AuditLogSuite) TestMissingEntryIsDetected() {
	s.appendN(5, domain.NewRecordID())
	s.True(s.store.Remove(3))

	err := s.log.VerifyChain(s.ctx, 1, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeChainTampered))
}

func (s *AuditLogSuite) TestTruncatedTailIsDetectedForExplicitRange() {
	s.appendN(3, domain.NewRecordID())

	err := s.log.VerifyChain(s.ctx, 1, 5)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeChainTampered))
}

func (s *AuditLogSuite) TestVerifyFromMiddle() {
	s.appendN(6, domain.NewRecordID())
	s.NoError(s.log.VerifyChain(s.ctx, 4, 6))

	s.store.Overwrite(3, func(e *audit.Entry) { e.Actor = "x" })
	err := s.log.VerifyChain(s.ctx, 4, 6)
	s.Require().Error(err, "the anchor entry is verified too")
}

func (s *AuditLogSuite) TestConcurrentAppendsAreGapless() {
	const writers, perWriter = 20, 25
	var wg sync.WaitGroup
	seqs := make(chan uint64, writers*perWriter)

	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				seq, err := s.log.Append(s.ctx, audit.Event{Actor: "w", Action: audit.ActionRecordAccessed})
				if assert.NoError(s.T(), err) {
					seqs <- seq
				}
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		s.False(seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	for i := uint64(1); i <= writers*perWriter; i++ {
		s.True(seen[i], "missing seq %d", i)
	}
	s.NoError(s.log.VerifyChain(s.ctx, 1, 0))
}

func (s *AuditLogSuite) TestStoreFailureThenRecovery() {
	s.appendN(2, domain.NewRecordID())
	s.store.SetFailing(errors.New("disk full"))

	_, err := s.log.Append(s.ctx, audit.Event{Actor: "a", Action: audit.ActionRecordAccessed})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))

	s.store.SetFailing(nil)
	seq, err := s.log.Append(s.ctx, audit.Event{Actor: "a", Action: audit.ActionRecordAccessed})
	s.Require().NoError(err)
	s.Equal(uint64(3), seq)
	s.NoError(s.log.VerifyChain(s.ctx, 1, 0))
}

func (s *AuditLogSuite) TestSecondWriterReloadsStaleHead() {
	other := audit.New(s.store)
	s.appendN(1, domain.NewRecordID())

	// other cached nothing yet; prime it, then let s.log move ahead.
	_, err := other.Append(s.ctx, audit.Event{Actor: "replica", Action: audit.ActionRecordAccessed})
	s.Require().NoError(err)
	s.appendN(1, domain.NewRecordID())

	seq, err := other.Append(s.ctx, audit.Event{Actor: "replica", Action: audit.ActionRecordAccessed})
	s.Require().NoError(err)
	s.Equal(uint64(4), seq)
	s.NoError(s.log.VerifyChain(s.ctx, 1, 0))
}

func (s *AuditLogSuite) TestTrailIsOrderedPerRecord() {
	rec := domain.NewRecordID()
	other := domain.NewRecordID()
	s.appendN(2, rec)
	s.appendN(1, other)
	s.appendN(1, rec)

	trail, err := s.log.Trail(s.ctx, rec)
	s.Require().NoError(err)
	s.Require().Len(trail, 3)
	s.Equal([]uint64{1, 2, 4}, []uint64{trail[0].Seq, trail[1].Seq, trail[2].Seq})
}

type capturePublisher struct {
	key, value []byte
	err        error
}

func (c *capturePublisher) Publish(_ context.Context, key, value []byte) error {
	c.key, c.value = key, value
	return c.err
}

func TestKafkaAlerter_PublishesJSON(t *testing.T) {
	pub := &capturePublisher{}
	a := audit.NewKafkaAlerter(pub)

	err := a.Alert(context.Background(), audit.Alert{Kind: audit.AlertChainTampered, Seq: 9, Detail: "hash mismatch"})
	require.NoError(t, err)

	assert.Equal(t, []byte(audit.AlertChainTampered), pub.key)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.value, &decoded))
	assert.Equal(t, "audit_chain_tampered", decoded["kind"])
	assert.Equal(t, 9.0, decoded["seq"])
}

func TestMultiAlerter_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingAlerter{}
	failing := audit.NewKafkaAlerter(&capturePublisher{err: errors.New("broker down")})

	err := audit.MultiAlerter{failing, nil, ok}.Alert(context.Background(), audit.Alert{Kind: audit.AlertIntegrityFailure})

	require.Error(t, err)
	assert.Len(t, ok.alerts, 1)
}
