package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"carevault/internal/audit"
	auditmemory "carevault/internal/audit/store/memory"
	"carevault/internal/crypto/fieldcrypt"
	"carevault/internal/platform/config"
	"carevault/internal/platform/retry"
	"carevault/internal/record/models"
	recordstore "carevault/internal/record/store"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// flakyStore fails Delete for selected records a set number of times and can
// park ListDue until released.
type flakyStore struct {
	*recordstore.InMemoryStore

	mu          sync.Mutex
	deleteFails map[domain.RecordID]int
	deletes     int
	listEntered chan struct{}
	listRelease chan struct{}
}

func (f *flakyStore) Delete(ctx context.Context, id domain.RecordID) error {
	f.mu.Lock()
	f.deletes++
	if f.deleteFails[id] > 0 {
		f.deleteFails[id]--
		f.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.InMemoryStore.Delete(ctx, id)
}

func (f *flakyStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecordMeta, error) {
	if f.listEntered != nil {
		f.listEntered <- struct{}{}
		<-f.listRelease
	}
	return f.InMemoryStore.ListDue(ctx, now, limit)
}

type SweeperSuite struct {
	suite.Suite
	ctx        context.Context
	now        time.Time
	store      *flakyStore
	auditStore *auditmemory.InMemoryStore
	auditLog   *audit.Log
	cfg        config.RetentionConfig
}

func TestSweeperSuite(t *testing.T) {
	suite.Run(t, new(SweeperSuite))
}

func (s *SweeperSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2035, 1, 1, 0, 0, 0, 0, time.UTC)
	s.store = &flakyStore{
		InMemoryStore: recordstore.NewInMemoryStore(),
		deleteFails:   make(map[domain.RecordID]int),
	}
	s.auditStore = auditmemory.NewInMemoryStore()
	s.auditLog = audit.New(s.auditStore)
	s.cfg = config.RetentionConfig{SweepInterval: time.Hour, BatchSize: 10, LockTTL: time.Minute}
}

func (s *SweeperSuite) newSweeper(opts ...Option) *Sweeper {
	opts = append([]Option{WithClock(func() time.Time { return s.now })}, opts...)
	purger := NewPurger(s.store, s.auditLog, opts...)
	return NewSweeper(s.store, purger, s.cfg, opts...)
}

func (s *SweeperSuite) seed(category domain.Category, createdAt time.Time) *models.ProtectedRecord {
	r := &models.ProtectedRecord{
		ID:              domain.NewRecordID(),
		OwnerID:         domain.OwnerID(domain.NewRecordID()),
		Category:        category,
		Payload:         fieldcrypt.Sealed{Ciphertext: []byte{1, 2, 3}, Nonce: make([]byte, 12), Tag: make([]byte, 16), KeyVersion: 1},
		CreatedAt:       createdAt,
		RetentionExpiry: Expiry(category, createdAt),
		Status:          models.StatusActive,
	}
	_, err := s.store.Write(s.ctx, models.WriteRequest{Record: r})
	s.Require().NoError(err)
	return r
}

func (s *SweeperSuite) actions(id domain.RecordID) []audit.Action {
	trail, err := s.auditLog.Trail(s.ctx, id)
	s.Require().NoError(err)
	out := make([]audit.Action, 0, len(trail))
	for _, e := range trail {
		out = append(out, e.Action)
	}
	return out
}

func (s *SweeperSuite) read(id domain.RecordID) *models.ProtectedRecord {
	r, err := s.store.Read(s.ctx, id)
	s.Require().NoError(err)
	return r
}

func (s *SweeperSuite) TestPurgesExpiredRecords() {
	expired := s.seed(domain.CategoryMentalHealthStandard, s.now.AddDate(-8, 0, 0))
	fresh := s.seed(domain.CategoryMentalHealthStandard, s.now.AddDate(-6, 0, 0))
	crisis := s.seed(domain.CategoryMentalHealthCrisis, s.now.AddDate(-8, 0, 0))

	report, err := s.newSweeper().SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(Report{Scanned: 1, Scheduled: 1, Purged: 1}, report)

	got := s.read(expired.ID)
	s.Equal(models.StatusPurged, got.Status)
	s.Nil(got.Payload.Ciphertext)
	s.NotNil(got.PurgedAt)
	s.Equal([]audit.Action{audit.ActionPurgeScheduled, audit.ActionRecordPurged}, s.actions(expired.ID))

	trail, err := s.auditLog.Trail(s.ctx, expired.ID)
	s.Require().NoError(err)
	s.Equal(audit.ReasonRetentionExpired, trail[0].Reason)
	s.Equal(SweeperActor, trail[0].Actor)

	s.Equal(models.StatusActive, s.read(fresh.ID).Status)
	s.Equal(models.StatusActive, s.read(crisis.ID).Status, "crisis records keep ten years")
	s.Empty(s.actions(fresh.ID))
	s.NoError(s.auditLog.VerifyChain(s.ctx, 1, 0))
}

func (s *SweeperSuite) TestFailedDeleteRetriedOnNextSweep() {
	r := s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	s.store.deleteFails[r.ID] = 1
	sweeper := s.newSweeper()

	report, err := sweeper.SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(Report{Scanned: 1, Scheduled: 1, Failed: 1}, report)
	s.Equal(models.StatusPendingPurge, s.read(r.ID).Status)
	s.NotNil(s.read(r.ID).Payload.Ciphertext)

	report, err = sweeper.SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(Report{Scanned: 1, Purged: 1}, report)
	s.Equal(models.StatusPurged, s.read(r.ID).Status)

	s.Equal([]audit.Action{
		audit.ActionPurgeScheduled,
		audit.ActionPurgeFailed,
		audit.ActionRecordPurged,
	}, s.actions(r.ID))
}

func (s *SweeperSuite) TestTransientDeleteRetriedWithBackoff() {
	r := s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	s.store.deleteFails[r.ID] = 2
	executor := retry.New("test", config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond})

	report, err := s.newSweeper(WithRetrier(executor)).SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Purged)
	s.Equal(3, s.store.deletes)
}

func (s *SweeperSuite) TestPendingPurgeWithoutScheduledEntryIsBackfilled() {
	r := s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	s.Require().NoError(s.store.UpdateStatus(s.ctx, r.ID, models.StatusActive, models.StatusPendingPurge))

	report, err := s.newSweeper().SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(Report{Scanned: 1, Purged: 1}, report)
	s.Equal([]audit.Action{audit.ActionPurgeScheduled, audit.ActionRecordPurged}, s.actions(r.ID))
}

func (s *SweeperSuite) TestBatchesPastStuckRecords() {
	s.cfg.BatchSize = 2
	var ids []domain.RecordID
	for i := range 5 {
		r := s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, -i))
		ids = append(ids, r.ID)
	}
	// The oldest record keeps failing and sorts first in every batch.
	s.store.deleteFails[ids[4]] = 100

	report, err := s.newSweeper().SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, report.Scanned)
	s.Equal(4, report.Purged)
	s.Equal(1, report.Failed)
	for _, id := range ids[:4] {
		s.Equal(models.StatusPurged, s.read(id).Status)
	}
}

func (s *SweeperSuite) TestSkipIfRunning() {
	s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	s.store.listEntered = make(chan struct{})
	s.store.listRelease = make(chan struct{})
	sweeper := s.newSweeper()

	done := make(chan error, 1)
	go func() {
		_, err := sweeper.SweepOnce(s.ctx)
		done <- err
	}()
	<-s.store.listEntered

	_, err := sweeper.SweepOnce(s.ctx)
	s.ErrorIs(err, ErrSweepSkipped)

	close(s.store.listRelease)
	s.NoError(<-done)
}

func (s *SweeperSuite) TestSkipsWhenClusterLockHeld() {
	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s.Require().NoError(mr.Set(lockKey, "other-replica"))

	r := s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	sweeper := s.newSweeper(WithLocker(NewRedisLocker(client)))

	_, err := sweeper.SweepOnce(s.ctx)
	s.ErrorIs(err, ErrSweepSkipped)
	s.Equal(models.StatusActive, s.read(r.ID).Status)

	mr.Del(lockKey)
	report, err := sweeper.SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Purged)
	s.False(mr.Exists(lockKey), "lock released after sweep")
}

func (s *SweeperSuite) TestVerifiesChainAfterSweep() {
	s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	_, err := s.auditLog.Append(s.ctx, audit.Event{Actor: "seed", Action: audit.ActionRecordIngested, Outcome: audit.OutcomeSuccess})
	s.Require().NoError(err)
	s.auditStore.Overwrite(1, func(e *audit.Entry) { e.Actor = "mallory" })

	_, err = s.newSweeper(WithChainVerifier(s.auditLog)).SweepOnce(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeChainTampered))
	s.True(s.auditLog.Halted())
}

func (s *SweeperSuite) TestRunSweepsAtStart() {
	r := s.seed(domain.CategoryGeneralHealth, s.now.AddDate(-8, 0, 0))
	ctx, cancel := context.WithCancel(s.ctx)
	sweeper := s.newSweeper()

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	s.Eventually(func() bool {
		got, err := s.store.Read(s.ctx, r.ID)
		return err == nil && got.Status == models.StatusPurged
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.NoError(<-done)
}
