package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/audit"
	auditmemory "carevault/internal/audit/store/memory"
	"carevault/internal/platform/config"
	"carevault/internal/platform/retry"
	"carevault/internal/record/models"
	recordstore "carevault/internal/record/store"
	"carevault/internal/risk"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/testutil"
)

// unackedStore commits writes but reports a timeout for the first drops of them.
type unackedStore struct {
	*recordstore.InMemoryStore

	mu     sync.Mutex
	drops  int
	writes int
}

func (u *unackedStore) Write(ctx context.Context, req models.WriteRequest) (domain.RecordID, error) {
	id, err := u.InMemoryStore.Write(ctx, req)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writes++
	if err == nil && u.drops > 0 {
		u.drops--
		return domain.RecordID{}, errors.New("i/o timeout")
	}
	return id, err
}

func TestIngestSurvivesLostWriteAcknowledgement(t *testing.T) {
	ctx := context.Background()
	owner := domain.OwnerID(domain.NewRecordID())
	req := IngestRequest{
		OwnerID:   owner,
		Category:  domain.CategoryMentalHealthStandard,
		Responses: risk.Responses{MoodRating: intp(4)},
		Actor:     "clinician-7",
	}

	setup := func(t *testing.T, drops int) (*Pipeline, *unackedStore, *audit.Log) {
		t.Helper()
		encryptor, assessor := newTestComponents(t)
		store := &unackedStore{InMemoryStore: recordstore.NewInMemoryStore(), drops: drops}
		auditLog := audit.New(auditmemory.NewInMemoryStore())
		executor := retry.New("test", config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond})
		return New(store, encryptor, assessor, allowAll{}, auditLog, WithRetrier(executor)), store, auditLog
	}

	actions := func(t *testing.T, log *audit.Log, id domain.RecordID) []audit.Action {
		t.Helper()
		trail, err := log.Trail(ctx, id)
		require.NoError(t, err)
		out := make([]audit.Action, 0, len(trail))
		for _, e := range trail {
			out = append(out, e.Action)
		}
		return out
	}

	testutil.Given(t, "a store that commits the first write but loses its reply", func(t *testing.T) {
		p, store, log := setup(t, 1)

		testutil.When(t, "the record is ingested", func(t *testing.T) {
			res, err := p.Ingest(ctx, req)

			testutil.Then(t, "the retried write is accepted as the same record", func(t *testing.T) {
				require.NoError(t, err)
				assert.Equal(t, 2, store.writes)

				stored, err := store.Read(ctx, res.RecordID)
				require.NoError(t, err)
				assert.Equal(t, models.StatusActive, stored.Status)
				assert.Equal(t, []audit.Action{audit.ActionRecordIngested}, actions(t, log, res.RecordID))
			})
		})
	})

	testutil.Given(t, "a store that commits but never acknowledges", func(t *testing.T) {
		p, store, log := setup(t, 3)

		testutil.When(t, "the record is ingested", func(t *testing.T) {
			_, err := p.Ingest(ctx, req)

			testutil.Then(t, "ingest fails and the committed ciphertext is purged", func(t *testing.T) {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeStorageUnavailable))

				metas, err := store.ListByOwner(ctx, owner)
				require.NoError(t, err)
				require.Len(t, metas, 1)
				assert.Equal(t, models.StatusPurged, metas[0].Status)

				stored, err := store.Read(ctx, metas[0].ID)
				require.NoError(t, err)
				assert.Nil(t, stored.Payload.Ciphertext)
				assert.Equal(t, []audit.Action{audit.ActionIngestFailed}, actions(t, log, metas[0].ID))
			})
		})
	})
}
