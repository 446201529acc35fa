package service

import (
	"context"
	"sync"
	"time"

	"carevault/internal/consent/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// ConsentStoreTx provides a transactional boundary for consent store mutations.
// Implementations may wrap a database transaction or, in-memory, a sharded
// lock with staged writes. Writes made through the store passed to fn are
// discarded when fn returns an error.
type ConsentStoreTx interface {
	RunInTx(ctx context.Context, fn func(store Store) error) error
}

// numConsentShards spreads owners across independent locks so unrelated
// owners never contend.
const numConsentShards = 128

// defaultConsentTxTimeout is the maximum duration for a consent transaction.
const defaultConsentTxTimeout = 5 * time.Second

type shardedConsentTx struct {
	shards  [numConsentShards]sync.Mutex
	store   Store
	timeout time.Duration
}

// NewInMemoryTx serializes writes per owner over store and stages appends
// until fn succeeds.
func NewInMemoryTx(store Store) ConsentStoreTx {
	return &shardedConsentTx{store: store}
}

func (t *shardedConsentTx) RunInTx(ctx context.Context, fn func(store Store) error) error {
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

	shard := t.selectShard(ctx)
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	staged := &stagedStore{base: t.store}
	if err := fn(staged); err != nil {
		return err
	}
	for _, g := range staged.pending {
		if err := t.store.Append(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// selectShard picks a shard based on the owner in context, or defaults to shard 0.
func (t *shardedConsentTx) selectShard(ctx context.Context) int {
	if owner, ok := ctx.Value(txOwnerKeyCtx).(domain.OwnerID); ok && !owner.IsNil() {
		return int(hashConsentString(owner.String()) % numConsentShards)
	}
	return 0
}

// hashConsentString is FNV-1a.
func hashConsentString(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}

type txOwnerKey struct{}

var txOwnerKeyCtx = txOwnerKey{}

// withTxOwner tags ctx with the owner whose shard a transaction locks.
func withTxOwner(ctx context.Context, owner domain.OwnerID) context.Context {
	return context.WithValue(ctx, txOwnerKeyCtx, owner)
}

// stagedStore buffers appends and overlays them on reads.
type stagedStore struct {
	base    Store
	pending []*models.Grant
}

func (s *stagedStore) Append(_ context.Context, grant *models.Grant) error {
	s.pending = append(s.pending, grant)
	return nil
}

func (s *stagedStore) ListByOwner(ctx context.Context, owner domain.OwnerID) ([]*models.Grant, error) {
	grants, err := s.base.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, g := range s.pending {
		if g.OwnerID == owner {
			grants = append(grants, g)
		}
	}
	return grants, nil
}
