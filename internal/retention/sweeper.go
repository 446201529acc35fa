package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"carevault/internal/audit"
	"carevault/internal/platform/config"
	"carevault/internal/platform/metrics"
	"carevault/internal/record/models"
	"carevault/internal/record/ports"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// SweeperActor is recorded on every audit entry the sweeper writes.
const SweeperActor = "retention-sweeper"

const lockKey = "carevault:retention:sweep"

// ErrSweepSkipped is returned when another sweep holds the in-process flag
// or the cluster lock.
var ErrSweepSkipped = errors.New("retention sweep already running")

// ChainVerifier checks audit chain integrity. *audit.Log satisfies it.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, from, to uint64) error
}

// Report summarizes one sweep.
type Report struct {
	Scanned   int
	Scheduled int
	Purged    int
	Failed    int
	Skipped   int
}

// Sweeper periodically purges records past their retention expiry. It only
// sees record metadata.
type Sweeper struct {
	store     ports.RecordStore
	purger    *Purger
	retrier   Retrier
	locker    Locker
	verifier  ChainVerifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time
	interval  time.Duration
	batchSize int
	lockTTL   time.Duration

	running atomic.Bool
}

func NewSweeper(store ports.RecordStore, purger *Purger, cfg config.RetentionConfig, opts ...Option) *Sweeper {
	o := buildOptions(opts)
	s := &Sweeper{
		store:     store,
		purger:    purger,
		retrier:   o.retrier,
		locker:    o.locker,
		verifier:  o.verifier,
		logger:    o.logger,
		metrics:   o.metrics,
		clock:     o.clock,
		interval:  cfg.SweepInterval,
		batchSize: cfg.BatchSize,
		lockTTL:   cfg.LockTTL,
	}
	if s.interval <= 0 {
		s.interval = 24 * time.Hour
	}
	if s.batchSize <= 0 {
		s.batchSize = 500
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Minute
	}
	return s
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runLogged(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if s.logger == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSweepSkipped):
		s.logger.InfoContext(ctx, "retention sweep skipped", "reason", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "retention sweep failed", "error", err,
			"scanned", report.Scanned, "purged", report.Purged, "failed", report.Failed)
	default:
		s.logger.InfoContext(ctx, "retention sweep completed",
			"scanned", report.Scanned,
			"scheduled", report.Scheduled,
			"purged", report.Purged,
			"failed", report.Failed,
			"skipped", report.Skipped,
		)
	}
}

// SweepOnce processes every due record once. Records whose delete fails stay
// pending_purge and are retried on the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.IncSweep("skipped")
		return Report{}, ErrSweepSkipped
	}
	defer s.running.Store(false)

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
		if err != nil {
			s.metrics.IncSweep("error")
			return Report{}, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "acquire sweep lock")
		}
		if !ok {
			s.metrics.IncSweep("skipped")
			return Report{}, ErrSweepSkipped
		}
		defer func() {
			// The sweep context may already be cancelled; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(rctx); err != nil && s.logger != nil {
				s.logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
			}
		}()
	}

	report, err := s.sweep(ctx)
	if err != nil {
		s.metrics.IncSweep("error")
		return report, err
	}

	if s.verifier != nil {
		if err := s.verifier.VerifyChain(ctx, 1, 0); err != nil {
			s.metrics.IncSweep("chain_failed")
			return report, err
		}
	}

	if report.Failed > 0 {
		s.metrics.IncSweep("partial")
	} else {
		s.metrics.IncSweep("ok")
	}
	return report, nil
}

func (s *Sweeper) sweep(ctx context.Context) (Report, error) {
	var report Report
	now := s.clock()
	seen := make(map[domain.RecordID]struct{})
	// Failed records stay due and sort ahead of unseen ones; widen the
	// window by that many so each batch still brings new work.
	stuck := 0

	for {
		if err := ctx.Err(); err != nil {
			return report, dErrors.Wrap(err, dErrors.CodeTimeout, "retention sweep interrupted")
		}

		limit := s.batchSize + stuck
		var due []models.RecordMeta
		err := s.retrier.Do(ctx, "record.list_due", func(ctx context.Context) error {
			var err error
			due, err = s.store.ListDue(ctx, now, limit)
			return err
		})
		if err != nil {
			return report, storeError(err, "list due records")
		}

		fresh := 0
		for _, meta := range due {
			if _, ok := seen[meta.ID]; ok {
				continue
			}
			seen[meta.ID] = struct{}{}
			fresh++
			report.Scanned++

			res, err := s.purger.Purge(ctx, meta, SweeperActor, audit.ReasonRetentionExpired)
			if res.Scheduled {
				report.Scheduled++
			}
			switch {
			case err != nil:
				report.Failed++
				stuck++
				if dErrors.HasCode(err, dErrors.CodeChainTampered) {
					return report, err
				}
				if s.logger != nil {
					s.logger.WarnContext(ctx, "purge deferred to next sweep",
						"record_id", meta.ID.String(),
						"error", err,
					)
				}
			case res.Purged:
				report.Purged++
			default:
				report.Skipped++
			}
		}

		if len(due) < limit || fresh == 0 {
			return report, nil
		}
	}
}
