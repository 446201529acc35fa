// Package audit keeps an append-only, SHA-256 hash-chained log of every
// record and consent transition.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"carevault/internal/platform/metrics"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
)

// appendAttempts bounds retries when another writer claimed the next seq.
const appendAttempts = 3

// Log serializes sequence assignment behind a mutex and caches the head.
// Once VerifyChain detects tampering the log halts and every Append fails.
type Log struct {
	store   Store
	alerter Alerter
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu   sync.Mutex
	head *Entry

	halted     atomic.Bool
	haltReason atomic.Value
}

type Option func(*Log)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

func WithAlerter(a Alerter) Option {
	return func(l *Log) {
		l.alerter = a
	}
}

func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func New(store Store, opts ...Option) *Log {
	l := &Log{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append links ev to the chain and returns its sequence number.
func (l *Log) Append(ctx context.Context, ev Event) (uint64, error) {
	if l.halted.Load() {
		return 0, dErrors.New(dErrors.CodeChainTampered, "audit log halted: "+l.reason())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	for range appendAttempts {
		if l.head == nil {
			head, err := l.store.Head(ctx)
			if err != nil {
				return 0, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load audit head")
			}
			if head == nil {
				head = &Entry{Hash: GenesisHash()}
			}
			l.head = head
		}

		entry := Entry{
			Seq:       l.head.Seq + 1,
			Timestamp: normalizeTimestamp(l.clock()),
			Actor:     ev.Actor,
			Action:    ev.Action,
			RecordID:  ev.RecordID,
			OwnerID:   ev.OwnerID,
			Outcome:   ev.Outcome,
			Reason:    ev.Reason,
			PrevHash:  l.head.Hash,
		}
		entry.Hash = ComputeHash(entry.PrevHash, entry)

		err := l.store.Append(ctx, entry)
		if err == nil {
			l.head = &entry
			l.metrics.IncAuditAppend()
			return entry.Seq, nil
		}
		// Any failure may leave the cached head stale; reload on the next attempt.
		l.head = nil
		lastErr = err
		if !errors.Is(err, sentinel.ErrConflict) {
			break
		}
	}
	return 0, dErrors.Wrap(lastErr, dErrors.CodeStorageUnavailable, "append audit entry")
}

// VerifyChain recomputes entries from..to (to == 0 means the current head).
// Verification starts from the entry before from, or genesis.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) error {
	if from < 1 {
		from = 1
	}
	if to != 0 && to < from {
		return dErrors.New(dErrors.CodeValidation, "verify range is empty")
	}

	prevHash := GenesisHash()
	if from > 1 {
		prev, err := l.store.Get(ctx, from-1)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return l.tampered(ctx, from-1, "entry missing")
			}
			return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load audit entry")
		}
		if !bytes.Equal(prev.Hash, ComputeHash(prev.PrevHash, *prev)) {
			return l.tampered(ctx, prev.Seq, "hash mismatch")
		}
		prevHash = prev.Hash
	}

	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load audit range")
	}

	expected := from
	for _, e := range entries {
		switch {
		case e.Seq != expected:
			return l.tampered(ctx, expected, "sequence gap")
		case !bytes.Equal(e.PrevHash, prevHash):
			return l.tampered(ctx, e.Seq, "previous hash mismatch")
		case !bytes.Equal(e.Hash, ComputeHash(e.PrevHash, e)):
			return l.tampered(ctx, e.Seq, "hash mismatch")
		}
		prevHash = e.Hash
		expected++
	}
	if to != 0 && expected <= to {
		return l.tampered(ctx, expected, "entry missing")
	}
	return nil
}

// Trail returns every entry that references recordID, in sequence order.
func (l *Log) Trail(ctx context.Context, recordID domain.RecordID) ([]Entry, error) {
	entries, err := l.store.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "load audit trail")
	}
	return entries, nil
}

// Halted reports whether tampering was detected.
func (l *Log) Halted() bool {
	return l.halted.Load()
}

func (l *Log) reason() string {
	if r, ok := l.haltReason.Load().(string); ok {
		return r
	}
	return "tamper detected"
}

// tampered halts the log and raises the operator alert. There is no repair path.
func (l *Log) tampered(ctx context.Context, seq uint64, detail string) error {
	reason := fmt.Sprintf("%s at seq %d", detail, seq)
	first := l.halted.CompareAndSwap(false, true)
	if first {
		l.haltReason.Store(reason)
	}
	l.metrics.IncChainTamper()

	if l.logger != nil {
		l.logger.ErrorContext(ctx, "audit chain verification failed",
			"log_type", "audit",
			"seq", seq,
			"detail", detail,
		)
	}
	if l.alerter != nil {
		alert := Alert{Kind: AlertChainTampered, Seq: seq, Detail: detail, DetectedAt: l.clock().UTC()}
		if err := l.alerter.Alert(ctx, alert); err != nil && l.logger != nil {
			l.logger.ErrorContext(ctx, "failed to deliver operator alert", "error", err)
		}
	}
	return dErrors.New(dErrors.CodeChainTampered, "audit chain tampered: "+reason)
}
