// Package lock provides cooperative per-prospect mutual exclusion for the
// enrichment pipeline.
package lock

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

// Default windows.
const (
	DefaultStaleAfter    = 10 * time.Minute
	DefaultDisplayWindow = 15 * time.Minute
)

// Locker isolates the locking mechanism from pipeline logic. A failed
// acquisition is reported as false, never as an error: another worker owns
// the prospect and the caller must skip it.
type Locker interface {
	TryAcquire(ctx context.Context, prospectID string, opts ...AcquireOption) (bool, error)
	Release(ctx context.Context, prospectID string) error
	ReleaseAll(ctx context.Context) (int, error)
	IsStale(p model.Prospect, now time.Time) bool
	WorkerID() string
}

type acquireOptions struct {
	allowTerminal bool
}

// AcquireOption adjusts a single acquisition.
type AcquireOption func(*acquireOptions)

// AllowTerminal lets a forced operation lock a prospect that has already
// reached a terminal status.
func AllowTerminal() AcquireOption {
	return func(o *acquireOptions) { o.allowTerminal = true }
}

// Store is the subset of store.Store the locker needs.
type Store interface {
	TryLockProspect(ctx context.Context, p store.LockParams) (bool, error)
	UnlockProspect(ctx context.Context, id string) error
	UnlockAll(ctx context.Context) (int, error)
}

// Config configures a RecordLocker.
type Config struct {
	WorkerID      string
	StaleAfter    time.Duration
	DisplayWindow time.Duration
}

// RecordLocker implements Locker over the lock columns of the prospect row.
type RecordLocker struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecordLocker creates a RecordLocker. An empty WorkerID defaults to
// hostname-uuid.
func NewRecordLocker(s Store, cfg Config, m *metrics.Metrics) *RecordLocker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = DefaultDisplayWindow
	}
	return &RecordLocker{
		store:   s,
		cfg:     cfg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DefaultWorkerID returns "<hostname>-<short uuid>".
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}

func (l *RecordLocker) WorkerID() string { return l.cfg.WorkerID }

// StaleAfter returns the configured staleness threshold.
func (l *RecordLocker) StaleAfter() time.Duration { return l.cfg.StaleAfter }

// TryAcquire locks the prospect for this worker and moves it to enriching.
// It succeeds only when the prospect is unlocked or its lock is stale.
func (l *RecordLocker) TryAcquire(ctx context.Context, prospectID string, opts ...AcquireOption) (bool, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := l.now()
	ok, err := l.store.TryLockProspect(ctx, store.LockParams{
		ProspectID:    prospectID,
		WorkerID:      l.cfg.WorkerID,
		Now:           now,
		StaleBefore:   now.Add(-l.cfg.StaleAfter),
		AllowTerminal: o.allowTerminal,
	})
	if err != nil {
		return false, eris.Wrapf(err, "lock: acquire %s", prospectID)
	}
	l.metrics.LockAttempt(ok)
	if !ok {
		zap.L().Debug("lock: prospect held by another worker",
			zap.String("prospect_id", prospectID),
			zap.String("worker_id", l.cfg.WorkerID),
		)
	}
	return ok, nil
}

// Release clears the lock fields. It is unconditional and safe to call
// when the lock was never held.
func (l *RecordLocker) Release(ctx context.Context, prospectID string) error {
	return eris.Wrapf(l.store.UnlockProspect(ctx, prospectID), "lock: release %s", prospectID)
}

// ReleaseAll clears every lock. Used by the emergency stop.
func (l *RecordLocker) ReleaseAll(ctx context.Context) (int, error) {
	n, err := l.store.UnlockAll(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "lock: release all")
	}
	return n, nil
}

// IsStale reports whether p carries a lock older than the stale window.
func (l *RecordLocker) IsStale(p model.Prospect, now time.Time) bool {
	return IsStale(p, now, l.cfg.StaleAfter)
}

// IsRecent reports whether p was touched inside the display window. Used only
// to decide what to show operators.
func (l *RecordLocker) IsRecent(p model.Prospect, now time.Time) bool {
	if p.LastEnrichmentAttempt == nil {
		return false
	}
	return now.Sub(*p.LastEnrichmentAttempt) < l.cfg.DisplayWindow
}

// IsStale reports whether p is locked and the lock is older than staleAfter.
func IsStale(p model.Prospect, now time.Time, staleAfter time.Duration) bool {
	if p.EnrichmentLockedAt == nil {
		return false
	}
	return now.Sub(*p.EnrichmentLockedAt) > staleAfter
}
