// Package monitoring collects pipeline health snapshots and sends webhook
// alerts when thresholds are breached.
package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Jobs updated within the lookback window.
	JobsTotal     int `json:"jobs_total" yaml:"jobs_total"`
	JobsRunning   int `json:"jobs_running" yaml:"jobs_running"`
	JobsPaused    int `json:"jobs_paused" yaml:"jobs_paused"`
	JobsCompleted int `json:"jobs_completed" yaml:"jobs_completed"`
	// JobsExhausted counts paused jobs whose last error is resource
	// exhaustion.
	JobsExhausted int `json:"jobs_exhausted" yaml:"jobs_exhausted"`

	Processed int     `json:"processed" yaml:"processed"`
	Succeeded int     `json:"succeeded" yaml:"succeeded"`
	Failed    int     `json:"failed" yaml:"failed"`
	FailRate  float64 `json:"fail_rate" yaml:"fail_rate"`

	// Prospects a reconcile sweep would repair right now.
	StaleLocks int `json:"stale_locks" yaml:"stale_locks"`
	Orphans    int `json:"orphans" yaml:"orphans"`

	LookbackHours int       `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at" yaml:"collected_at"`
}

// Stuck returns the number of prospects waiting on reconciliation.
func (s *MetricsSnapshot) Stuck() int {
	return s.StaleLocks + s.Orphans
}

// Store is the read side the collector needs.
type Store interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	ListStaleLocked(ctx context.Context, lockedBefore time.Time) ([]model.Prospect, error)
	ListOrphaned(ctx context.Context) ([]model.Prospect, error)
}

// Collector gathers snapshots from the store.
type Collector struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. staleAfter matches the lock manager's
// staleness threshold.
func NewCollector(st Store, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	list, err := c.store.ListJobs(ctx, store.JobFilter{Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}
	for _, j := range list {
		if j.UpdatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case model.JobStatusRunning:
			snap.JobsRunning++
		case model.JobStatusPaused:
			snap.JobsPaused++
			if strings.HasPrefix(j.LastError, jobs.ExhaustedReason) {
				snap.JobsExhausted++
			}
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		}
		snap.Processed += j.ProcessedCount
		snap.Succeeded += j.SuccessCount
		snap.Failed += j.FailureCount
	}
	if snap.Processed > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Processed)
	}

	if c.staleAfter > 0 {
		stale, err := c.store.ListStaleLocked(ctx, now.Add(-c.staleAfter))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list stale locks")
		}
		snap.StaleLocks = len(stale)
	}
	orphans, err := c.store.ListOrphaned(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list orphans")
	}
	snap.Orphans = len(orphans)

	return snap, nil
}
