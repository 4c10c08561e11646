// Package reconcile repairs prospects left in the enriching status by a
// crashed or abandoned pipeline run.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/lock"
	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/model"
)

// Pass names.
const (
	PassStaleLock = "stale_lock"
	PassOrphan    = "orphan"
)

// Store is the persistence the sweeper needs.
type Store interface {
	ListStaleLocked(ctx context.Context, lockedBefore time.Time) ([]model.Prospect, error)
	ListOrphaned(ctx context.Context) ([]model.Prospect, error)
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	ListContacts(ctx context.Context, prospectID string) ([]model.Contact, error)
	UpdateProspect(ctx context.Context, id string, upd model.ProspectUpdate, note, actor string) (bool, error)
}

// Config configures a Sweeper.
type Config struct {
	StaleAfter time.Duration
	Actor      string
}

// PassReport counts the work done by one pass.
type PassReport struct {
	Found    int                          `json:"found" yaml:"found"`
	Repaired int                          `json:"repaired" yaml:"repaired"`
	Skipped  int                          `json:"skipped" yaml:"skipped"`
	ByStatus map[model.ProspectStatus]int `json:"by_status,omitempty" yaml:"by_status,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time  `json:"finished_at" yaml:"finished_at"`
	StaleLocks PassReport `json:"stale_locks" yaml:"stale_locks"`
	Orphans    PassReport `json:"orphans" yaml:"orphans"`
	Errors     []string   `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Repaired returns the number of prospects repaired by both passes.
func (r *Report) Repaired() int {
	return r.StaleLocks.Repaired + r.Orphans.Repaired
}

// Sweeper runs the stale-lock and orphan passes.
type Sweeper struct {
	store   Store
	locker  lock.Locker
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSweeper creates a Sweeper. Each repaired prospect is locked through l
// first, so a worker that took over the record in the meantime wins.
func NewSweeper(s Store, l lock.Locker, cfg Config, m *metrics.Metrics) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = lock.DefaultStaleAfter
	}
	if cfg.Actor == "" {
		cfg.Actor = "reconcile"
	}
	return &Sweeper{store: s, locker: l, cfg: cfg, metrics: m, now: time.Now}
}

// Run executes both passes. Per-record failures are collected in the report;
// only a failed listing query aborts the sweep. Running it again on the same
// data finds nothing to do.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: s.now().UTC()}
	log := zap.L().With(zap.String("component", "reconcile"))

	stale, err := s.store.ListStaleLocked(ctx, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return rep, eris.Wrap(err, "reconcile: list stale locks")
	}
	rep.StaleLocks = s.pass(ctx, PassStaleLock, stale, rep)

	orphans, err := s.store.ListOrphaned(ctx)
	if err != nil {
		return rep, eris.Wrap(err, "reconcile: list orphans")
	}
	rep.Orphans = s.pass(ctx, PassOrphan, orphans, rep)

	rep.FinishedAt = s.now().UTC()
	log.Info("reconcile: sweep complete",
		zap.Int("stale_found", rep.StaleLocks.Found),
		zap.Int("stale_repaired", rep.StaleLocks.Repaired),
		zap.Int("orphans_found", rep.Orphans.Found),
		zap.Int("orphans_repaired", rep.Orphans.Repaired),
		zap.Int("errors", len(rep.Errors)),
	)
	return rep, ctx.Err()
}

func (s *Sweeper) pass(ctx context.Context, name string, prospects []model.Prospect, rep *Report) PassReport {
	pr := PassReport{Found: len(prospects), ByStatus: map[model.ProspectStatus]int{}}
	for _, p := range prospects {
		if ctx.Err() != nil {
			break
		}
		status, ok, err := s.repair(ctx, name, p)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s %s: %v", name, p.ID, err))
			zap.L().Error("reconcile: repair failed", zap.String("pass", name), zap.String("prospect_id", p.ID), zap.Error(err))
		case !ok:
			pr.Skipped++
		default:
			pr.Repaired++
			pr.ByStatus[status]++
			s.metrics.Repaired(name, string(status))
		}
	}
	return pr
}

// repair classifies one prospect from fresh data and writes the result.
// It returns ok=false when another worker holds a live lock on it.
func (s *Sweeper) repair(ctx context.Context, pass string, p model.Prospect) (model.ProspectStatus, bool, error) {
	acquired, err := s.locker.TryAcquire(ctx, p.ID, lock.AllowTerminal())
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}

	status, err := s.classify(ctx, pass, p.ID)
	if relErr := s.locker.Release(context.WithoutCancel(ctx), p.ID); relErr != nil && err == nil {
		err = relErr
	}
	return status, err == nil, err
}

func (s *Sweeper) classify(ctx context.Context, pass, id string) (model.ProspectStatus, error) {
	fresh, err := s.store.GetProspect(ctx, id)
	if err != nil {
		return "", err
	}
	contacts, err := s.store.ListContacts(ctx, id)
	if err != nil {
		return "", err
	}

	d := enrich.Classify(enrich.FactsFor(contacts, *fresh))
	note := fmt.Sprintf("reconciled (%s): %s", pass, d.Reason)
	upd := model.ProspectUpdate{Status: &d.Status}
	if d.Terminal && d.Status != model.ProspectStatusEnriched {
		upd.Notes = &note
	}
	if _, err := s.store.UpdateProspect(ctx, id, upd, note, s.cfg.Actor); err != nil {
		return "", err
	}

	zap.L().Info("reconcile: prospect repaired",
		zap.String("pass", pass),
		zap.String("prospect_id", id),
		zap.String("domain", fresh.Domain),
		zap.String("status", string(d.Status)),
		zap.Int("contacts", len(contacts)),
	)
	return d.Status, nil
}
