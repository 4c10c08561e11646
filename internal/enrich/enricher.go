// Package enrich runs the per-prospect enrichment pipeline: lock, fetch the
// website, extract contacts, generate an icebreaker, classify, release.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/fetch"
	"github.com/sells-group/prospect-enricher/internal/lock"
	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/resilience"
)

// errIcebreakerOwed is returned when a prospect still needs an icebreaker
// after the pipeline ran.
var errIcebreakerOwed = eris.New("enrich: icebreaker still owed")

// ErrRetryBudgetExhausted matches a RetryBudgetError. The prospect has
// already been finalized, so callers must not retry it.
var ErrRetryBudgetExhausted = eris.New("enrich: retry budget exhausted")

// RetryBudgetError is returned by the attempt that spends a prospect's last
// retry. The prospect is left in a terminal status; Err is the final cause.
type RetryBudgetError struct {
	Attempts int
	Status   model.ProspectStatus
	Err      error
}

func (e *RetryBudgetError) Error() string {
	return fmt.Sprintf("enrich: retry budget exhausted after %d attempts (now %s): %v", e.Attempts, e.Status, e.Err)
}

func (e *RetryBudgetError) Unwrap() error { return e.Err }

// Is reports whether target is ErrRetryBudgetExhausted.
func (e *RetryBudgetError) Is(target error) bool { return target == ErrRetryBudgetExhausted }

// Store is the persistence the enricher needs.
type Store interface {
	IcebreakerStore
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	IncrementRetryCount(ctx context.Context, id, note, actor string) (int, error)
	ListContacts(ctx context.Context, prospectID string) ([]model.Contact, error)
	InsertContacts(ctx context.Context, prospectID string, contacts []model.Contact) (int, error)
}

// PageFetcher retrieves the text of a prospect's website.
type PageFetcher interface {
	Fetch(ctx context.Context, domain string) (*fetch.Page, error)
}

// Options control a single Enrich call.
type Options struct {
	// Force re-runs extraction on prospects that already have contacts and
	// allows locking prospects in a terminal status.
	Force bool
	// ForceIcebreaker regenerates an existing icebreaker.
	ForceIcebreaker bool
}

// Outcome describes what happened to one prospect.
type Outcome struct {
	ProspectID          string               `json:"prospect_id"`
	Domain              string               `json:"domain"`
	Status              model.ProspectStatus `json:"status,omitempty"`
	Skipped             bool                 `json:"skipped,omitempty"`
	ContactCount        int                  `json:"contact_count"`
	ContactsInserted    int                  `json:"contacts_inserted"`
	IcebreakerGenerated bool                 `json:"icebreaker_generated,omitempty"`
	Note                string               `json:"note,omitempty"`
}

// Label is the metrics label for the outcome.
func (o *Outcome) Label() string {
	switch {
	case o == nil:
		return "error"
	case o.Skipped:
		return "skipped"
	default:
		return string(o.Status)
	}
}

// Config configures an Enricher.
type Config struct {
	// MaxRetries is the per-prospect attempt budget across runs. Reaching it
	// moves the prospect out of the pending pool. 0 disables the cap.
	MaxRetries int
	// Actor is recorded on audit rows; defaults to the locker's worker id.
	Actor string
}

// Enricher runs the per-prospect pipeline.
type Enricher struct {
	store       Store
	locker      lock.Locker
	fetcher     PageFetcher
	extractor   *Extractor
	icebreakers *IcebreakerGenerator
	cfg         Config
	metrics     *metrics.Metrics
}

// New creates an Enricher.
func New(s Store, l lock.Locker, f PageFetcher, x *Extractor, ig *IcebreakerGenerator, cfg Config, m *metrics.Metrics) *Enricher {
	if cfg.Actor == "" {
		cfg.Actor = l.WorkerID()
	}
	return &Enricher{
		store:       s,
		locker:      l,
		fetcher:     f,
		extractor:   x,
		icebreakers: ig,
		cfg:         cfg,
		metrics:     m,
	}
}

// Enrich runs the full pipeline for one prospect. A prospect locked by
// another worker is skipped without writes. Fetch and parse problems end in
// review. Resource exhaustion restores the prospect and is returned so the
// caller can stop the batch; other errors count against the retry budget.
func (e *Enricher) Enrich(ctx context.Context, prospectID string, opts Options) (*Outcome, error) {
	start := time.Now()
	p, err := e.store.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: load prospect %s", prospectID)
	}
	if p.Status.IsTerminal() && !opts.Force {
		return &Outcome{ProspectID: p.ID, Domain: p.Domain, Status: p.Status, Skipped: true, Note: "already " + string(p.Status)}, nil
	}

	var lockOpts []lock.AcquireOption
	if opts.Force {
		lockOpts = append(lockOpts, lock.AllowTerminal())
	}
	out, err := e.locked(ctx, p, lockOpts, func() (*Outcome, error) {
		return e.enrichLocked(ctx, p, opts)
	})
	e.record("enrichment", out, start)
	return out, err
}

// GenerateIcebreaker runs the icebreaker-only pipeline: lock, best-effort
// fetch for context, generate, classify, release.
func (e *Enricher) GenerateIcebreaker(ctx context.Context, prospectID string, force bool) (*Outcome, error) {
	start := time.Now()
	p, err := e.store.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: load prospect %s", prospectID)
	}

	out, err := e.locked(ctx, p, []lock.AcquireOption{lock.AllowTerminal()}, func() (*Outcome, error) {
		return e.icebreakerLocked(ctx, p, force)
	})
	e.record("icebreaker", out, start)
	return out, err
}

// locked acquires the prospect lock, runs fn, and routes its errors through
// the failure path so the lock is always released.
func (e *Enricher) locked(ctx context.Context, p *model.Prospect, opts []lock.AcquireOption, fn func() (*Outcome, error)) (*Outcome, error) {
	ok, err := e.locker.TryAcquire(ctx, p.ID, opts...)
	if err != nil {
		return nil, err
	}
	if !ok {
		zap.L().Info("enrich: prospect locked by another worker, skipping",
			zap.String("prospect_id", p.ID), zap.String("domain", p.Domain))
		return &Outcome{ProspectID: p.ID, Domain: p.Domain, Skipped: true, Note: "locked by another worker"}, nil
	}

	out, err := fn()
	if err != nil {
		return e.fail(ctx, p, err)
	}
	return out, nil
}

func (e *Enricher) enrichLocked(ctx context.Context, p *model.Prospect, opts Options) (*Outcome, error) {
	log := zap.L().With(zap.String("prospect_id", p.ID), zap.String("domain", p.Domain))
	out := &Outcome{ProspectID: p.ID, Domain: p.Domain}

	contacts, err := e.store.ListContacts(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	var pageText string
	if len(contacts) == 0 || opts.Force {
		page, err := e.fetcher.Fetch(ctx, p.Domain)
		switch {
		case errors.Is(err, fetch.ErrAllFailed), errors.Is(err, fetch.ErrInsufficientContent):
			if len(contacts) == 0 {
				return e.finish(ctx, p, out, model.ProspectStatusReview, "website unavailable: "+page.Summary())
			}
			log.Warn("enrich: refetch failed, keeping existing contacts", zap.Error(err))
		case err != nil:
			return nil, err
		default:
			pageText = page.Text
		}
	}

	if pageText != "" {
		extraction, err := e.extractor.Extract(ctx, p.Domain, pageText)
		switch {
		case errors.Is(err, ErrParse):
			if len(contacts) == 0 {
				return e.finish(ctx, p, out, model.ProspectStatusReview, "extraction failed: "+err.Error())
			}
			log.Warn("enrich: re-extraction unparseable, keeping existing contacts", zap.Error(err))
		case err != nil:
			return nil, err
		default:
			out.ContactsInserted, err = e.store.InsertContacts(ctx, p.ID, extraction.Contacts)
			if err != nil {
				return nil, err
			}
			if p.CompanyName == "" && extraction.CompanyName != "" {
				name := extraction.CompanyName
				if _, err := e.store.UpdateProspect(ctx, p.ID, model.ProspectUpdate{CompanyName: &name},
					"company name extracted from website", e.cfg.Actor); err != nil {
					return nil, err
				}
				p.CompanyName = name
			}
			log.Info("enrich: contacts extracted",
				zap.Int("found", len(extraction.Contacts)),
				zap.Int("inserted", out.ContactsInserted),
			)
		}
		contacts, err = e.store.ListContacts(ctx, p.ID)
		if err != nil {
			return nil, err
		}
	}

	facts := FactsFor(contacts, *p)
	if facts.AcceptedEmailCount > 0 && (!facts.HasIcebreaker || opts.ForceIcebreaker) {
		if _, err := e.icebreakers.Generate(ctx, *p, p.CompanyName, pageText, opts.ForceIcebreaker); err != nil {
			return nil, err
		}
		out.IcebreakerGenerated = true
	}

	return e.conclude(ctx, p, out)
}

func (e *Enricher) icebreakerLocked(ctx context.Context, p *model.Prospect, force bool) (*Outcome, error) {
	out := &Outcome{ProspectID: p.ID, Domain: p.Domain}

	contacts, err := e.store.ListContacts(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	facts := FactsFor(contacts, *p)
	if facts.AcceptedEmailCount > 0 && (!facts.HasIcebreaker || force) {
		var pageText string
		page, err := e.fetcher.Fetch(ctx, p.Domain)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if page != nil {
			pageText = page.Text
		} else if err != nil {
			zap.L().Debug("enrich: no website context for icebreaker", zap.String("domain", p.Domain), zap.Error(err))
		}
		if _, err := e.icebreakers.Generate(ctx, *p, p.CompanyName, pageText, force); err != nil {
			return nil, err
		}
		out.IcebreakerGenerated = true
	}

	return e.conclude(ctx, p, out)
}

// conclude classifies the prospect from fresh data and writes a terminal
// status. A non-terminal result is an error: the icebreaker is still owed.
func (e *Enricher) conclude(ctx context.Context, p *model.Prospect, out *Outcome) (*Outcome, error) {
	fresh, err := e.store.GetProspect(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	contacts, err := e.store.ListContacts(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	out.ContactCount = len(contacts)

	d := Classify(FactsFor(contacts, *fresh))
	if !d.Terminal {
		return nil, errIcebreakerOwed
	}
	return e.finish(ctx, fresh, out, d.Status, d.Reason)
}

// finish writes a terminal status and releases the lock.
func (e *Enricher) finish(ctx context.Context, p *model.Prospect, out *Outcome, status model.ProspectStatus, note string) (*Outcome, error) {
	upd := model.ProspectUpdate{Status: &status}
	if status != model.ProspectStatusEnriched {
		upd.Notes = &note
	}
	if _, err := e.store.UpdateProspect(ctx, p.ID, upd, note, e.cfg.Actor); err != nil {
		return nil, err
	}
	if err := e.locker.Release(ctx, p.ID); err != nil {
		return nil, err
	}

	out.Status = status
	out.Note = note
	zap.L().Info("enrich: prospect finalized",
		zap.String("prospect_id", p.ID),
		zap.String("domain", p.Domain),
		zap.String("status", string(status)),
		zap.String("note", note),
	)
	return out, nil
}

// fail handles an error from a locked pipeline. Resource exhaustion and
// cancellation restore the prospect without spending its retry budget.
// Other errors increment the retry counter; once the budget is spent the
// prospect is classified from what it has, or sent to review, and a
// RetryBudgetError is returned alongside the outcome.
func (e *Enricher) fail(ctx context.Context, p *model.Prospect, cause error) (*Outcome, error) {
	// Cleanup must run even when ctx is what failed.
	wctx := context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("prospect_id", p.ID), zap.String("domain", p.Domain))
	out := &Outcome{ProspectID: p.ID, Domain: p.Domain, Status: restoreStatus(p)}

	if resilience.IsResourceExhausted(cause) || ctx.Err() != nil {
		log.Warn("enrich: interrupted, restoring prospect", zap.Error(cause))
		e.restore(wctx, p.ID, out.Status, "enrichment interrupted: "+cause.Error())
		return out, cause
	}

	n, err := e.store.IncrementRetryCount(wctx, p.ID, "enrichment attempt failed: "+cause.Error(), e.cfg.Actor)
	if err != nil {
		log.Error("enrich: increment retry count", zap.Error(err))
	}
	if e.cfg.MaxRetries > 0 && n >= e.cfg.MaxRetries {
		status := model.ProspectStatusReview
		if contacts, err := e.store.ListContacts(wctx, p.ID); err == nil {
			fresh := *p
			if cur, err := e.store.GetProspect(wctx, p.ID); err == nil {
				fresh = *cur
			}
			if d := Classify(FactsFor(contacts, fresh)); d.Terminal {
				status = d.Status
			}
		}
		log.Warn("enrich: retry budget exhausted", zap.Int("attempts", n), zap.String("status", string(status)), zap.Error(cause))
		if _, err := e.finish(wctx, p, out, status, fmt.Sprintf("retry budget exhausted after %d attempts: %v", n, cause)); err != nil {
			return nil, eris.Wrapf(err, "enrich: finalize %s after retry budget", p.ID)
		}
		return out, &RetryBudgetError{Attempts: n, Status: status, Err: cause}
	}

	log.Warn("enrich: attempt failed", zap.Int("attempt", n), zap.Error(cause))
	e.restore(wctx, p.ID, out.Status, "enrichment attempt failed")
	return out, cause
}

// restore writes the pre-lock status back and releases the lock.
func (e *Enricher) restore(ctx context.Context, id string, status model.ProspectStatus, note string) {
	if _, err := e.store.UpdateProspect(ctx, id, model.ProspectUpdate{Status: &status}, note, e.cfg.Actor); err != nil {
		zap.L().Error("enrich: restore status", zap.String("prospect_id", id), zap.Error(err))
	}
	if err := e.locker.Release(ctx, id); err != nil {
		zap.L().Error("enrich: release lock", zap.String("prospect_id", id), zap.Error(err))
	}
}

// restoreStatus is the status a prospect returns to when a run is abandoned.
func restoreStatus(p *model.Prospect) model.ProspectStatus {
	if p.Status == "" || p.Status == model.ProspectStatusEnriching {
		return model.ProspectStatusPending
	}
	return p.Status
}

func (e *Enricher) record(kind string, out *Outcome, start time.Time) {
	e.metrics.Processed(out.Label())
	e.metrics.ObserveRecord(kind, time.Since(start).Seconds())
}
