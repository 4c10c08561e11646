// Package jobs runs resumable batch jobs over eligible prospects.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/resilience"
	"github.com/sells-group/prospect-enricher/internal/store"
)

// Defaults.
const (
	DefaultBatchSize      = 6
	DefaultMaxAttempts    = 3
	DefaultAttemptBackoff = 2 * time.Second
)

var (
	// ErrJobCompleted is returned when an operation targets a completed job.
	// A completed job is never restarted; start a new one instead.
	ErrJobCompleted = eris.New("jobs: job already completed")
	// ErrUnknownKind is returned for a job kind with no registered processor.
	ErrUnknownKind = eris.New("jobs: unknown job kind")
)

// Store is the persistence the runner needs.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	SetJobStatus(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error)
	RecordJobProgress(ctx context.Context, id string, p model.JobProgress) error
	RecordJobFailure(ctx context.Context, f model.JobFailure) error
	ListEligible(ctx context.Context, q store.EligibleQuery) ([]model.Prospect, error)
	CountEligible(ctx context.Context, q store.EligibleQuery) (int, error)
}

// Config configures a Runner.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	AttemptBackoff time.Duration
	// MaxRetries is the per-prospect retry budget; prospects at or over it
	// are not eligible for enrichment jobs.
	MaxRetries int
}

// StartOptions describe a new job.
type StartOptions struct {
	Kind      model.JobKind `json:"kind"`
	BatchSize int           `json:"batch_size,omitempty"`
	Chain     bool          `json:"chain"`
	// Force regenerates existing icebreakers (icebreaker kind only).
	Force bool `json:"force,omitempty"`
}

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	JobID     string `json:"job_id" yaml:"job_id"`
	Processed int    `json:"processed" yaml:"processed"`
	Succeeded int    `json:"succeeded" yaml:"succeeded"`
	Failed    int    `json:"failed" yaml:"failed"`
	Skipped   int    `json:"skipped" yaml:"skipped"`
	More      bool   `json:"more" yaml:"more"`
	Paused    bool   `json:"paused" yaml:"paused"`
	Completed bool   `json:"completed" yaml:"completed"`
	Chain     bool   `json:"chain" yaml:"chain"`
}

func (r *BatchResult) add(o BatchResult) {
	r.Processed += o.Processed
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.More, r.Paused, r.Completed, r.Chain = o.More, o.Paused, o.Completed, o.Chain
}

// Runner creates jobs and processes them one batch at a time.
type Runner struct {
	store      Store
	processors map[model.JobKind]Processor
	cfg        Config
	metrics    *metrics.Metrics
}

// NewRunner creates a Runner with one processor per job kind.
func NewRunner(s Store, cfg Config, m *metrics.Metrics, procs ...Processor) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptBackoff < 0 {
		cfg.AttemptBackoff = DefaultAttemptBackoff
	}
	r := &Runner{store: s, processors: make(map[model.JobKind]Processor, len(procs)), cfg: cfg, metrics: m}
	for _, p := range procs {
		r.processors[p.Kind()] = p
	}
	return r
}

// Start creates a running job whose total is the number of currently
// eligible prospects.
func (r *Runner) Start(ctx context.Context, opts StartOptions) (*model.Job, error) {
	if opts.Kind == "" {
		opts.Kind = model.JobKindEnrichment
	}
	if _, ok := r.processors[opts.Kind]; !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "jobs: start %q", opts.Kind)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = r.cfg.BatchSize
	}

	job := &model.Job{
		Kind:            opts.Kind,
		Status:          model.JobStatusRunning,
		BatchSize:       opts.BatchSize,
		Chain:           opts.Chain,
		ForceRegenerate: opts.Force && opts.Kind == model.JobKindIcebreaker,
	}
	total, err := r.store.CountEligible(ctx, r.eligible(job, "", 0))
	if err != nil {
		return nil, eris.Wrap(err, "jobs: count eligible")
	}
	job.TotalCount = total

	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "jobs: create job")
	}
	r.metrics.JobTransition(string(job.Kind), string(job.Status))
	zap.L().Info("jobs: job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("total", job.TotalCount),
		zap.Int("batch_size", job.BatchSize),
		zap.Bool("chain", job.Chain),
	)
	return job, nil
}

// Pause stops a running job before its next record. Pausing a paused job is
// a no-op.
func (r *Runner) Pause(ctx context.Context, id string) (*model.Job, error) {
	return r.transition(ctx, id, model.JobStatusRunning, model.JobStatusPaused, "paused by operator")
}

// Resume moves a paused job back to running. Resuming a running job is a
// no-op.
func (r *Runner) Resume(ctx context.Context, id string) (*model.Job, error) {
	return r.transition(ctx, id, model.JobStatusPaused, model.JobStatusRunning, "")
}

func (r *Runner) transition(ctx context.Context, id string, from, to model.JobStatus, reason string) (*model.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: load job %s", id)
	}
	if job.Status == model.JobStatusCompleted {
		return job, eris.Wrapf(ErrJobCompleted, "jobs: %s", id)
	}
	if job.Status == to {
		return job, nil
	}

	ok, err := r.store.SetJobStatus(ctx, id, []model.JobStatus{from}, to, reason)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: set %s on %s", to, id)
	}
	if ok {
		r.metrics.JobTransition(string(job.Kind), string(to))
		zap.L().Info("jobs: job "+string(to), zap.String("job_id", id))
	}
	return r.store.GetJob(ctx, id)
}

// Run processes batches until the job completes, pauses or fails.
func (r *Runner) Run(ctx context.Context, id string) (BatchResult, error) {
	total := BatchResult{JobID: id}
	for {
		res, err := r.RunBatch(ctx, id)
		total.add(res)
		if err != nil || !res.More {
			return total, err
		}
	}
}

// RunBatch processes the next page of eligible prospects. The job status is
// polled between records, so a pause takes effect after the in-flight
// record. Progress and the cursor are persisted after every record.
func (r *Runner) RunBatch(ctx context.Context, id string) (BatchResult, error) {
	res := BatchResult{JobID: id}
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return res, eris.Wrapf(err, "jobs: load job %s", id)
	}
	res.Chain = job.Chain
	switch job.Status {
	case model.JobStatusCompleted:
		res.Completed = true
		return res, nil
	case model.JobStatusPaused:
		res.Paused = true
		return res, nil
	}

	proc, ok := r.processors[job.Kind]
	if !ok {
		return res, eris.Wrapf(ErrUnknownKind, "jobs: run %s (%s)", id, job.Kind)
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}
	page, err := r.store.ListEligible(ctx, r.eligible(job, job.LastProcessedReportID, batchSize))
	if err != nil {
		return res, eris.Wrapf(err, "jobs: list eligible for %s", id)
	}

	log := zap.L().With(zap.String("job_id", id), zap.String("kind", string(job.Kind)))
	cursor := job.LastProcessedReportID
	for i := range page {
		p := page[i]
		if i > 0 {
			cur, err := r.store.GetJob(ctx, id)
			if err != nil {
				return res, eris.Wrapf(err, "jobs: poll job %s", id)
			}
			if cur.Status != model.JobStatusRunning {
				res.Paused = cur.Status == model.JobStatusPaused
				res.Completed = cur.Status == model.JobStatusCompleted
				log.Info("jobs: job no longer running, stopping batch", zap.String("status", string(cur.Status)))
				return res, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, attempts, err := r.process(ctx, proc, job, p)
		if err != nil {
			if resilience.IsResourceExhausted(err) {
				r.pauseExhausted(ctx, job, err)
				res.Paused = true
				return res, eris.Wrapf(err, "jobs: %s paused", id)
			}
			if ctx.Err() != nil {
				return res, err
			}
		}

		progress := model.JobProgress{ProspectID: p.ID}
		switch {
		case err != nil:
			progress.Failure = true
			res.Failed++
			r.recordFailure(ctx, job, p, attempts, err)
		case out.Skipped:
			res.Skipped++
		default:
			progress.Success = true
			res.Succeeded++
		}
		if err := r.store.RecordJobProgress(context.WithoutCancel(ctx), id, progress); err != nil {
			return res, eris.Wrapf(err, "jobs: record progress for %s", id)
		}
		res.Processed++
		cursor = p.ID
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	next, err := r.store.ListEligible(ctx, r.eligible(job, cursor, 1))
	if err != nil {
		return res, eris.Wrapf(err, "jobs: check remaining for %s", id)
	}
	if len(next) > 0 {
		res.More = true
	} else {
		done, err := r.store.SetJobStatus(ctx, id, []model.JobStatus{model.JobStatusRunning}, model.JobStatusCompleted, "")
		if err != nil {
			return res, eris.Wrapf(err, "jobs: complete %s", id)
		}
		res.Completed = done
		if done {
			r.metrics.JobTransition(string(job.Kind), string(model.JobStatusCompleted))
		}
	}

	log.Info("jobs: batch finished",
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Bool("more", res.More),
		zap.Bool("completed", res.Completed),
	)
	return res, nil
}

// process runs the processor with a fixed-delay retry budget. Only
// transient errors are retried; a prospect whose retry budget is spent or
// that no longer exists fails on the spot.
func (r *Runner) process(ctx context.Context, proc Processor, job *model.Job, p model.Prospect) (Result, int, error) {
	attempts := 0
	cfg := resilience.FixedRetryConfig(r.cfg.MaxAttempts, r.cfg.AttemptBackoff)
	cfg.ShouldRetry = shouldRetry
	cfg.OnRetry = resilience.RetryLogger("jobs", string(job.Kind),
		zap.String("job_id", job.ID), zap.String("prospect_id", p.ID), zap.String("domain", p.Domain))

	out, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (Result, error) {
		attempts++
		return proc.Process(ctx, job, p)
	})
	return out, attempts, err
}

func shouldRetry(err error) bool {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, enrich.ErrRetryBudgetExhausted) {
		return false
	}
	return resilience.IsTransient(err)
}

func (r *Runner) pauseExhausted(ctx context.Context, job *model.Job, cause error) {
	reason := fmt.Sprintf("%s: %v", ExhaustedReason, cause)
	ok, err := r.store.SetJobStatus(context.WithoutCancel(ctx), job.ID, []model.JobStatus{model.JobStatusRunning}, model.JobStatusPaused, reason)
	if err != nil {
		zap.L().Error("jobs: pause after resource exhaustion failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if ok {
		r.metrics.JobTransition(string(job.Kind), string(model.JobStatusPaused))
	}
	zap.L().Warn("jobs: job paused on resource exhaustion", zap.String("job_id", job.ID), zap.Error(cause))
}

func (r *Runner) recordFailure(ctx context.Context, job *model.Job, p model.Prospect, attempts int, cause error) {
	f := model.JobFailure{
		JobID:      job.ID,
		ProspectID: p.ID,
		Domain:     p.Domain,
		Attempts:   attempts,
		Error:      cause.Error(),
		ErrorType:  resilience.ClassifyError(cause),
	}
	if err := r.store.RecordJobFailure(context.WithoutCancel(ctx), f); err != nil {
		zap.L().Error("jobs: record failure", zap.String("job_id", job.ID), zap.String("prospect_id", p.ID), zap.Error(err))
	}
	zap.L().Warn("jobs: prospect failed",
		zap.String("job_id", job.ID),
		zap.String("prospect_id", p.ID),
		zap.String("domain", p.Domain),
		zap.Int("attempts", attempts),
		zap.String("error_type", f.ErrorType),
		zap.Error(cause),
	)
}

func (r *Runner) eligible(job *model.Job, after string, limit int) store.EligibleQuery {
	q := store.EligibleQuery{Kind: job.Kind, AfterID: after, Limit: limit}
	switch job.Kind {
	case model.JobKindIcebreaker:
		q.Force = job.ForceRegenerate
	default:
		q.MaxRetries = r.cfg.MaxRetries
	}
	return q
}
