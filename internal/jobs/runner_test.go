package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/resilience"
	"github.com/sells-group/prospect-enricher/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeProcessor struct {
	kind model.JobKind
	fn   func(ctx context.Context, job *model.Job, p model.Prospect) (Result, error)

	mu    sync.Mutex
	calls []string
}

func (f *fakeProcessor) Kind() model.JobKind { return f.kind }

func (f *fakeProcessor) Process(ctx context.Context, job *model.Job, p model.Prospect) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.Domain)
	f.mu.Unlock()
	if f.fn == nil {
		return Result{Status: model.ProspectStatusEnriched}, nil
	}
	return f.fn(ctx, job, p)
}

func (f *fakeProcessor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seed creates n pending prospects d0..d(n-1), each newer than the last, so
// jobs visit them from d(n-1) down to d0.
func seed(t *testing.T, s *store.SQLiteStore, n int) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var ps []model.Prospect
	for i := 0; i < n; i++ {
		ps = append(ps, model.Prospect{Domain: fmt.Sprintf("d%d.com", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	inserted, err := s.CreateProspects(context.Background(), ps)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
}

func newTestRunner(s Store, procs ...Processor) *Runner {
	return NewRunner(s, Config{BatchSize: 2, AttemptBackoff: 0, MaxRetries: 3}, nil, procs...)
}

func getJob(t *testing.T, s Store, id string) *model.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunner_Start(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 3)
	ctx := context.Background()

	enriched, err := s.GetProspectByDomain(ctx, "d0.com")
	require.NoError(t, err)
	_, err = s.UpdateProspect(ctx, enriched.ID, model.ProspectUpdate{Status: model.Ptr(model.ProspectStatusEnriched)}, "", "")
	require.NoError(t, err)

	r := newTestRunner(s, &fakeProcessor{kind: model.JobKindEnrichment}, &fakeProcessor{kind: model.JobKindIcebreaker})

	job, err := r.Start(ctx, StartOptions{Chain: true, Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.JobKindEnrichment, job.Kind)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, 2, job.TotalCount)
	assert.Equal(t, 2, job.BatchSize)
	assert.True(t, job.Chain)
	assert.False(t, job.ForceRegenerate, "force only applies to icebreaker jobs")

	ice, err := r.Start(ctx, StartOptions{Kind: model.JobKindIcebreaker, BatchSize: 5, Force: true})
	require.NoError(t, err)
	assert.True(t, ice.ForceRegenerate)
	assert.Equal(t, 5, ice.BatchSize)
	assert.Zero(t, ice.TotalCount, "no prospect has contacts yet")
}

func TestRunner_StartUnknownKind(t *testing.T) {
	r := newTestRunner(newTestStore(t), &fakeProcessor{kind: model.JobKindEnrichment})
	_, err := r.Start(context.Background(), StartOptions{Kind: model.JobKindIcebreaker})
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestRunner_ProgressArithmetic(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 5)
	ctx := context.Background()

	proc := &fakeProcessor{kind: model.JobKindEnrichment, fn: func(_ context.Context, _ *model.Job, p model.Prospect) (Result, error) {
		switch p.Domain {
		case "d3.com":
			return Result{}, resilience.NewTransientError(errors.New("boom"), 503)
		case "d1.com":
			return Result{Skipped: true, Note: "locked by another worker"}, nil
		}
		return Result{Status: model.ProspectStatusEnriched}, nil
	}}
	r := newTestRunner(s, proc)
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)

	first, err := r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{JobID: job.ID, Processed: 2, Succeeded: 1, Failed: 1, More: true}, first)
	j := getJob(t, s, job.ID)
	assert.Equal(t, 2, j.ProcessedCount)

	second, err := r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{JobID: job.ID, Processed: 2, Succeeded: 1, Skipped: 1, More: true}, second)
	assert.Equal(t, 4, getJob(t, s, job.ID).ProcessedCount)

	third, err := r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Processed)
	assert.False(t, third.More)
	assert.True(t, third.Completed)

	j = getJob(t, s, job.ID)
	assert.Equal(t, model.JobStatusCompleted, j.Status)
	assert.Equal(t, 5, j.ProcessedCount)
	assert.Equal(t, 3, j.SuccessCount)
	assert.Equal(t, 1, j.FailureCount)
	assert.NotNil(t, j.CompletedAt)

	assert.Equal(t, []string{"d4.com", "d3.com", "d3.com", "d3.com", "d2.com", "d1.com", "d0.com"}, proc.Calls())

	failures, err := s.ListJobFailures(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "d3.com", failures[0].Domain)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Equal(t, resilience.ErrorTypeTransient, failures[0].ErrorType)
	assert.Contains(t, failures[0].Error, "boom")
}

func TestRunner_PermanentErrorNotRetried(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 2)
	ctx := context.Background()

	proc := &fakeProcessor{kind: model.JobKindEnrichment, fn: func(_ context.Context, _ *model.Job, p model.Prospect) (Result, error) {
		if p.Domain == "d1.com" {
			return Result{}, errors.New("400 invalid request")
		}
		return Result{Status: model.ProspectStatusEnriched}, nil
	}}
	r := newTestRunner(s, proc)
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)

	res, err := r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"d1.com", "d0.com"}, proc.Calls())

	failures, err := s.ListJobFailures(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.Equal(t, resilience.ErrorTypePermanent, failures[0].ErrorType)
}

func TestShouldRetry(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("502 bad gateway"), 502)
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", transient, true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"permanent", errors.New("400 invalid request"), false},
		{"not found", store.ErrNotFound, false},
		{"budget spent on transient cause", &enrich.RetryBudgetError{Attempts: 3, Err: transient}, false},
		{"resource exhausted", resilience.NewResourceExhaustedError(errors.New("429"), 429), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRetry(tt.err))
		})
	}
}

func TestRunner_CursorAdvancesPastProcessedRecords(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 3)
	ctx := context.Background()
	r := newTestRunner(s, &fakeProcessor{kind: model.JobKindEnrichment})
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)

	_, err = r.RunBatch(ctx, job.ID)
	require.NoError(t, err)

	d1, err := s.GetProspectByDomain(ctx, "d1.com")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, getJob(t, s, job.ID).LastProcessedReportID)
}

func TestRunner_ResourceExhaustionPausesJob(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 3)
	ctx := context.Background()

	var exhausted bool
	proc := &fakeProcessor{kind: model.JobKindEnrichment, fn: func(_ context.Context, _ *model.Job, p model.Prospect) (Result, error) {
		if p.Domain == "d1.com" && !exhausted {
			exhausted = true
			return Result{}, resilience.NewResourceExhaustedError(errors.New("429 too many requests"), 429)
		}
		return Result{Status: model.ProspectStatusEnriched}, nil
	}}
	r := NewRunner(s, Config{BatchSize: 6}, nil, proc)
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)

	res, err := r.RunBatch(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, resilience.IsResourceExhausted(err))
	assert.True(t, res.Paused)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"d2.com", "d1.com"}, proc.Calls(), "no retry and no further records")

	j := getJob(t, s, job.ID)
	assert.Equal(t, model.JobStatusPaused, j.Status)
	assert.Contains(t, j.LastError, "resource exhausted")
	assert.Equal(t, 1, j.ProcessedCount)

	failures, err := s.ListJobFailures(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, failures)

	_, err = r.Resume(ctx, job.ID)
	require.NoError(t, err)
	res, err = r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.True(t, res.Completed)
	assert.Equal(t, []string{"d2.com", "d1.com", "d1.com", "d0.com"}, proc.Calls())

	j = getJob(t, s, job.ID)
	assert.Equal(t, 3, j.ProcessedCount)
	assert.Equal(t, 3, j.SuccessCount)
}

func TestRunner_PauseMidBatch(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 4)
	ctx := context.Background()

	var r *Runner
	proc := &fakeProcessor{kind: model.JobKindEnrichment}
	proc.fn = func(ctx context.Context, job *model.Job, p model.Prospect) (Result, error) {
		if p.Domain == "d3.com" {
			_, err := r.Pause(ctx, job.ID)
			require.NoError(t, err)
		}
		return Result{Status: model.ProspectStatusEnriched}, nil
	}
	r = NewRunner(s, Config{BatchSize: 4}, nil, proc)
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)

	res, err := r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Equal(t, 1, res.Processed, "in-flight record finishes")
	assert.Equal(t, []string{"d3.com"}, proc.Calls())

	j := getJob(t, s, job.ID)
	assert.Equal(t, model.JobStatusPaused, j.Status)
	assert.Equal(t, 1, j.ProcessedCount)
	assert.Equal(t, 1, j.SuccessCount)

	res, err = r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Zero(t, res.Processed)

	_, err = r.Resume(ctx, job.ID)
	require.NoError(t, err)
	res, err = r.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.True(t, res.Completed)
	assert.Equal(t, []string{"d3.com", "d2.com", "d1.com", "d0.com"}, proc.Calls())
}

func TestRunner_CompletedIsFinal(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 1)
	ctx := context.Background()
	proc := &fakeProcessor{kind: model.JobKindEnrichment}
	r := newTestRunner(s, proc)
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)

	res, err := r.Run(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Completed)

	_, err = r.Resume(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrJobCompleted))
	_, err = r.Pause(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrJobCompleted))

	res, err = r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Len(t, proc.Calls(), 1)
}

func TestRunner_EmptyJobCompletesImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRunner(s, &fakeProcessor{kind: model.JobKindEnrichment})
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.Zero(t, job.TotalCount)

	res, err := r.RunBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, model.JobStatusCompleted, getJob(t, s, job.ID).Status)
}

func TestRunner_CancellationRecordsNoProgress(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &fakeProcessor{kind: model.JobKindEnrichment, fn: func(ctx context.Context, _ *model.Job, _ model.Prospect) (Result, error) {
		cancel()
		return Result{}, ctx.Err()
	}}
	r := newTestRunner(s, proc)
	job, err := r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	_, err = r.RunBatch(ctx, job.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, proc.Calls(), 1)

	j := getJob(t, s, job.ID)
	assert.Zero(t, j.ProcessedCount)
	assert.Empty(t, j.LastProcessedReportID)
	assert.Equal(t, model.JobStatusRunning, j.Status)
}

func TestRunner_RetryBudgetLimitsEligibility(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, 2)
	ctx := context.Background()

	spent, err := s.GetProspectByDomain(ctx, "d0.com")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.IncrementRetryCount(ctx, spent.ID, "", "")
		require.NoError(t, err)
	}

	proc := &fakeProcessor{kind: model.JobKindEnrichment}
	r := newTestRunner(s, proc)
	job, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.TotalCount)

	_, err = r.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1.com"}, proc.Calls())
}
