package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProspects(t *testing.T, s Store, domains ...string) []model.Prospect {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var in []model.Prospect
	for i, d := range domains {
		in = append(in, model.Prospect{Domain: d, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	n, err := s.CreateProspects(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, len(domains), n)

	var out []model.Prospect
	for _, d := range domains {
		p, err := s.GetProspectByDomain(context.Background(), d)
		require.NoError(t, err)
		out = append(out, *p)
	}
	return out
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLite_CreateProspects_IgnoresDuplicateDomains(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProspects(t, s, "acme.com", "globex.com")

	n, err := s.CreateProspects(ctx, []model.Prospect{{Domain: "acme.com"}, {Domain: "initech.com"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListProspects(ctx, ProspectFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	p, err := s.GetProspectByDomain(ctx, "initech.com")
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusPending, p.Status)
	assert.Equal(t, model.ProspectSourceManual, p.Source)
	assert.NotEmpty(t, p.ID)
}

func TestSQLite_GetProspect_NotFound(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.GetProspect(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListProspects_StatusFilter(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ps := seedProspects(t, s, "a.com", "b.com", "c.com")

	_, err := s.UpdateProspect(ctx, ps[1].ID, model.ProspectUpdate{Status: model.Ptr(model.ProspectStatusReview)}, "manual", "tester")
	require.NoError(t, err)

	got, err := s.ListProspects(ctx, ProspectFilter{Status: model.ProspectStatusReview})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b.com", got[0].Domain)

	page, err := s.ListProspects(ctx, ProspectFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b.com", page[0].Domain)
}

func TestSQLite_UpdateProspect_WritesAuditForChangedFieldsOnly(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]

	changed, err := s.UpdateProspect(ctx, p.ID, model.ProspectUpdate{
		Status:      model.Ptr(model.ProspectStatusEnriched),
		CompanyName: model.Ptr(""), // unchanged
		Notes:       model.Ptr("looks good"),
	}, "enrichment finished", "worker-1")
	require.NoError(t, err)
	assert.True(t, changed)

	entries, err := s.ListAudit(ctx, AuditFilter{TableName: model.AuditTableProspects, RecordID: p.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	fields := map[string]model.AuditEntry{}
	for _, e := range entries {
		fields[e.Field] = e
	}
	assert.Equal(t, "pending", fields["status"].OldValue)
	assert.Equal(t, "enriched", fields["status"].NewValue)
	assert.Equal(t, "enrichment finished", fields["status"].Note)
	assert.Equal(t, "worker-1", fields["status"].Actor)
	assert.Equal(t, "looks good", fields["notes"].NewValue)

	// Same values again: no write, no audit.
	changed, err = s.UpdateProspect(ctx, p.ID, model.ProspectUpdate{
		Status: model.Ptr(model.ProspectStatusEnriched),
	}, "again", "worker-1")
	require.NoError(t, err)
	assert.False(t, changed)

	entries, err = s.ListAudit(ctx, AuditFilter{RecordID: p.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLite_UpdateProspect_Icebreaker(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]
	at := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

	_, err := s.UpdateProspect(ctx, p.ID, model.ProspectUpdate{
		IcebreakerText:        model.Ptr("Loved your rooftop solar install."),
		IcebreakerGeneratedAt: &at,
	}, "icebreaker generated", "")
	require.NoError(t, err)

	got, err := s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.HasIcebreaker())
	require.NotNil(t, got.IcebreakerGeneratedAt)
	assert.True(t, at.Equal(*got.IcebreakerGeneratedAt))
}

func TestSQLite_IncrementRetryCount(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]

	n, err := s.IncrementRetryCount(ctx, p.ID, "fetch failed", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementRetryCount(ctx, p.ID, "fetch failed", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.ListAudit(ctx, AuditFilter{RecordID: p.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "enrichment_retry_count", entries[1].Field)
	assert.Equal(t, "1", entries[1].OldValue)
	assert.Equal(t, "2", entries[1].NewValue)

	_, err = s.IncrementRetryCount(ctx, "missing", "", "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListEligible_OrderAndCursor(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ps := seedProspects(t, s, "a.com", "b.com", "c.com", "d.com")

	// Newest first.
	got, err := s.ListEligible(ctx, EligibleQuery{Kind: model.JobKindEnrichment, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d.com", got[0].Domain)
	assert.Equal(t, "c.com", got[1].Domain)

	got, err = s.ListEligible(ctx, EligibleQuery{Kind: model.JobKindEnrichment, AfterID: got[1].ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b.com", got[0].Domain)
	assert.Equal(t, "a.com", got[1].Domain)

	// Retry budget exclusion.
	for i := 0; i < 3; i++ {
		_, err = s.IncrementRetryCount(ctx, ps[0].ID, "fail", "")
		require.NoError(t, err)
	}
	n, err := s.CountEligible(ctx, EligibleQuery{Kind: model.JobKindEnrichment, MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountEligible(ctx, EligibleQuery{Kind: model.JobKindEnrichment})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLite_ListEligible_Icebreaker(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ps := seedProspects(t, s, "a.com", "b.com", "c.com")

	// a: contacts, no icebreaker. b: contacts and icebreaker. c: no contacts.
	for _, p := range ps[:2] {
		_, err := s.InsertContacts(ctx, p.ID, []model.Contact{{Email: "hi@" + p.Domain}})
		require.NoError(t, err)
	}
	_, err := s.UpdateProspect(ctx, ps[1].ID, model.ProspectUpdate{
		Status:         model.Ptr(model.ProspectStatusEnriched),
		IcebreakerText: model.Ptr("hello"),
	}, "", "")
	require.NoError(t, err)

	got, err := s.ListEligible(ctx, EligibleQuery{Kind: model.JobKindIcebreaker})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a.com", got[0].Domain)

	n, err := s.CountEligible(ctx, EligibleQuery{Kind: model.JobKindIcebreaker, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLite_TryLockProspect(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	ok, err := s.TryLockProspect(ctx, LockParams{ProspectID: p.ID, WorkerID: "w1", Now: now, StaleBefore: now.Add(-30 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusEnriching, got.Status)
	assert.Equal(t, "w1", got.EnrichmentLockedBy)
	require.NotNil(t, got.EnrichmentLockedAt)
	assert.True(t, now.Equal(*got.EnrichmentLockedAt))

	// Fresh lock held by w1.
	later := now.Add(5 * time.Minute)
	ok, err = s.TryLockProspect(ctx, LockParams{ProspectID: p.ID, WorkerID: "w2", Now: later, StaleBefore: later.Add(-30 * time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok)

	// Stale lock is taken over.
	muchLater := now.Add(time.Hour)
	ok, err = s.TryLockProspect(ctx, LockParams{ProspectID: p.ID, WorkerID: "w2", Now: muchLater, StaleBefore: muchLater.Add(-30 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)

	// Only the first acquisition changed status.
	entries, err := s.ListAudit(ctx, AuditFilter{RecordID: p.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "enrichment lock acquired", entries[0].Note)
	assert.Equal(t, "w1", entries[0].Actor)

	require.NoError(t, s.UnlockProspect(ctx, p.ID))
	got, err = s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLocked())
	assert.Equal(t, model.ProspectStatusEnriching, got.Status)
}

func TestSQLite_TryLockProspect_Terminal(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]
	now := time.Now().UTC()

	_, err := s.UpdateProspect(ctx, p.ID, model.ProspectUpdate{Status: model.Ptr(model.ProspectStatusEnriched)}, "", "")
	require.NoError(t, err)

	ok, err := s.TryLockProspect(ctx, LockParams{ProspectID: p.ID, WorkerID: "w1", Now: now, StaleBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryLockProspect(ctx, LockParams{ProspectID: p.ID, WorkerID: "w1", Now: now, StaleBefore: now.Add(-time.Minute), AllowTerminal: true})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.TryLockProspect(ctx, LockParams{ProspectID: "missing", WorkerID: "w1", Now: now})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_TryLockProspect_ConcurrentSingleWinner(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]
	now := time.Now().UTC()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryLockProspect(ctx, LockParams{ProspectID: p.ID, WorkerID: "w", Now: now, StaleBefore: now.Add(-30 * time.Minute)})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLite_StaleAndOrphaned(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ps := seedProspects(t, s, "a.com", "b.com", "c.com", "d.com")
	now := time.Now().UTC()

	// a: stale lock. b: fresh lock. c: orphaned (enriching, unlocked).
	// d: orphaned after an earlier failed attempt.
	old := now.Add(-2 * time.Hour)
	for i, at := range []time.Time{old, now, now, now} {
		ok, err := s.TryLockProspect(ctx, LockParams{ProspectID: ps[i].ID, WorkerID: "w", Now: at, StaleBefore: at.Add(-30 * time.Minute)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.UnlockProspect(ctx, ps[2].ID))
	_, err := s.IncrementRetryCount(ctx, ps[3].ID, "attempt failed", "w")
	require.NoError(t, err)
	require.NoError(t, s.UnlockProspect(ctx, ps[3].ID))

	stale, err := s.ListStaleLocked(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a.com", stale[0].Domain)

	orphaned, err := s.ListOrphaned(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 2)
	assert.ElementsMatch(t, []string{"c.com", "d.com"}, []string{orphaned[0].Domain, orphaned[1].Domain})

	n, err := s.UnlockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLite_InsertContacts_Dedupe(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := seedProspects(t, s, "acme.com")[0]

	n, err := s.InsertContacts(ctx, p.ID, []model.Contact{
		{Email: "Jane@Acme.com", FirstName: "Jane", IsPrimary: true, ConfidenceScore: 90},
		{Email: "jane@acme.com"},
		{Email: "info@acme.com", ContactType: model.ContactTypeGeneric, IsPrimary: true},
		{FirstName: "Bob", LastName: "Smith", Phone: "555-0100"},
		{},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Second run adds only the new address.
	n, err = s.InsertContacts(ctx, p.ID, []model.Contact{
		{Email: "JANE@acme.com"},
		{Email: "sales@acme.com", IsPrimary: true},
		{FirstName: "bob", LastName: "smith", Phone: "555-0100"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	contacts, err := s.ListContacts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 4)

	primaries := 0
	for _, c := range contacts {
		if c.IsPrimary {
			primaries++
			assert.Equal(t, "jane@acme.com", c.Email)
		}
		assert.Equal(t, model.ContactSourceWebsite, c.Source)
	}
	assert.Equal(t, 1, primaries)

	got, err := s.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.ContactCount)

	entries, err := s.ListAudit(ctx, AuditFilter{TableName: model.AuditTableProspects, RecordID: p.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "contact_count", entries[1].Field)
	assert.Equal(t, "3", entries[1].OldValue)
	assert.Equal(t, "4", entries[1].NewValue)

	_, err = s.InsertContacts(ctx, "missing", []model.Contact{{Email: "x@y.com"}})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Jobs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	job := &model.Job{Kind: model.JobKindEnrichment, TotalCount: 3, BatchSize: 6, Chain: true}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)

	require.NoError(t, s.RecordJobProgress(ctx, job.ID, model.JobProgress{ProspectID: "p1", Success: true}))
	require.NoError(t, s.RecordJobProgress(ctx, job.ID, model.JobProgress{ProspectID: "p2", Failure: true}))
	require.NoError(t, s.RecordJobProgress(ctx, job.ID, model.JobProgress{ProspectID: "p3"}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, "p3", got.LastProcessedReportID)
	assert.True(t, got.Chain)

	err = s.RecordJobProgress(ctx, "missing", model.JobProgress{ProspectID: "p"})
	assert.True(t, errors.Is(err, ErrNotFound))

	// Compare-and-set.
	ok, err := s.SetJobStatus(ctx, job.ID, []model.JobStatus{model.JobStatusPaused}, model.JobStatusRunning, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetJobStatus(ctx, job.ID, []model.JobStatus{model.JobStatusRunning}, model.JobStatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	entries, err := s.ListAudit(ctx, AuditFilter{TableName: model.AuditTableJobs, RecordID: job.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "completed", entries[0].NewValue)

	_, err = s.SetJobStatus(ctx, "missing", []model.JobStatus{model.JobStatusRunning}, model.JobStatusPaused, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_PauseRunningJobs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a := &model.Job{Kind: model.JobKindEnrichment}
	b := &model.Job{Kind: model.JobKindIcebreaker}
	c := &model.Job{Kind: model.JobKindEnrichment, Status: model.JobStatusCompleted}
	for _, j := range []*model.Job{a, b, c} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	n, err := s.PauseRunningJobs(ctx, "emergency stop")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	paused, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusPaused})
	require.NoError(t, err)
	assert.Len(t, paused, 2)
	for _, j := range paused {
		assert.Equal(t, "emergency stop", j.LastError)
	}

	ice, err := s.ListJobs(ctx, JobFilter{Kind: model.JobKindIcebreaker})
	require.NoError(t, err)
	require.Len(t, ice, 1)
	assert.Equal(t, b.ID, ice[0].ID)
}

func TestSQLite_JobFailures(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	job := &model.Job{Kind: model.JobKindEnrichment}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.RecordJobFailure(ctx, model.JobFailure{
		JobID: job.ID, ProspectID: "p1", Domain: "acme.com", Attempts: 3,
		Error: "fetch: all pages failed", ErrorType: "transient",
	}))

	got, err := s.ListJobFailures(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acme.com", got[0].Domain)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, "transient", got[0].ErrorType)
	assert.NotEmpty(t, got[0].ID)
}
