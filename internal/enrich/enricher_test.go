package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-enricher/internal/fetch"
	"github.com/sells-group/prospect-enricher/internal/lock"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/resilience"
	"github.com/sells-group/prospect-enricher/internal/store"
	"github.com/sells-group/prospect-enricher/pkg/anthropic"
)

func happyExtraction(t *testing.T) *anthropic.StructuredResponse {
	return toolResponse(t, contactsPayload("Acme Solar",
		contact("Jane@AcmeSolar.com", "jane", "doe", "Founder", "personal", 90),
		contact("info@acmesolar.com", "", "", "", "generic", 80),
	))
}

func TestEnrich_HappyPath(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")

	env.client.On("Extract", mock.Anything, isExtract).Return(happyExtraction(t), nil).Once()
	env.client.On("Generate", mock.Anything, isIcebreaker).
		Return(&anthropic.TextResponse{Text: `"Congrats on the new Dayton install crew."`}, nil).Once()

	out, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusEnriched, out.Status)
	assert.Equal(t, 2, out.ContactsInserted)
	assert.Equal(t, 2, out.ContactCount)
	assert.True(t, out.IcebreakerGenerated)

	got := env.reload(t, p.ID)
	assert.Equal(t, model.ProspectStatusEnriched, got.Status)
	assert.Equal(t, "Acme Solar", got.CompanyName)
	assert.Equal(t, "Congrats on the new Dayton install crew.", got.IcebreakerText)
	assert.NotNil(t, got.IcebreakerGeneratedAt)
	assert.Equal(t, 2, got.ContactCount)
	assert.False(t, got.IsLocked())
	assert.Zero(t, got.EnrichmentRetryCount)

	contacts, err := env.store.ListContacts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "jane@acmesolar.com", contacts[0].Email)
	assert.True(t, contacts[0].IsPrimary)
	assert.True(t, contacts[0].IsDecisionMaker)
	assert.Equal(t, "Jane", contacts[0].FirstName)
	assert.Equal(t, model.ContactTypeGeneric, contacts[1].ContactType)
	assert.Equal(t, 40, contacts[1].ConfidenceScore)

	env.client.AssertExpectations(t)
}

func TestEnrich_FetchFailureGoesToReview(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3})
	p := env.seed(t, "acmesolar.com")
	env.fetcher.page = &fetch.Page{Errors: []fetch.AttemptError{{URL: "https://acmesolar.com", Err: errors.New("status 404")}}}
	env.fetcher.err = eris.Wrap(fetch.ErrAllFailed, "fetch: acmesolar.com")

	out, err := env.enricher.Enrich(context.Background(), p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusReview, out.Status)

	got := env.reload(t, p.ID)
	assert.Equal(t, model.ProspectStatusReview, got.Status)
	assert.Contains(t, got.Notes, "website unavailable")
	assert.False(t, got.IsLocked())
	env.client.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
}

func TestEnrich_InsufficientContentGoesToReview(t *testing.T) {
	env := newTestEnv(t, Config{})
	p := env.seed(t, "acmesolar.com")
	env.fetcher.page = &fetch.Page{Text: "Coming soon", FetchedURLs: []string{"https://acmesolar.com"}}
	env.fetcher.err = eris.Wrap(fetch.ErrInsufficientContent, "fetch: acmesolar.com: 11 chars")

	out, err := env.enricher.Enrich(context.Background(), p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusReview, out.Status)
	assert.Contains(t, out.Note, "1 of 1 urls fetched")
}

func TestEnrich_ParseErrorGoesToReview(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3})
	p := env.seed(t, "acmesolar.com")
	env.client.On("Extract", mock.Anything, isExtract).
		Return(&anthropic.StructuredResponse{StopReason: "end_turn"}, eris.Wrap(anthropic.ErrNoToolCall, "anthropic: extract")).Once()

	out, err := env.enricher.Enrich(context.Background(), p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusReview, out.Status)
	assert.Contains(t, out.Note, "extraction failed")
	assert.Zero(t, env.reload(t, p.ID).EnrichmentRetryCount)
}

func TestEnrich_OnlyRejectedEmails(t *testing.T) {
	env := newTestEnv(t, Config{})
	p := env.seed(t, "acmesolar.com")
	env.client.On("Extract", mock.Anything, isExtract).Return(toolResponse(t, contactsPayload("Acme",
		contact("legal@acmesolar.com", "", "", "", "department", 50),
		contact("info@acmesolar.com", "", "", "", "generic", 50),
	)), nil).Once()

	out, err := env.enricher.Enrich(context.Background(), p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusMissingEmails, out.Status)
	assert.False(t, out.IcebreakerGenerated)
	env.client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestEnrich_NoContacts(t *testing.T) {
	env := newTestEnv(t, Config{})
	p := env.seed(t, "acmesolar.com")
	env.client.On("Extract", mock.Anything, isExtract).Return(toolResponse(t, contactsPayload("Acme")), nil).Once()

	out, err := env.enricher.Enrich(context.Background(), p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusReview, out.Status)
	assert.Equal(t, "no contacts found", out.Note)
}

func TestEnrich_ResourceExhaustedRestoresPending(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3})
	p := env.seed(t, "acmesolar.com")
	env.client.On("Extract", mock.Anything, isExtract).
		Return(nil, resilience.NewResourceExhaustedError(errors.New("429 Too Many Requests"), 429)).Once()

	_, err := env.enricher.Enrich(context.Background(), p.ID, Options{})
	require.Error(t, err)
	assert.True(t, resilience.IsResourceExhausted(err))

	got := env.reload(t, p.ID)
	assert.Equal(t, model.ProspectStatusPending, got.Status)
	assert.Zero(t, got.EnrichmentRetryCount, "exhaustion is not the record's fault")
	assert.False(t, got.IsLocked())
}

func TestEnrich_IcebreakerFailureThenRetry(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")

	env.client.On("Extract", mock.Anything, isExtract).Return(happyExtraction(t), nil).Once()
	env.client.On("Generate", mock.Anything, isIcebreaker).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()

	_, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	got := env.reload(t, p.ID)
	assert.Equal(t, model.ProspectStatusPending, got.Status)
	assert.Equal(t, 1, got.EnrichmentRetryCount)
	assert.Equal(t, 2, got.ContactCount, "contacts survive the failed attempt")
	assert.False(t, got.IsLocked())

	// The retry skips fetch and extraction and only owes the icebreaker.
	env.client.On("Generate", mock.Anything, isIcebreaker).
		Return(&anthropic.TextResponse{Text: "Loved the Dayton case study."}, nil).Once()
	out, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusEnriched, out.Status)
	assert.Equal(t, 1, env.fetcher.Calls())
	assert.Equal(t, 2, env.reload(t, p.ID).ContactCount)
	env.client.AssertExpectations(t)
}

func TestEnrich_RetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 2})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")

	env.client.On("Extract", mock.Anything, isExtract).Return(happyExtraction(t), nil).Once()
	env.client.On("Generate", mock.Anything, isIcebreaker).Return(nil, errors.New("boom"))

	_, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.Error(t, err)

	out, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
	var budgetErr *RetryBudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 2, budgetErr.Attempts)
	assert.Equal(t, model.ProspectStatusReview, budgetErr.Status)
	assert.EqualError(t, budgetErr.Err, "boom")

	require.NotNil(t, out)
	assert.Equal(t, model.ProspectStatusReview, out.Status)
	assert.Contains(t, out.Note, "retry budget exhausted after 2 attempts")

	got := env.reload(t, p.ID)
	assert.Equal(t, model.ProspectStatusReview, got.Status)
	assert.Equal(t, 2, got.EnrichmentRetryCount)
	assert.False(t, got.IsLocked())
}

func TestEnrich_SkipsLockedProspect(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")

	other := lock.NewRecordLocker(env.store, lock.Config{WorkerID: "other"}, nil)
	ok, err := other.TryAcquire(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "skipped", out.Label())
	assert.Zero(t, env.fetcher.Calls())
	assert.Equal(t, "other", env.reload(t, p.ID).EnrichmentLockedBy)
}

func TestEnrich_TerminalSkippedUnlessForced(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")
	_, err := env.store.UpdateProspect(ctx, p.ID, model.ProspectUpdate{Status: model.Ptr(model.ProspectStatusReview)}, "", "")
	require.NoError(t, err)

	out, err := env.enricher.Enrich(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, env.fetcher.Calls())

	env.client.On("Extract", mock.Anything, isExtract).Return(happyExtraction(t), nil).Once()
	env.client.On("Generate", mock.Anything, isIcebreaker).
		Return(&anthropic.TextResponse{Text: "Nice work on the school rooftops."}, nil).Once()
	out, err = env.enricher.Enrich(ctx, p.ID, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusEnriched, out.Status)
}

func TestEnrich_NotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.enricher.Enrich(context.Background(), "missing", Options{})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGenerateIcebreaker_ExistingIsKept(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")
	_, err := env.store.InsertContacts(ctx, p.ID, []model.Contact{{Email: "jane@acmesolar.com", ConfidenceScore: 90, ContactType: model.ContactTypePersonal}})
	require.NoError(t, err)
	_, err = env.store.UpdateProspect(ctx, p.ID, model.ProspectUpdate{
		Status:         model.Ptr(model.ProspectStatusEnriched),
		IcebreakerText: model.Ptr("Existing opener."),
	}, "", "")
	require.NoError(t, err)

	out, err := env.enricher.GenerateIcebreaker(ctx, p.ID, false)
	require.NoError(t, err)
	assert.False(t, out.IcebreakerGenerated)
	assert.Equal(t, model.ProspectStatusEnriched, out.Status)
	env.client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)

	env.client.On("Generate", mock.Anything, isIcebreaker).
		Return(&anthropic.TextResponse{Text: "Fresh opener."}, nil).Once()
	out, err = env.enricher.GenerateIcebreaker(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, out.IcebreakerGenerated)

	got := env.reload(t, p.ID)
	assert.Equal(t, "Fresh opener.", got.IcebreakerText)
	assert.Equal(t, model.ProspectStatusEnriched, got.Status)
	assert.False(t, got.IsLocked())
}

func TestGenerateIcebreaker_OwedOnPending(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.seed(t, "acmesolar.com")
	_, err := env.store.InsertContacts(ctx, p.ID, []model.Contact{{Email: "jane@acmesolar.com", ConfidenceScore: 90, ContactType: model.ContactTypePersonal}})
	require.NoError(t, err)
	env.fetcher.page = nil
	env.fetcher.err = eris.Wrap(fetch.ErrAllFailed, "fetch")

	env.client.On("Generate", mock.Anything, mock.MatchedBy(func(req anthropic.TextRequest) bool {
		return req.WebSearch && req.MaxSearchUses == defaultWebSearchMaxUses
	})).Return(&anthropic.TextResponse{Text: "Opener."}, nil).Once()

	out, err := env.enricher.GenerateIcebreaker(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.ProspectStatusEnriched, out.Status)
	env.client.AssertExpectations(t)
}
