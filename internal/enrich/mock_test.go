package enrich

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/fetch"
	"github.com/sells-group/prospect-enricher/internal/lock"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
	"github.com/sells-group/prospect-enricher/pkg/anthropic"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Anthropic Mock ---

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Extract(ctx context.Context, req anthropic.StructuredRequest) (*anthropic.StructuredResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.StructuredResponse), args.Error(1)
}

func (m *mockClient) Generate(ctx context.Context, req anthropic.TextRequest) (*anthropic.TextResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.TextResponse), args.Error(1)
}

// --- Fetcher Fake ---

type fakeFetcher struct {
	mu    sync.Mutex
	page  *fetch.Page
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string) (*fetch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.page, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- Test environment ---

const siteText = `Acme Solar installs rooftop solar across Ohio. Contact Jane Doe, Founder, at jane@acmesolar.com
or our office at info@acmesolar.com. Call +1 555 0100.`

type testEnv struct {
	store    *store.SQLiteStore
	client   *mockClient
	fetcher  *fakeFetcher
	locker   *lock.RecordLocker
	enricher *Enricher
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	client := &mockClient{}
	fetcher := &fakeFetcher{page: &fetch.Page{Text: siteText, FetchedURLs: []string{"https://acmesolar.com"}}}
	locker := lock.NewRecordLocker(s, lock.Config{WorkerID: "test-worker"}, nil)
	e := New(s, locker, fetcher,
		NewExtractor(client, ExtractorConfig{Model: "extract-model"}),
		NewIcebreakerGenerator(client, s, IcebreakerConfig{Model: "icebreaker-model"}),
		cfg, nil)

	return &testEnv{store: s, client: client, fetcher: fetcher, locker: locker, enricher: e}
}

func (env *testEnv) seed(t *testing.T, domain string) *model.Prospect {
	t.Helper()
	ctx := context.Background()
	_, err := env.store.CreateProspects(ctx, []model.Prospect{{Domain: domain, Source: model.ProspectSourceManual}})
	require.NoError(t, err)
	p, err := env.store.GetProspectByDomain(ctx, domain)
	require.NoError(t, err)
	return p
}

func (env *testEnv) reload(t *testing.T, id string) *model.Prospect {
	t.Helper()
	p, err := env.store.GetProspect(context.Background(), id)
	require.NoError(t, err)
	return p
}

func toolResponse(t *testing.T, v any) *anthropic.StructuredResponse {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &anthropic.StructuredResponse{Input: raw, StopReason: "tool_use"}
}

func contactsPayload(company string, contacts ...map[string]any) map[string]any {
	if contacts == nil {
		contacts = []map[string]any{}
	}
	return map[string]any{"company_name": company, "contacts": contacts}
}

func contact(email, first, last, title, ctype string, score int) map[string]any {
	return map[string]any{
		"email": email, "first_name": first, "last_name": last, "title": title,
		"contact_type": ctype, "confidence_score": score,
	}
}

var (
	isExtract    = mock.MatchedBy(func(req anthropic.StructuredRequest) bool { return req.Tool.Name == ContactsToolName })
	isIcebreaker = mock.MatchedBy(func(req anthropic.TextRequest) bool { return req.WebSearch })
)
