//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-enricher/internal/config"
	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

func testConfig(dsn string) *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: dsn},
		Anthropic: config.AnthropicConfig{Key: "test-key", RequestsPerSecond: 1},
		Fetch:     config.FetchConfig{TimeoutSecs: 5},
		Enrich:    config.EnrichConfig{MaxRetries: 3, WorkerID: "test-worker"},
		Lock:      config.LockConfig{StaleAfter: 10 * time.Minute},
		Jobs:      config.JobsConfig{BatchSize: 2, Workers: 1},
		Server:    config.ServerConfig{Port: 8080},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = testConfig(filepath.Join(t.TempDir(), "test.db"))

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = testConfig("")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, st.Migrate(context.Background()))
	defer st.Close() //nolint:errcheck

	_, statErr := os.Stat(filepath.Join(tmpDir, "prospects.db"))
	assert.NoError(t, statErr)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = testConfig("")
	cfg.Store.Driver = "mysql"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_StoreMode(t *testing.T) {
	cfg = testConfig(filepath.Join(t.TempDir(), "env.db"))
	cfg.Anthropic.Key = ""

	env, err := initEnv(context.Background(), "store")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Locker)
	assert.NotNil(t, env.Sweeper)
	assert.Nil(t, env.Enricher)
	assert.Nil(t, env.Runner)
	assert.Equal(t, "test-worker", env.Locker.WorkerID())

	// Migrations ran.
	_, err = env.Store.ListProspects(context.Background(), store.ProspectFilter{})
	assert.NoError(t, err)
}

func TestInitEnv_EnrichmentMode(t *testing.T) {
	cfg = testConfig(filepath.Join(t.TempDir(), "env.db"))

	env, err := initEnv(context.Background(), "enrichment")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Enricher)
	require.NotNil(t, env.Runner)

	job, err := env.Runner.Start(context.Background(), jobs.StartOptions{Kind: model.JobKindEnrichment})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, 0, job.TotalCount)
}

func TestInitEnv_EnrichmentModeNeedsKey(t *testing.T) {
	cfg = testConfig(filepath.Join(t.TempDir(), "env.db"))
	cfg.Anthropic.Key = ""

	_, err := initEnv(context.Background(), "enrichment")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key")
}

func TestResolveProspect(t *testing.T) {
	ctx := context.Background()
	cfg = testConfig(filepath.Join(t.TempDir(), "resolve.db"))
	env, err := initEnv(ctx, "store")
	require.NoError(t, err)
	defer env.Close()

	// Unknown domain without create.
	_, err = resolveProspect(ctx, env.Store, "https://www.Acme.com/about", false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Unknown domain with create adds a manual prospect.
	p, err := resolveProspect(ctx, env.Store, "https://www.Acme.com/about", true)
	require.NoError(t, err)
	assert.Equal(t, "acme.com", p.Domain)
	assert.Equal(t, model.ProspectSourceManual, p.Source)
	assert.Equal(t, model.ProspectStatusPending, p.Status)

	// Lookup by id and by domain find the same row.
	byID, err := resolveProspect(ctx, env.Store, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byID.ID)
	byDomain, err := resolveProspect(ctx, env.Store, "acme.com", false)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byDomain.ID)

	// Something that is neither an id nor a domain.
	_, err = resolveProspect(ctx, env.Store, "   ", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
