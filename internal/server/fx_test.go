package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/config"
	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	"github.com/JakeFAU/scrape-fleet/internal/storage/local"
	"github.com/JakeFAU/scrape-fleet/internal/storage/memory"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}
	app, err := NewApp(cfg, zap.NewNop())
	require.NoError(t, err)
	return app
}

func TestSetupStorageBackends(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, func(c *config.Config) { c.Storage.Backend = "memory" })
	blob, err := setupStorage(context.Background(), app)
	require.NoError(t, err)
	require.IsType(t, &memory.BlobStore{}, blob)

	dir := t.TempDir()
	app = newTestApp(t, func(c *config.Config) {
		c.Storage.Backend = "local"
		c.Storage.LocalDir = filepath.Join(dir, "results")
	})
	blob, err = setupStorage(context.Background(), app)
	require.NoError(t, err)
	require.IsType(t, &local.BlobStore{}, blob)

	app = newTestApp(t, func(c *config.Config) { c.Storage.Backend = "none" })
	blob, err = setupStorage(context.Background(), app)
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestSetupDatabaseSQLite(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, func(c *config.Config) {
		c.Database.Driver = "sqlite"
		c.Database.Path = filepath.Join(t.TempDir(), "fleet.db")
	})
	require.NoError(t, setupDatabase(context.Background(), app))
	require.NotNil(t, app.eventRepo)
	require.NotNil(t, app.sqlEvents)
	app.closeInfrastructure(context.Background())

	none := newTestApp(t, nil)
	require.NoError(t, setupDatabase(context.Background(), none))
	require.Nil(t, none.eventRepo)
}

func TestSetupFleetWiresGateway(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, func(c *config.Config) {
		c.Workers.Endpoints = []string{"http://W1:9000/", "http://w2:9000"}
		c.Dispatch.TieBreak = "latest_probe"
		c.Dispatch.MaxAttempts = 2
	})
	submitter, err := setupFleet(app, progress.Discard)
	require.NoError(t, err)
	require.NotNil(t, submitter)
	require.Equal(t, 2, app.registry.Len())

	status := app.gateway.FleetStatus()
	require.Len(t, status, 2)
	require.Equal(t, "http://w1:9000", status[0].WorkerID)
	require.Equal(t, fleet.StateHealthy, status[0].State)

	bad := newTestApp(t, func(c *config.Config) { c.Workers.Endpoints = []string{"not a url"} })
	_, err = setupFleet(bad, progress.Discard)
	require.Error(t, err)
}

func TestSetupProgressAddsSinks(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, func(c *config.Config) { c.Progress.LogEvents = true })
	emitter, err := setupProgress(context.Background(), app, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, emitter)
	require.NoError(t, app.progressHub.Close(context.Background()))
}

func TestNewAgentEngine(t *testing.T) {
	t.Parallel()

	eng, err := NewAgentEngine(config.AgentConfig{Engine: "colly"})
	require.NoError(t, err)
	eng.Close()

	eng, err = NewAgentEngine(config.AgentConfig{Engine: "chromedp", Headless: true})
	require.NoError(t, err)
	eng.Close()

	_, err = NewAgentEngine(config.AgentConfig{Engine: "lynx"})
	require.Error(t, err)
}
