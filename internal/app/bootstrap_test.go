package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbs.io/buffer/internal/config"
	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/pkg/logger"
)

func init() {
	logger.InitNop()
}

const testPools = `
pools:
  - id: ws_project_v1
    size: 2
    resource_config:
      config_name: ws_project_v1
      kind: CLOUD_PROJECT
      cloud_project:
        parent_folder_id: folders/1
        billing_account: billingAccounts/1
        project_id_scheme:
          prefix: ws
          scheme: RANDOM_CHAR
`

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPools), 0o600))

	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("POOLS_CONFIG_PATH", path)
	t.Setenv("RECONCILER_INTERVAL", "20ms")
	t.Setenv("ENGINE_STEP_RETRY_INITIAL_BACKOFF", "1ms")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBootstrap_NoDB(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.Port = 65432 // Non-existent port
	cfg.Database.AutoMigrate = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app, err := Bootstrap(ctx, cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app, "Application should be nil on bootstrap failure")
}

func TestBootstrap_MissingPoolsFile(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Pools.ConfigPath = filepath.Join(t.TempDir(), "absent.yaml")

	app, err := Bootstrap(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "pool")
}

func TestApplication_MemoryDriverFillsPool(t *testing.T) {
	cfg := memoryConfig(t)

	app, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	require.Nil(t, app.Infra.DB, "memory driver must not open a database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		app.Shutdown(shutdownCtx)
	}()

	require.Eventually(t, func() bool {
		states, err := app.Infra.Store.PoolStates(context.Background(), "ws_project_v1")
		return err == nil && states.Count(domain.ResourceStateReady) == 2
	}, 5*time.Second, 20*time.Millisecond, "reconciler should fill the pool to its size")

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/pools/ws_project_v1/handouts/req-1", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "resource_buffer_handout_requests_total"))
}

func TestApplication_Shutdown_Empty(t *testing.T) {
	app := &Application{}

	assert.NotPanics(t, func() {
		app.Shutdown(context.Background())
	}, "Shutdown on empty Application should not panic")
}
