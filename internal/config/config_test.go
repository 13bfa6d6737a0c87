package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Server.DatabaseURL)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.UpdateThrottle)
	assert.Equal(t, 10*time.Second, cfg.Sync.ReconcileInterval)
	assert.True(t, cfg.Sync.ReconcileEnabled)
	assert.Equal(t, int64(100), cfg.Sync.ToleranceMS)
	assert.Equal(t, 100, cfg.Sync.HistoryLimit)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("COLLAB_SYNC_UPDATE_THROTTLE", "120ms")
	t.Setenv("COLLAB_SYNC_RECONCILE_ENABLED", "false")
	t.Setenv("COLLAB_SERVER_ADDR", ":9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 120*time.Millisecond, cfg.Sync.UpdateThrottle)
	assert.False(t, cfg.Sync.ReconcileEnabled)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("COLLAB_SYNC_BOARD=from-file\nCOLLAB_LOG_FORMAT=console\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("COLLAB_SYNC_BOARD")
		_ = os.Unsetenv("COLLAB_LOG_FORMAT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Sync.BoardID)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	t.Setenv("COLLAB_SYNC_HISTORY_LIMIT", "lots")
	_, err := Load(missing)
	require.ErrorContains(t, err, "parse env:")

	t.Setenv("COLLAB_SYNC_HISTORY_LIMIT", "0")
	t.Setenv("COLLAB_LOG_FORMAT", "xml")
	_, err = Load(missing)
	require.ErrorContains(t, err, "SYNC_HISTORY_LIMIT")
	require.ErrorContains(t, err, "LOG_FORMAT")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	err := Config{}.Validate()
	// Five durations, the history limit and the log format.
	assert.Len(t, multierr.Errors(err), 7)

	cfg, lerr := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, lerr)
	assert.NoError(t, cfg.Validate())
}
