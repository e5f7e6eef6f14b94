package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestDefaultIsValid tests that defaults pass validation.
func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.API.RequestTimeout)
	assert.Nil(t, cfg.PriorityWeights())
}

// TestDefaultDataDirOverride tests the VETSYNC_DATA_DIR override.
func TestDefaultDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VETSYNC_DATA_DIR", dir)
	assert.Equal(t, dir, DefaultDataDir())

	cfg := Default()
	assert.Equal(t, filepath.Join(dir, "vetsync.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(dir, "sync.lock"), cfg.LockPath())
}

// TestLoadYAML tests loading a YAML file with durations and priority weights.
func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "vetsync.yaml", `
data_dir: /var/lib/vetsync
api:
  base_url: https://api.example.com
  request_timeout: 5s
  max_attempts: 2
sync:
  interval: 1m
  retry_limit: 3
  priority_weights:
    high: 10
    low: 0
log:
  level: DEBUG
  format: console
session:
  tenant_id: clinic-a
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vetsync", cfg.DataDir)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.RetryLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "clinic-a", cfg.Session.TenantID)
	assert.Equal(t, map[models.Priority]int{models.PriorityHigh: 10, models.PriorityLow: 0}, cfg.PriorityWeights())
}

// TestEnvOverridesFile tests that environment variables and .env win over the file.
func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "vetsync.yaml", "api:\n  base_url: https://file.example.com\n")
	writeFile(t, dir, ".env", "VETSYNC_API_TOKEN=from-dotenv\n")
	t.Setenv("VETSYNC_API_URL", "https://env.example.com")
	t.Setenv("VETSYNC_SYNC_INTERVAL", "30s")
	t.Setenv("VETSYNC_CROSS_PROCESS_LOCK", "true")
	t.Cleanup(func() { os.Unsetenv("VETSYNC_API_TOKEN") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.API.BaseURL)
	assert.Equal(t, "from-dotenv", cfg.API.Token)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.True(t, cfg.Sync.CrossProcessLock)
}

// TestLoadRejectsInvalid tests validation failures surface as config errors.
func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"bad url", "api:\n  base_url: not a url\n", nil},
		{"bad level", "log:\n  level: loud\n", nil},
		{"bad priority key", "sync:\n  priority_weights:\n    urgent: 5\n", nil},
		{"bad env duration", "", map[string]string{"VETSYNC_SYNC_INTERVAL": "soon"}},
		{"bad yaml", "api: [", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, dir, "bad.yaml", tt.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
		})
	}
}

// chdir changes the working directory for the duration of the test,
// restoring the original directory on cleanup (equivalent to t.Chdir).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
