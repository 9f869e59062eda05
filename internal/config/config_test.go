// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "leadgen.db", cfg.StorePath)
	assert.Equal(t, 10*time.Minute, cfg.GenerationTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.StalenessThreshold)
	assert.Equal(t, 95, cfg.ProgressCeiling)
	assert.Equal(t, 2*time.Second, cfg.ProgressTick)
	assert.Equal(t, 24*time.Hour, cfg.FailedRetention)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.SlackEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("GENERATION_API_URL", "https://gen.example.com")
	t.Setenv("GENERATION_TIMEOUT", "90s")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("ESTIMATE_WEBSITE", "3m")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_NOTIFY_CHANNEL", "C123")

	cfg, err := LoadWithPrefix("")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, "https://gen.example.com", cfg.GenerationAPIURL)
	assert.Equal(t, 90*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 3*time.Minute, cfg.ExpectedDurations()[task.AgentWebsite])
	assert.Equal(t, 60*time.Second, cfg.ExpectedDurations()[task.AgentContent])
	assert.True(t, cfg.SlackEnabled())
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("PROGRESS_TICK", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MGMT_API_KEY=from-dotenv\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.MgmtAPIKey)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	os.Clearenv()
	cfg, err := LoadWithPrefix("")
	require.NoError(t, err)

	// api-key mode without a key
	assert.Error(t, cfg.Validate())

	cfg.MgmtAPIKey = "secret"
	assert.NoError(t, cfg.Validate())

	cfg.StoreDriver = "redis"
	cfg.ProgressCeiling = 100
	cfg.MgmtTLSCert = "/tmp/cert.pem"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "PROGRESS_CEILING")
	assert.Contains(t, err.Error(), "MGMT_TLS_KEY")

	cfg = &Config{StoreDriver: StoreMemory, ProgressCeiling: 95, MaxAttempts: 3, MgmtAuthMode: "none"}
	assert.NoError(t, cfg.Validate())
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{MgmtCORSOrigins: "https://app.example.com, ,https://admin.example.com"}
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOriginList())
	assert.Nil(t, (&Config{}).CORSOriginList())
}
