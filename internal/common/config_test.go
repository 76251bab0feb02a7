package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "agent", cfg.Scheduler.Strategy)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoadFromFilesOverridesInOrder(t *testing.T) {
	dir := t.TempDir()

	first := filepath.Join(dir, "base.toml")
	require.NoError(t, os.WriteFile(first, []byte("[server]\nport = 6000\nhost = \"10.0.0.1\"\n"), 0644))

	second := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(second, []byte("[server]\nport = 7000\n"), 0644))

	cfg, err := LoadFromFiles(first, second)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
}

func TestEnvOverridesBeatFiles(t *testing.T) {
	t.Setenv("FARMD_SERVER_PORT", "8123")
	t.Setenv("FARMD_PREFER_RUNNING_JOBS", "true")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.True(t, cfg.Scheduler.PreferRunningJobs)
}

func TestFlagOverridesBeatEverything(t *testing.T) {
	cfg := DefaultConfig()
	ApplyFlagOverrides(cfg, 9999, "render-master")

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "render-master", cfg.Server.Host)

	// Zero values mean "not set" and change nothing.
	ApplyFlagOverrides(cfg, 0, "")
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "render-master", cfg.Server.Host)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.TickInterval = "soon"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Scheduler.Strategy = "random"
	assert.Error(t, cfg.Validate())
}
