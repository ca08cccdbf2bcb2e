package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := ReadConfig(filepath.Join(t.TempDir(), "updater.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestReadConfig_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.json")
	content := `{
		"FeedURL": "https://example.com/latest",
		"CheckInterval": "12h",
		"InstallWait": 3000000000,
		"RequireIdle": false
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/latest", cfg.FeedURL)
	assert.Equal(t, 12*time.Hour, cfg.CheckInterval.Duration)
	assert.Equal(t, 3*time.Second, cfg.InstallWait.Duration)
	assert.False(t, cfg.RequireIdle)

	def := Default()
	assert.Equal(t, def.StatePath, cfg.StatePath)
	assert.Equal(t, def.InstallerCommand, cfg.InstallerCommand)
}

func TestReadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0o600))
	_, err := ReadConfig(broken)
	assert.Error(t, err)

	badDuration := filepath.Join(dir, "duration.json")
	require.NoError(t, os.WriteFile(badDuration, []byte(`{"CheckInterval": "soon"}`), 0o600))
	_, err = ReadConfig(badDuration)
	assert.Error(t, err)

	badIdle := filepath.Join(dir, "idle.json")
	require.NoError(t, os.WriteFile(badIdle, []byte(`{"IdleCPUPercent": 150}`), 0o600))
	_, err = ReadConfig(badIdle)
	assert.Error(t, err)
}

func TestWriteOutConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "updater.json")
	cfg := Default()
	cfg.FeedURL = "https://example.com/feed"
	cfg.InstallerCommand = []string{"sh", "-c", "exit 0"}

	require.NoError(t, WriteOutConfig(context.Background(), path, cfg))

	read, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, read)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"CheckInterval": "48h0m0s"`)
}
