package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollkeeper.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[service]
name = "render-worker"
backend = "systemd"
unit = "render-worker.service"

[feed]
url = "https://releases.example.com/render-worker"

[busy]
mode = "tasks"
tasks_url = "http://127.0.0.1:9090/tasks"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "render-worker", cfg.Service.Name)
	assert.Equal(t, "systemd", cfg.Service.Backend)
	assert.Equal(t, "https://releases.example.com/render-worker", cfg.Feed.URL)
	assert.Equal(t, "tasks", cfg.Busy.Mode)
	// Untouched sections keep their defaults.
	assert.Equal(t, []string{"bin", "manifest.toml", "config"}, cfg.Snapshot.Paths)
	assert.Equal(t, []string{"manifest.toml"}, cfg.Verify.Required)
	assert.InDelta(t, 20.0, cfg.Busy.CPUThreshold, 0.01)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := writeConfig(t, "[service\nname =")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
[service]
backend = "docker"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadRejectsUnknownBusyMode(t *testing.T) {
	path := writeConfig(t, `
[busy]
mode = "tea-leaves"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, 30*time.Second, DurationOr("", 30*time.Second))
	assert.Equal(t, 30*time.Second, DurationOr("garbage", 30*time.Second))
	assert.Equal(t, 30*time.Second, DurationOr("-5s", 30*time.Second))
	assert.Equal(t, 90*time.Second, DurationOr("90s", 30*time.Second))
	assert.Equal(t, 2*time.Minute, DurationOr("2m", 30*time.Second))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROLLKEEPER_TEST_TOKEN=abc123\n# comment\n\nROLLKEEPER_TEST_OTHER=\"quoted\"\n"), 0o644))
	// t.Setenv registers restoration; the unset gives a clean slate.
	t.Setenv("ROLLKEEPER_TEST_TOKEN", "")
	t.Setenv("ROLLKEEPER_TEST_OTHER", "")
	os.Unsetenv("ROLLKEEPER_TEST_TOKEN")
	os.Unsetenv("ROLLKEEPER_TEST_OTHER")

	require.NoError(t, LoadDotEnv(path, false))
	assert.Equal(t, "abc123", os.Getenv("ROLLKEEPER_TEST_TOKEN"))
	assert.Equal(t, "quoted", os.Getenv("ROLLKEEPER_TEST_OTHER"))

	t.Setenv("ROLLKEEPER_TEST_TOKEN", "preset")
	require.NoError(t, LoadDotEnv(path, false))
	assert.Equal(t, "preset", os.Getenv("ROLLKEEPER_TEST_TOKEN"), "existing env wins without override")
}
