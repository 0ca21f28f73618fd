package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "./sandbox-engine.db", cfg.DBPath)
	assert.Equal(t, 32, cfg.Isolation.Slots)
	assert.Equal(t, 700000, cfg.Isolation.BaseUID)
	assert.Equal(t, 4, cfg.Concurrency.PerClientCap)
	assert.Equal(t, 64, cfg.Concurrency.GlobalCap)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
isolation:
  slots: 8
  base_uid: 900000
concurrency:
  per_client_cap: 2
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, 8, cfg.Isolation.Slots)
	assert.Equal(t, 900000, cfg.Isolation.BaseUID)
	assert.Equal(t, 2, cfg.Concurrency.PerClientCap)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOX_ENGINE_LISTEN", "0.0.0.0:7777")
	t.Setenv("SANDBOX_ENGINE_SLOTS", "16")
	t.Setenv("SANDBOX_ENGINE_BASE_UID", "800000")
	t.Setenv("SANDBOX_ENGINE_PER_CLIENT_CAP", "9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, 16, cfg.Isolation.Slots)
	assert.Equal(t, 800000, cfg.Isolation.BaseUID)
	assert.Equal(t, 9, cfg.Concurrency.PerClientCap)
}

func TestEnvOverrideInvalidValues(t *testing.T) {
	t.Setenv("SANDBOX_ENGINE_SLOTS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Isolation.Slots)
}

func TestLimitsResolve(t *testing.T) {
	l := Limits{
		CompileMemory:  "256mb",
		RunMemory:      "256mb",
		MaxMemory:      "1gb",
		MaxOutputBytes: "1mb",
		MaxFileSize:    "50mb",
		MaxProcesses:   64,
		MaxOpenFiles:   256,
	}
	r, err := l.Resolve()
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024*1024), r.CompileMemory)
	assert.Equal(t, int64(1024*1024*1024), r.MaxMemory)
	assert.Equal(t, 64, r.MaxProcesses)
}

func TestLimitsResolveInvalid(t *testing.T) {
	l := Limits{CompileMemory: "not-a-size"}
	_, err := l.Resolve()
	assert.Error(t, err)
}
