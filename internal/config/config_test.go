package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("kernels: [a.bsk, b.bsk]\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Loader.Workers)
	assert.Equal(t, []string{"a.bsk", "b.bsk"}, cfg.Kernels)
	assert.Equal(t, EngineConfig{}, cfg.Engine("SPK"))
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9000
  read_timeout: 2s
engines:
  spk:
    max_objects: 50
    max_segments: 500
  CK:
    max_files: 10
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, EngineConfig{MaxObjects: 50, MaxSegments: 500}, cfg.Engine("SPK"))
	assert.Equal(t, 10, cfg.Engine("ck").MaxFiles)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Parse([]byte("server:\n  port: 9000\n"))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"unknown family", "engines:\n  XYZ:\n    max_files: 1\n"},
		{"negative budget", "engines:\n  SPK:\n    max_objects: -1\n"},
		{"too many files", "engines:\n  PCK:\n    max_files: 101\n"},
		{"empty kernel path", "kernels: ['  ']\n"},
		{"rate limiter", "rate_limiter:\n  enabled: true\n  requests_per_second: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
