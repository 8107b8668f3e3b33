package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8081
storage:
  root: /var/lib/idset
  max_batch: 16
  no_sync: true
logger:
  log_level: debug
  file_log_name: /var/log/idset.log
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/var/lib/idset", cfg.Storage.Root)
	assert.Equal(t, 16, cfg.Storage.MaxBatch)
	assert.Equal(t, Default().Storage.QueueCapacity, cfg.Storage.QueueCapacity)
	assert.True(t, cfg.Storage.NoSync)
	assert.Equal(t, "debug", cfg.Logger.LogLevel)
	assert.Equal(t, 3, cfg.Logger.MaxBackups)

	opts := cfg.Storage.Options(zap.NewNop())
	assert.Equal(t, 16, opts.MaxBatch)
	assert.True(t, opts.NoSync)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [1, 2"), 0644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  root: \"\"\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}
