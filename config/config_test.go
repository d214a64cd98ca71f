package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "file_path: ./x.torrent\nsave_path: /tmp/out\nlog_level: debug\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./x.torrent", cfg.FilePath)
	assert.Equal(t, "/tmp/out", cfg.SavePath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "file_path: ./x.torrent\nnonexistent_key: true\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresFilePath(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
	cfg.FilePath = "x.torrent"
	assert.NoError(t, cfg.Validate())
}
