package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApplication_BootstrapsAllComponentsWithIsolatedConfigDir(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("HOME", t.TempDir())

	cfg := NewConfig(true, true, configDir)
	a, err := NewApplication(cfg)
	require.NoError(t, err)

	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Memory)
	assert.NotNil(t, a.Orch)
	assert.NotNil(t, a.Verifier)
	assert.NotNil(t, a.Clients)
	assert.NotNil(t, a.Gateway)
	assert.Equal(t, configDir, a.AppConfig.ConfigDir)
	assert.Equal(t, "stdio", a.AppConfig.Gateway.Transport)
}

func TestNewApplication_LoadsConfigFileFromConfigDir(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte("log_level: debug\n"), 0o644))

	cfg := NewConfig(false, true, configDir)
	a, err := NewApplication(cfg)
	require.NoError(t, err)
	assert.Equal(t, "debug", a.AppConfig.LogLevel)
}
