package clientconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDetectClients_NoneInstalledInIsolatedHome(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)

	m := &Manager{cwd: cwd}
	detected := m.DetectClients()
	assert.Empty(t, detected)
}

func TestDetectClients_CursorConfigured(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".cursor", "mcp.json"), `{"mcpServers":{"weather":{"command":"weather-server","args":[]}}}`)

	m := &Manager{cwd: cwd}
	detected := m.DetectClients()
	require.Len(t, detected, 1)
	assert.Equal(t, ClientCursor, detected[0].Kind)
	assert.True(t, detected[0].Installed)
	assert.Equal(t, []string{"weather"}, detected[0].ConfiguredServers)
}

func TestConfigureServerForClient_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(home, ".cursor", "mcp.json")
	writeFile(t, path, `{"mcpServers":{"existing":{"command":"x","args":[]}},"someOtherSetting":true}`)

	m := &Manager{cwd: cwd}
	require.NoError(t, m.ConfigureServerForClient(ClientCursor, "weather", "weather-server", []string{"--port", "8080"}, map[string]string{"API_KEY": "secret"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, true, parsed["someOtherSetting"])
	servers := parsed["mcpServers"].(map[string]interface{})
	assert.Contains(t, servers, "existing")
	weather := servers["weather"].(map[string]interface{})
	assert.Equal(t, "weather-server", weather["command"])
	env := weather["env"].(map[string]interface{})
	assert.Equal(t, "secret", env["API_KEY"])
}

func TestConfigureServerForClient_Zed_UsesContextServersKey(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "zed"), 0o755))

	m := &Manager{cwd: cwd}
	require.NoError(t, m.ConfigureServerForClient(ClientZed, "weather", "weather-server", nil, nil))

	data, err := os.ReadFile(filepath.Join(home, ".config", "zed", "settings.json"))
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))
	servers := parsed["context_servers"].(map[string]interface{})
	assert.Contains(t, servers, "weather")
}

func TestRemoveServerFromClient(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(home, ".cursor", "mcp.json")
	writeFile(t, path, `{"mcpServers":{"weather":{"command":"x","args":[]}}}`)

	m := &Manager{cwd: cwd}
	removed, err := m.RemoveServerFromClient(ClientCursor, "weather")
	require.NoError(t, err)
	assert.True(t, removed)

	removedAgain, err := m.RemoveServerFromClient(ClientCursor, "weather")
	require.NoError(t, err)
	assert.False(t, removedAgain)
}

func TestSyncConfigurations_RequiresTwoClients(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)

	m := &Manager{cwd: cwd}
	result := m.SyncConfigurations(false)
	assert.Equal(t, "need at least two clients", result.Action)
	assert.Empty(t, result.Drift)
}

func TestSyncConfigurations_DetectsDriftAndRepairs(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".cursor", "mcp.json"), `{"mcpServers":{"weather":{"command":"weather-server","args":["--port","8080"]}}}`)
	writeFile(t, filepath.Join(home, ".vscode", "mcp.json"), `{"mcpServers":{}}`)

	m := &Manager{cwd: cwd}

	dryRun := m.SyncConfigurations(false)
	require.Len(t, dryRun.Drift, 1)
	assert.Equal(t, "weather", dryRun.Drift[0].Server)
	assert.Equal(t, "configured", dryRun.Drift[0].Status[ClientCursor])
	assert.Equal(t, "missing", dryRun.Drift[0].Status[ClientVSCode])
	assert.Equal(t, 0, dryRun.Synced)

	applied := m.SyncConfigurations(true)
	require.Len(t, applied.Drift, 1)
	assert.Equal(t, 1, applied.Synced)

	data, err := os.ReadFile(filepath.Join(home, ".vscode", "mcp.json"))
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))
	servers := parsed["mcpServers"].(map[string]interface{})
	weather := servers["weather"].(map[string]interface{})
	assert.Equal(t, "weather-server", weather["command"])
}
