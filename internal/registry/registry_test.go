package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MissingFileYieldsEmptyRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	r := New(path)
	assert.Empty(t, r.All())
}

func TestAddGetRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	r := New(path)

	r.Add("filesystem", BackendConfig{Command: "npx", Args: []string{"-y", "mcp-server-filesystem"}})

	cfg, ok := r.Get("filesystem")
	require.True(t, ok)
	assert.Equal(t, "npx", cfg.Command)
	assert.Equal(t, defaultEstimatedTokens, cfg.EstimatedTokens)

	removed := r.Remove("filesystem")
	assert.True(t, removed)
	_, ok = r.Get("filesystem")
	assert.False(t, ok)

	assert.False(t, r.Remove("filesystem"))
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	r := New(path)
	r.Add("a", BackendConfig{Command: "uvx", Description: "first", AutoActivate: true})
	r.Add("b", BackendConfig{Command: "npx", Description: "second"})
	require.NoError(t, r.Save())

	r2 := New(path)
	all := r2.All()
	require.Len(t, all, 2)
	assert.Equal(t, "uvx", all["a"].Command)
	assert.True(t, all["a"].AutoActivate)
	assert.Equal(t, []string{"a"}, r2.AutoActivateList())
}

func TestLoad_SkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	raw := `{
		"good": {"command": "npx", "args": [], "env": {}, "auto_activate": false, "description": "", "estimated_tokens": 500},
		"bad": {"args": [], "env": {}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	r := New(path)
	all := r.All()
	assert.Len(t, all, 1)
	_, ok := all["bad"]
	assert.False(t, ok)
}

func TestLoad_MalformedJSONLeavesEmptyRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	r := New(path)
	assert.Empty(t, r.All())
}

func TestListSummary_SortedByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	r := New(path)
	r.Add("zeta", BackendConfig{Command: "cmd1"})
	r.Add("alpha", BackendConfig{Command: "cmd2"})

	summaries := r.ListSummary()
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].Name)
	assert.Equal(t, "zeta", summaries[1].Name)
}

func TestSave_AtomicNoPartialWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.json")
	r := New(path)
	r.Add("a", BackendConfig{Command: "npx"})
	require.NoError(t, r.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "backends.json", entries[0].Name())
}
