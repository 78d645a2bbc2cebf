package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/mock"
)

func newTestStore(t *testing.T) (*Store, *mock.MockClock) {
	t.Helper()
	clock := mock.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "memory.json")
	return NewWithClock(path, clock), clock
}

func TestExtractErrorSignature(t *testing.T) {
	assert.Equal(t, "boom", extractErrorSignature("\n\n  boom  \nmore lines"))
	assert.Equal(t, "unknown_error", extractErrorSignature("   \n  \n"))

	long := ""
	for i := 0; i < 250; i++ {
		long += "x"
	}
	assert.Len(t, extractErrorSignature(long), 200)
}

func TestRecordInstallation_RecomputesPreferredMethod(t *testing.T) {
	s, _ := newTestStore(t)
	s.RecordInstallation("filesystem", "official", true, "", []string{"claude-desktop"})
	s.RecordInstallation("filesystem", "official", true, "", []string{"claude-desktop"})
	s.RecordInstallation("filesystem", "community-fork", true, "", []string{"cursor"})

	prefs := s.GetPreferences()
	assert.Equal(t, "official", prefs.PreferredInstallMethod)
	require.NotNil(t, prefs.PrefersOfficial)
	assert.True(t, *prefs.PrefersOfficial)
}

func TestRecordFailure_DerivesSignatureWhenOmitted(t *testing.T) {
	s, _ := newTestStore(t)
	rec := s.RecordFailure("filesystem", "", "ENOENT: command not found\nstack trace...", nil)
	assert.Equal(t, "ENOENT: command not found", rec.ErrorSignature)
}

func TestCheckFailureMemory_PrefersFixApplied(t *testing.T) {
	s, clock := newTestStore(t)
	s.RecordFailure("fs", "sig1", "first failure", nil)
	clock.Advance(time.Minute)
	s.RecordFailure("fs", "sig2", "second failure", nil)

	s.mu.Lock()
	s.state.Failures[0].FixApplied = "chmod +x"
	s.mu.Unlock()

	found := s.CheckFailureMemory("fs")
	require.NotNil(t, found)
	assert.Equal(t, "sig1", found.ErrorSignature)
}

func TestCheckFailureMemory_FallsBackToMostRecent(t *testing.T) {
	s, clock := newTestStore(t)
	s.RecordFailure("fs", "sig1", "first", nil)
	clock.Advance(time.Minute)
	s.RecordFailure("fs", "sig2", "second", nil)

	found := s.CheckFailureMemory("fs")
	require.NotNil(t, found)
	assert.Equal(t, "sig2", found.ErrorSignature)
}

func TestCheckFailureMemory_NoneForUnknownServer(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Nil(t, s.CheckFailureMemory("nonexistent"))
}

func TestGetInstallationHistory_SortedNewestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	s.RecordInstallation("a", "opt", true, "", nil)
	clock.Advance(time.Minute)
	s.RecordInstallation("b", "opt", true, "", nil)

	history := s.GetInstallationHistory("")
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ServerName)
	assert.Equal(t, "a", history[1].ServerName)
}

func TestGetInstallationHistory_ProjectSubPathMatch(t *testing.T) {
	s, _ := newTestStore(t)
	s.RecordInstallation("a", "opt", true, "/tmp/proj", nil)
	s.RecordInstallation("b", "opt", true, "/tmp/proj/nested", nil)
	s.RecordInstallation("c", "opt", true, "/tmp/proj2", nil)

	history := s.GetInstallationHistory("/tmp/proj")
	names := []string{}
	for _, r := range history {
		names = append(names, r.ServerName)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestDetectServerCombos_WithinWindow(t *testing.T) {
	s, clock := newTestStore(t)
	s.RecordInstallation("fs", "opt", true, "", nil)
	clock.Advance(2 * time.Minute)
	s.RecordInstallation("git", "opt", true, "", nil)

	s2, clock2 := newTestStore(t)
	s2.RecordInstallation("fs", "opt", true, "", nil)
	clock2.Advance(2 * time.Minute)
	s2.RecordInstallation("git", "opt", true, "", nil)

	prefs := s.GetPreferences()
	prefs2 := s2.GetPreferences()
	assert.Equal(t, [][]string{{"fs", "git"}}, prefs.CommonServerCombos)
	assert.Equal(t, prefs.CommonServerCombos, prefs2.CommonServerCombos)
}

func TestDetectServerCombos_OutsideWindowNotGrouped(t *testing.T) {
	s, clock := newTestStore(t)
	s.RecordInstallation("fs", "opt", true, "", nil)
	clock.Advance(10 * time.Minute)
	s.RecordInstallation("git", "opt", true, "", nil)

	prefs := s.GetPreferences()
	assert.Empty(t, prefs.CommonServerCombos)
}

func TestLoad_CorruptFileResetsToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid"), 0o644))

	s := New(path)
	assert.Empty(t, s.state.Installations)
}
