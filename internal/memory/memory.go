// Package memory implements the conversational memory store: an append-only
// record of installation attempts and failures, with derived user
// preferences recomputed on every mutation.
package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcpgate/internal/mock"
	"mcpgate/pkg/atomicfile"
	"mcpgate/pkg/logging"
)

const subsystem = "Memory"

const (
	maxRecords        = 1000
	comboWindow       = 5 * time.Minute
	officialThreshold = 2 // len(officialKeywords); not referenced elsewhere in this package
)

var officialKeywords = []string{"official", "recommended"}

// Store is the persistent, thread-safe conversational memory store.
type Store struct {
	mu    sync.Mutex
	path  string
	clock mock.Clock
	state state
}

// New constructs a Store backed by path, loading any existing contents.
// A missing or corrupt file resets to an empty state (logged as a warning).
func New(path string) *Store {
	return NewWithClock(path, mock.RealClock{})
}

// NewWithClock is New with an injectable Clock, used by tests that need
// deterministic control over combo-window detection.
func NewWithClock(path string, clock mock.Clock) *Store {
	s := &Store{path: path, clock: clock}
	s.state = s.load()
	return s
}

func (s *Store) load() state {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug(subsystem, "No memory file at %s; starting fresh", s.path)
		} else {
			logging.Warn(subsystem, "Failed to load memory -- resetting: %v", err)
		}
		return newState()
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Warn(subsystem, "Corrupt memory file -- resetting: %v", err)
		return newState()
	}
	if st.Installations == nil {
		st.Installations = []InstallationRecord{}
	}
	if st.Failures == nil {
		st.Failures = []FailureRecord{}
	}
	if st.Preferences.PreferredClients == nil {
		st.Preferences.PreferredClients = []string{}
	}
	if st.Preferences.CommonServerCombos == nil {
		st.Preferences.CommonServerCombos = [][]string{}
	}
	logging.Info(subsystem, "Loaded memory: %d installations, %d failures", len(st.Installations), len(st.Failures))
	return st
}

// save persists state via atomic temp-file rename. Must be called with mu
// held. Errors are logged, not returned — mirroring the original
// implementation, which treats memory persistence as best-effort.
func (s *Store) save() {
	s.state.LastUpdated = s.clock.Now()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		logging.Error(subsystem, err, "Failed to marshal memory state")
		return
	}
	if err := atomicfile.Write(s.path, data, 0o644); err != nil {
		logging.Error(subsystem, err, "Failed to save memory to %s", s.path)
		return
	}
	logging.Debug(subsystem, "Memory saved to %s", s.path)
}

func (s *Store) trim() {
	if len(s.state.Installations) > maxRecords {
		s.state.Installations = s.state.Installations[len(s.state.Installations)-maxRecords:]
	}
	if len(s.state.Failures) > maxRecords {
		s.state.Failures = s.state.Failures[len(s.state.Failures)-maxRecords:]
	}
}

// DefaultPath returns ~/.mcp-manager/memory.json, matching the original
// implementation's location for the memory file.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mcp-manager", "memory.json"), nil
}

// RecordInstallation appends an installation record, recomputes preferences,
// and persists the result.
func (s *Store) RecordInstallation(server, option string, success bool, projectPath string, clientTargets []string) InstallationRecord {
	record := InstallationRecord{
		ID:            newRecordID(),
		ServerName:    server,
		OptionName:    option,
		InstalledAt:   s.clock.Now(),
		Success:       success,
		ProjectPath:   projectPath,
		ClientTargets: clientTargets,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Installations = append(s.state.Installations, record)
	s.trim()
	s.recomputePreferences()
	s.save()
	logging.Info(subsystem, "Recorded install: server=%s option=%s ok=%v", server, option, success)
	return record
}

// extractErrorSignature returns the first non-empty line of msg, truncated
// to 200 characters, or "unknown_error" when msg has no non-blank line.
func extractErrorSignature(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if len(trimmed) > 200 {
				return trimmed[:200]
			}
			return trimmed
		}
	}
	return "unknown_error"
}

// RecordFailure appends a failure record, deriving errSig from message when
// errSig is empty.
func (s *Store) RecordFailure(server, errSig, message string, systemState map[string]interface{}) FailureRecord {
	signature := errSig
	if signature == "" {
		signature = extractErrorSignature(message)
	}
	if systemState == nil {
		systemState = map[string]interface{}{}
	}
	record := FailureRecord{
		ID:             newRecordID(),
		ServerName:     server,
		OccurredAt:     s.clock.Now(),
		ErrorSignature: signature,
		ErrorMessage:   message,
		SystemState:    systemState,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Failures = append(s.state.Failures, record)
	s.trim()
	s.save()
	logging.Info(subsystem, "Recorded failure: server=%s sig=%s", server, signature)
	return record
}

// CheckFailureMemory returns the most relevant prior failure for server:
// the most recent one with a non-empty FixApplied, else the most recent of
// any kind, else nil.
func (s *Store) CheckFailureMemory(server string) *FailureRecord {
	s.mu.Lock()
	var candidates []FailureRecord
	for _, f := range s.state.Failures {
		if f.ServerName == server {
			candidates = append(candidates, f)
		}
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	var withFix []FailureRecord
	for _, c := range candidates {
		if c.FixApplied != "" {
			withFix = append(withFix, c)
		}
	}
	pool := candidates
	if len(withFix) > 0 {
		pool = withFix
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if c.OccurredAt.After(best.OccurredAt) {
			best = c
		}
	}
	return &best
}

// recomputePreferences derives UserPreferences from the full installation
// history. Must be called with mu held.
func (s *Store) recomputePreferences() {
	prefs := &s.state.Preferences
	installs := s.state.Installations

	methodCounts := map[string]int{}
	for _, r := range installs {
		if r.Success {
			methodCounts[r.OptionName]++
		}
	}
	if best, ok := mostCommon(methodCounts); ok {
		prefs.PreferredInstallMethod = best
	}

	clientCounts := map[string]int{}
	for _, r := range installs {
		for _, c := range r.ClientTargets {
			clientCounts[c]++
		}
	}
	if len(clientCounts) > 0 {
		prefs.PreferredClients = rankByFrequency(clientCounts)
	}

	official, enhanced := 0, 0
	for _, r := range installs {
		if !r.Success {
			continue
		}
		if isOfficialOptionName(r.OptionName) {
			official++
		} else {
			enhanced++
		}
	}
	if official+enhanced > 0 {
		prefersOfficial := official >= enhanced
		prefs.PrefersOfficial = &prefersOfficial
	}

	prefs.CommonServerCombos = detectServerCombos(installs)
}

func isOfficialOptionName(optionName string) bool {
	lower := strings.ToLower(optionName)
	for _, kw := range officialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// mostCommon returns the key with the highest count, breaking ties by the
// first key encountered in a deterministic (sorted) scan.
func mostCommon(counts map[string]int) (string, bool) {
	if len(counts) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best, true
}

// rankByFrequency returns keys sorted by descending count, breaking ties
// alphabetically for determinism.
func rankByFrequency(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// detectServerCombos finds sets of >=2 server names, from successful
// installs, whose InstalledAt timestamps lie within comboWindow of a common
// anchor record. For each successful record (sorted oldest-first), a group
// starts at that record and grows by adding every later record within the
// window, stopping at the first record outside it — this mirrors the
// original's proximity-to-anchor walk rather than a transitive/sliding
// window. The top 10 distinct combos appearing at least twice are returned.
func detectServerCombos(installs []InstallationRecord) [][]string {
	var successful []InstallationRecord
	for _, r := range installs {
		if r.Success {
			successful = append(successful, r)
		}
	}
	sort.Slice(successful, func(i, j int) bool {
		return successful[i].InstalledAt.Before(successful[j].InstalledAt)
	})

	counts := map[string]int{}
	order := []string{}
	for i, rec := range successful {
		group := map[string]struct{}{rec.ServerName: {}}
		for _, other := range successful[i+1:] {
			if other.InstalledAt.Sub(rec.InstalledAt) <= comboWindow {
				group[other.ServerName] = struct{}{}
			} else {
				break
			}
		}
		if len(group) < 2 {
			continue
		}
		names := make([]string, 0, len(group))
		for n := range group {
			names = append(names, n)
		}
		sort.Strings(names)
		key := strings.Join(names, "\x00")
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	var combos [][]string
	for _, key := range order {
		if counts[key] < 2 {
			continue
		}
		combos = append(combos, strings.Split(key, "\x00"))
		if len(combos) == 10 {
			break
		}
	}
	return combos
}

// GetPreferences returns a copy of the current learned user preferences.
func (s *Store) GetPreferences() UserPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPreferences(s.state.Preferences)
}

func copyPreferences(p UserPreferences) UserPreferences {
	clients := append([]string(nil), p.PreferredClients...)
	combos := make([][]string, len(p.CommonServerCombos))
	for i, c := range p.CommonServerCombos {
		combos[i] = append([]string(nil), c...)
	}
	var prefersOfficial *bool
	if p.PrefersOfficial != nil {
		v := *p.PrefersOfficial
		prefersOfficial = &v
	}
	return UserPreferences{
		PreferredInstallMethod: p.PreferredInstallMethod,
		PreferredClients:       clients,
		PrefersOfficial:        prefersOfficial,
		CommonServerCombos:     combos,
		InteractionCount:       p.InteractionCount,
	}
}

// UpdatePreferences increments the interaction counter, recomputes derived
// preferences, persists, and returns a copy of the result. action is a
// free-form label ("install", "search", ...) logged for future analysis.
func (s *Store) UpdatePreferences(action string) UserPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Preferences.InteractionCount++
	s.recomputePreferences()
	s.save()
	logging.Debug(subsystem, "Preferences updated (action=%s, interactions=%d)", action, s.state.Preferences.InteractionCount)
	return copyPreferences(s.state.Preferences)
}

// GetInstallationHistory returns installation records sorted newest-first.
// When project is non-empty, only records whose ProjectPath equals it or is
// a sub-path are included (trailing-separator-normalized so "/a/b" does not
// match "/a/b2").
func (s *Store) GetInstallationHistory(project string) []InstallationRecord {
	s.mu.Lock()
	records := append([]InstallationRecord(nil), s.state.Installations...)
	s.mu.Unlock()

	if project != "" {
		norm := strings.TrimRight(project, "/") + "/"
		filtered := records[:0]
		for _, r := range records {
			if r.ProjectPath == "" {
				continue
			}
			rNorm := strings.TrimRight(r.ProjectPath, "/") + "/"
			if r.ProjectPath == project || rNorm == norm || strings.HasPrefix(r.ProjectPath, norm) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].InstalledAt.After(records[j].InstalledAt)
	})
	return records
}
