package memory

import (
	"time"

	"github.com/google/uuid"
)

// InstallationRecord is an append-only log entry describing one backend
// installation attempt.
type InstallationRecord struct {
	ID            string    `json:"id"`
	ServerName    string    `json:"server_name"`
	OptionName    string    `json:"option_name"`
	InstalledAt   time.Time `json:"installed_at"`
	Success       bool      `json:"success"`
	ProjectPath   string    `json:"project_path,omitempty"`
	ClientTargets []string  `json:"client_targets"`
}

// FailureRecord is an append-only log entry describing one verification or
// activation failure.
type FailureRecord struct {
	ID             string                 `json:"id"`
	ServerName     string                 `json:"server_name"`
	OccurredAt     time.Time              `json:"occurred_at"`
	ErrorSignature string                 `json:"error_signature"`
	ErrorMessage   string                 `json:"error_message"`
	FixApplied     string                 `json:"fix_applied,omitempty"`
	SystemState    map[string]interface{} `json:"system_state"`
}

// newRecordID generates a unique ID for an installation or failure record.
func newRecordID() string {
	return uuid.NewString()
}

// UserPreferences is derived state, fully recomputed from InstallationRecord
// history on every mutation of the memory store.
type UserPreferences struct {
	PreferredInstallMethod string     `json:"preferred_install_method,omitempty"`
	PreferredClients       []string   `json:"preferred_clients"`
	PrefersOfficial        *bool      `json:"prefers_official,omitempty"`
	CommonServerCombos     [][]string `json:"common_server_combos"`
	InteractionCount       int        `json:"interaction_count"`
}

// state is the full persisted shape of the memory file.
type state struct {
	Installations []InstallationRecord `json:"installations"`
	Failures      []FailureRecord      `json:"failures"`
	Preferences   UserPreferences      `json:"preferences"`
	LastUpdated   time.Time            `json:"last_updated"`
}

func newState() state {
	return state{
		Installations: []InstallationRecord{},
		Failures:      []FailureRecord{},
		Preferences: UserPreferences{
			PreferredClients:   []string{},
			CommonServerCombos: [][]string{},
		},
	}
}
