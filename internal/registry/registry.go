// Package registry manages the on-disk mapping from backend name to the
// command line used to start it.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"mcpgate/pkg/atomicfile"
	"mcpgate/pkg/logging"
)

const subsystem = "Registry"

const defaultEstimatedTokens = 500

// BackendConfig is the persisted configuration for one backend MCP server.
// It is immutable after load; callers that want to change it go through
// Registry.Add with a replacement value.
type BackendConfig struct {
	Command         string            `json:"command"`
	Args            []string          `json:"args"`
	Env             map[string]string `json:"env"`
	AutoActivate    bool              `json:"auto_activate"`
	Description     string            `json:"description"`
	EstimatedTokens int               `json:"estimated_tokens"`
}

// Summary is a display-oriented projection of a BackendConfig used by
// list_backends and the CLI's list command.
type Summary struct {
	Name            string `json:"name"`
	Command         string `json:"command"`
	AutoActivate    bool   `json:"auto_activate"`
	Description     string `json:"description"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Registry holds the name->BackendConfig mapping and persists it to a single
// JSON file. It assumes its own mutating methods are not called concurrently
// by the caller — in mcpgate, all mutation is serialized through the gateway
// engine's single dispatch goroutine.
type Registry struct {
	mu       sync.RWMutex
	path     string
	backends map[string]BackendConfig
}

// New constructs a Registry backed by path and loads any existing contents.
// A missing file yields an empty registry; per-entry validation failures are
// skipped with a warning rather than failing the whole load.
func New(path string) *Registry {
	r := &Registry{
		path:     path,
		backends: make(map[string]BackendConfig),
	}
	r.load()
	return r
}

// DefaultPath returns ~/.mcp-manager/backends.json (or the platform
// equivalent user config dir), matching the original implementation's
// location for the backend registry file.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mcp-manager", "backends.json"), nil
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info(subsystem, "No backend registry at %s — starting empty", r.path)
			return
		}
		logging.Error(subsystem, err, "Failed to read backend registry at %s", r.path)
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.Error(subsystem, err, "Failed to parse backend registry at %s", r.path)
		return
	}

	loaded := make(map[string]BackendConfig, len(raw))
	for name, cfgRaw := range raw {
		var cfg BackendConfig
		if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
			logging.Warn(subsystem, "Skipping invalid backend config for '%s': %v", name, err)
			continue
		}
		if cfg.Command == "" {
			logging.Warn(subsystem, "Skipping invalid backend config for '%s': missing command", name)
			continue
		}
		if cfg.Args == nil {
			cfg.Args = []string{}
		}
		if cfg.Env == nil {
			cfg.Env = map[string]string{}
		}
		if cfg.EstimatedTokens == 0 {
			cfg.EstimatedTokens = defaultEstimatedTokens
		}
		loaded[name] = cfg
	}

	r.backends = loaded
	logging.Info(subsystem, "Loaded %d backend(s) from %s", len(loaded), r.path)
}

// Save persists the current set of backends to disk atomically.
func (r *Registry) Save() error {
	r.mu.RLock()
	data := make(map[string]BackendConfig, len(r.backends))
	for k, v := range r.backends {
		data[k] = v
	}
	r.mu.RUnlock()

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')

	if err := atomicfile.Write(r.path, encoded, 0o644); err != nil {
		return err
	}
	logging.Info(subsystem, "Saved %d backend(s) to %s", len(data), r.path)
	return nil
}

// Get returns the config for name and whether it was found.
func (r *Registry) Get(name string) (BackendConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.backends[name]
	return cfg, ok
}

// Add inserts or replaces the config for name. Callers must call Save to
// persist the change.
func (r *Registry) Add(name string, cfg BackendConfig) {
	if cfg.Args == nil {
		cfg.Args = []string{}
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	if cfg.EstimatedTokens == 0 {
		cfg.EstimatedTokens = defaultEstimatedTokens
	}
	r.mu.Lock()
	r.backends[name] = cfg
	r.mu.Unlock()
}

// Remove deletes name from the registry and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return false
	}
	delete(r.backends, name)
	return true
}

// All returns a copy of the full name->config mapping.
func (r *Registry) All() map[string]BackendConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BackendConfig, len(r.backends))
	for k, v := range r.backends {
		out[k] = v
	}
	return out
}

// AutoActivateList returns the names of backends marked for auto-activation,
// in sorted order for deterministic startup.
func (r *Registry) AutoActivateList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, cfg := range r.backends {
		if cfg.AutoActivate {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListSummary returns a display-oriented, name-sorted summary of every
// registered backend.
func (r *Registry) ListSummary() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.backends))
	for name, cfg := range r.backends {
		out = append(out, Summary{
			Name:            name,
			Command:         cfg.Command,
			AutoActivate:    cfg.AutoActivate,
			Description:     cfg.Description,
			EstimatedTokens: cfg.EstimatedTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
