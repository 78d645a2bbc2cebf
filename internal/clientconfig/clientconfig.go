// Package clientconfig detects installed MCP host clients and keeps their
// per-client configuration files in sync with the backend registry: writing
// a single server entry, or reconciling drift across every detected client.
package clientconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"mcpgate/pkg/atomicfile"
	"mcpgate/pkg/logging"
)

const subsystem = "ClientConfig"

const (
	mcpServersKey     = "mcpServers"
	contextServersKey = "context_servers"
)

// orderedKinds fixes detection/display order so sync_configurations and the
// CLI's clients list have deterministic output.
var orderedKinds = []ClientKind{
	ClientClaudeDesktop,
	ClientCLI,
	ClientCursor,
	ClientVSCode,
	ClientWindsurf,
	ClientZed,
}

// Manager detects MCP host clients and reads/writes their configuration
// files. All methods are synchronous; there is no background state.
type Manager struct {
	cwd string
}

// New constructs a Manager rooted at the current working directory, used to
// resolve the CLI's upward .mcp.json walk and VS Code's workspace-local path.
func New() *Manager {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Manager{cwd: cwd}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func appDataDir() string {
	if v := os.Getenv("APPDATA"); v != "" {
		return v
	}
	return filepath.Join(homeDir(), "AppData", "Roaming")
}

func claudeDesktopConfigPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "Claude", "claude_desktop_config.json")
	case "windows":
		return filepath.Join(appDataDir(), "Claude", "claude_desktop_config.json")
	default:
		return filepath.Join(homeDir(), ".config", "Claude", "claude_desktop_config.json")
	}
}

// cliConfigPath walks from cwd upward looking for .mcp.json, returning the
// first hit.
func (m *Manager) cliConfigPath() (string, bool) {
	dir := m.cwd
	for {
		candidate := filepath.Join(dir, ".mcp.json")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func cursorConfigPath() string {
	return filepath.Join(homeDir(), ".cursor", "mcp.json")
}

// vscodeConfigPaths returns candidate paths, workspace-local first when it
// exists.
func (m *Manager) vscodeConfigPaths() []string {
	global := filepath.Join(homeDir(), ".vscode", "mcp.json")
	workspace := filepath.Join(m.cwd, ".vscode", "mcp.json")
	if info, err := os.Stat(workspace); err == nil && !info.IsDir() {
		return []string{workspace, global}
	}
	return []string{global}
}

func windsurfConfigPaths() []string {
	return []string{
		filepath.Join(homeDir(), ".windsurf", "mcp.json"),
		filepath.Join(homeDir(), ".codeium", "windsurf", "mcp.json"),
	}
}

func zedSettingsPath() string {
	return filepath.Join(homeDir(), ".config", "zed", "settings.json")
}

func existsOrParentDir(path string) (fileExists bool, usable bool) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), true
	}
	parent := filepath.Dir(path)
	if parentInfo, err := os.Stat(parent); err == nil && parentInfo.IsDir() {
		return false, true
	}
	return false, false
}

func readJSON(path string) map[string]interface{} {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		logging.Warn(subsystem, "Failed to parse %s: %v", path, err)
		return map[string]interface{}{}
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

func writeJSON(path string, data map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	return atomicfile.Write(path, encoded, 0o644)
}

func serverNamesFromStandard(data map[string]interface{}) []string {
	return keysOf(data, mcpServersKey)
}

func serverNamesFromZed(data map[string]interface{}) []string {
	return keysOf(data, contextServersKey)
}

func keysOf(data map[string]interface{}, key string) []string {
	section, ok := data[key].(map[string]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(section))
	for name := range section {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectClients reports which MCP host clients are installed on this
// machine. A client is "installed" when its expected config file or that
// file's parent directory exists.
func (m *Manager) DetectClients() []DetectedClient {
	var detected []DetectedClient
	for _, kind := range orderedKinds {
		if dc := m.detectOne(kind); dc != nil {
			detected = append(detected, *dc)
		}
	}
	logging.Info(subsystem, "Detected %d MCP client(s)", len(detected))
	return detected
}

func (m *Manager) detectOne(kind ClientKind) *DetectedClient {
	switch kind {
	case ClientClaudeDesktop:
		path := claudeDesktopConfigPath()
		fileExists, usable := existsOrParentDir(path)
		if !usable {
			return nil
		}
		return &DetectedClient{Kind: kind, Name: displayNames[kind], ConfigPath: path, Installed: fileExists || dirExists(filepath.Dir(path)), ConfiguredServers: serverNamesFromStandard(readJSON(path))}

	case ClientCLI:
		path, ok := m.cliConfigPath()
		if !ok {
			return nil
		}
		return &DetectedClient{Kind: kind, Name: displayNames[kind], ConfigPath: path, Installed: true, ConfiguredServers: serverNamesFromStandard(readJSON(path))}

	case ClientCursor:
		path := cursorConfigPath()
		fileExists, usable := existsOrParentDir(path)
		if !usable {
			return nil
		}
		return &DetectedClient{Kind: kind, Name: displayNames[kind], ConfigPath: path, Installed: fileExists || dirExists(filepath.Dir(path)), ConfiguredServers: serverNamesFromStandard(readJSON(path))}

	case ClientVSCode:
		for _, path := range m.vscodeConfigPaths() {
			fileExists, usable := existsOrParentDir(path)
			if !usable {
				continue
			}
			return &DetectedClient{Kind: kind, Name: displayNames[kind], ConfigPath: path, Installed: fileExists || dirExists(filepath.Dir(path)), ConfiguredServers: serverNamesFromStandard(readJSON(path))}
		}
		return nil

	case ClientWindsurf:
		for _, path := range windsurfConfigPaths() {
			fileExists, usable := existsOrParentDir(path)
			if !usable {
				continue
			}
			return &DetectedClient{Kind: kind, Name: displayNames[kind], ConfigPath: path, Installed: fileExists || dirExists(filepath.Dir(path)), ConfiguredServers: serverNamesFromStandard(readJSON(path))}
		}
		return nil

	case ClientZed:
		path := zedSettingsPath()
		fileExists, usable := existsOrParentDir(path)
		if !usable {
			return nil
		}
		return &DetectedClient{Kind: kind, Name: displayNames[kind], ConfigPath: path, Installed: fileExists || dirExists(filepath.Dir(path)), ConfiguredServers: serverNamesFromZed(readJSON(path))}
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// configPathForClient resolves the configuration file path for kind,
// without regard to whether it currently exists.
func (m *Manager) configPathForClient(kind ClientKind) (string, bool) {
	switch kind {
	case ClientClaudeDesktop:
		return claudeDesktopConfigPath(), true
	case ClientCLI:
		if path, ok := m.cliConfigPath(); ok {
			return path, true
		}
		return filepath.Join(m.cwd, ".mcp.json"), true
	case ClientCursor:
		return cursorConfigPath(), true
	case ClientVSCode:
		paths := m.vscodeConfigPaths()
		for _, p := range paths {
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, true
			}
		}
		return paths[len(paths)-1], true
	case ClientWindsurf:
		paths := windsurfConfigPaths()
		for _, p := range paths {
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, true
			}
		}
		return paths[0], true
	case ClientZed:
		return zedSettingsPath(), true
	}
	return "", false
}

// ConfigureServerForClient writes or updates a server entry in kind's
// configuration file, preserving every other key already present.
func (m *Manager) ConfigureServerForClient(kind ClientKind, serverName, command string, args []string, env map[string]string) error {
	path, ok := m.configPathForClient(kind)
	if !ok {
		return errUnknownClient(kind)
	}
	if args == nil {
		args = []string{}
	}

	logging.Info(subsystem, "Configuring server '%s' for %s at %s", serverName, kind, path)

	if kind == ClientZed {
		return m.writeEntry(path, contextServersKey, serverName, command, args, env)
	}
	return m.writeEntry(path, mcpServersKey, serverName, command, args, env)
}

func (m *Manager) writeEntry(path, sectionKey, serverName, command string, args []string, env map[string]string) error {
	data := readJSON(path)
	section, ok := data[sectionKey].(map[string]interface{})
	if !ok {
		section = map[string]interface{}{}
	}

	entry := map[string]interface{}{"command": command, "args": args}
	if len(env) > 0 {
		entry["env"] = env
	}
	section[serverName] = entry
	data[sectionKey] = section

	if err := writeJSON(path, data); err != nil {
		logging.Error(subsystem, err, "Failed to write %s", path)
		return err
	}
	logging.Info(subsystem, "Server '%s' written to %s", serverName, path)
	return nil
}

// RemoveServerFromClient deletes a server entry from kind's configuration
// file, leaving every other key untouched. Reports whether the entry was
// present.
func (m *Manager) RemoveServerFromClient(kind ClientKind, serverName string) (bool, error) {
	path, ok := m.configPathForClient(kind)
	if !ok {
		return false, errUnknownClient(kind)
	}
	sectionKey := mcpServersKey
	if kind == ClientZed {
		sectionKey = contextServersKey
	}

	data := readJSON(path)
	section, ok := data[sectionKey].(map[string]interface{})
	if !ok {
		return false, nil
	}
	if _, present := section[serverName]; !present {
		return false, nil
	}
	delete(section, serverName)
	data[sectionKey] = section
	if err := writeJSON(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// SyncConfigurations detects configuration drift across every installed
// client and, when sync is true, repairs it by copying each missing server
// entry from a client that already has it.
func (m *Manager) SyncConfigurations(sync bool) ConfigSyncResult {
	clients := m.DetectClients()
	if len(clients) < 2 {
		return ConfigSyncResult{Action: "need at least two clients"}
	}

	allServers := map[string]map[ClientKind]string{}
	serverConfigs := map[string]map[string]interface{}{}

	for _, client := range clients {
		data := readJSON(client.ConfigPath)
		sectionKey := mcpServersKey
		if client.Kind == ClientZed {
			sectionKey = contextServersKey
		}
		section, _ := data[sectionKey].(map[string]interface{})

		for name, raw := range section {
			if _, seeded := allServers[name]; !seeded {
				status := map[ClientKind]string{}
				for _, c := range clients {
					status[c.Kind] = "missing"
				}
				allServers[name] = status
			}
			if _, have := serverConfigs[name]; !have {
				if entry, ok := raw.(map[string]interface{}); ok {
					serverConfigs[name] = entry
				}
			}
			allServers[name][client.Kind] = "configured"
		}
	}

	for name := range allServers {
		for _, c := range clients {
			if _, set := allServers[name][c.Kind]; !set {
				allServers[name][c.Kind] = "missing"
			}
		}
	}

	names := make([]string, 0, len(allServers))
	for name := range allServers {
		names = append(names, name)
	}
	sort.Strings(names)

	var drift []ConfigDrift
	for _, name := range names {
		status := allServers[name]
		if hasMissing(status) {
			drift = append(drift, ConfigDrift{Server: name, Status: status})
		}
	}

	synced := 0
	if sync && len(drift) > 0 {
		synced = m.applySync(clients, drift, serverConfigs)
	}

	var action string
	switch {
	case len(drift) == 0:
		action = "all clients are in sync"
	case sync:
		action = "synced drifted server configuration(s) across clients"
	default:
		action = "found server(s) with configuration drift; re-run with sync=true to repair"
	}

	logging.Info(subsystem, "Drift check complete: %d drifted, %d synced", len(drift), synced)
	return ConfigSyncResult{Drift: drift, Synced: synced, Action: action}
}

func hasMissing(status map[ClientKind]string) bool {
	for _, v := range status {
		if v == "missing" {
			return true
		}
	}
	return false
}

func (m *Manager) applySync(clients []DetectedClient, drift []ConfigDrift, serverConfigs map[string]map[string]interface{}) int {
	byKind := make(map[ClientKind]DetectedClient, len(clients))
	for _, c := range clients {
		byKind[c.Kind] = c
	}

	synced := 0
	for _, item := range drift {
		cfg, ok := serverConfigs[item.Server]
		if !ok {
			logging.Warn(subsystem, "No source config found for server '%s'; skipping", item.Server)
			continue
		}
		command, _ := cfg["command"].(string)
		args := toStringSlice(cfg["args"])
		env := toStringMap(cfg["env"])

		for kind, status := range item.Status {
			if status != "missing" {
				continue
			}
			if _, known := byKind[kind]; !known {
				continue
			}
			if err := m.ConfigureServerForClient(kind, item.Server, command, args, env); err != nil {
				logging.Warn(subsystem, "Failed to sync server '%s' to %s: %v", item.Server, kind, err)
				continue
			}
			synced++
		}
	}
	return synced
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

type unknownClientError struct {
	kind ClientKind
}

func (e *unknownClientError) Error() string {
	return "unknown client type: " + string(e.kind)
}

func errUnknownClient(kind ClientKind) error {
	return &unknownClientError{kind: kind}
}
