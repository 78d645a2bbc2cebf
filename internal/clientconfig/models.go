package clientconfig

// ClientKind identifies one supported MCP host client.
type ClientKind string

const (
	ClientClaudeDesktop ClientKind = "claude_desktop"
	ClientCLI           ClientKind = "cli"
	ClientCursor        ClientKind = "cursor"
	ClientVSCode        ClientKind = "vscode"
	ClientWindsurf      ClientKind = "windsurf"
	ClientZed           ClientKind = "zed"
)

var displayNames = map[ClientKind]string{
	ClientClaudeDesktop: "Claude Desktop",
	ClientCLI:           "CLI",
	ClientCursor:        "Cursor",
	ClientVSCode:        "VS Code",
	ClientWindsurf:      "Windsurf",
	ClientZed:           "Zed",
}

// DetectedClient describes one installed MCP host client and the server
// names already present in its configuration file.
type DetectedClient struct {
	Kind              ClientKind
	Name              string
	ConfigPath        string
	Installed         bool
	ConfiguredServers []string
}

// ConfigDrift records, for one server name, which detected clients have it
// configured and which are missing it.
type ConfigDrift struct {
	Server string
	Status map[ClientKind]string // "configured" or "missing"
}

// ConfigSyncResult is the outcome of a sync_configurations call.
type ConfigSyncResult struct {
	Drift  []ConfigDrift
	Synced int
	Action string
}
