// Package gateway implements the meta-manager's core: an MCP server,
// speaking stdio, that exposes a small set of always-available management
// tools (activate_backend, deactivate_backend, list_backends,
// context_budget, register_backend) plus one dynamically registered proxy
// tool per tool a backend advertises once it is activated. Activating and
// deactivating backends grows and shrinks the tool table at runtime instead
// of loading every backend's tools up front, which is the token-budget
// trade the whole project exists to make.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"mcpgate/internal/clientconfig"
	"mcpgate/internal/memory"
	"mcpgate/internal/orchestrator"
	"mcpgate/internal/registry"
	"mcpgate/internal/verifier"
	"mcpgate/pkg/logging"
)

const subsystem = "Gateway"

const (
	// proxySeparator joins a backend name and its local tool name into the
	// dynamically registered proxy tool's name.
	proxySeparator = "_"

	// tokensPerTool is the flat per-tool estimate used by context_budget,
	// matching the ballpark the original implementation quotes for an
	// average tool's name, description, and input schema.
	tokensPerTool = 60

	// fixedToolCount is the number of tools always present on the gateway,
	// regardless of which backends are active.
	fixedToolCount = 5

	maxSelfHealAttempts = 2
	proxyCallTimeout    = 30 * time.Second
	autoActivateDelay   = 500 * time.Millisecond
)

// Gateway owns the MCP server exposed to the host client and the registered
// proxy tools for every activated backend.
type Gateway struct {
	mu       sync.Mutex
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	mem      *memory.Store
	verify   *verifier.Verifier
	clients  *clientconfig.Manager

	mcpServer *mcpserver.MCPServer
	active    map[string]*ActiveBackend
	sessionID string
}

// New wires a Gateway over its collaborators and registers the five fixed
// management tools. Proxy tools are added later, one activate_backend call
// at a time.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, mem *memory.Store, v *verifier.Verifier, clients *clientconfig.Manager) *Gateway {
	g := &Gateway{
		registry: reg,
		orch:     orch,
		mem:      mem,
		verify:   v,
		clients:  clients,
		active:   make(map[string]*ActiveBackend),
	}
	g.mcpServer = mcpserver.NewMCPServer(
		"mcpgate",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
	)
	g.registerFixedTools()
	return g
}

// MCPServer exposes the underlying mcp-go server so cmd/serve.go can hand it
// to a transport (stdio, in this project's case).
func (g *Gateway) MCPServer() *mcpserver.MCPServer {
	return g.mcpServer
}

// NoteSession records the session id of the most recently handshaked client,
// used as the target for explicit tool-list-changed notifications on
// mcp-go builds where AddTools/DeleteTools don't fan the notification out
// on their own. See DESIGN.md for why this belt-and-suspenders approach
// was chosen over relying solely on the capability flag.
func (g *Gateway) NoteSession(sessionID string) {
	g.mu.Lock()
	g.sessionID = sessionID
	g.mu.Unlock()
}

// currentSession returns the session id of the most recently handshaked
// client, for attribution on audit log entries. Empty if no client has
// attached yet.
func (g *Gateway) currentSession() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

func (g *Gateway) notifyToolsChanged() {
	g.mu.Lock()
	sid := g.sessionID
	g.mu.Unlock()
	if sid == "" {
		return
	}
	if err := g.mcpServer.SendNotificationToSpecificClient(sid, "notifications/tools/list_changed", nil); err != nil {
		logging.Debug(subsystem, "tools/list_changed notify failed (no attached session?): %v", err)
	}
}

func (g *Gateway) registerFixedTools() {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcp.NewTool("activate_backend",
				mcp.WithDescription("Start a registered backend, discover its tools, and register a proxy tool for each one."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Backend name, as given to register_backend.")),
			),
			Handler: g.handleActivateBackend,
		},
		{
			Tool: mcp.NewTool("deactivate_backend",
				mcp.WithDescription("Stop a backend and remove every proxy tool registered on its behalf."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Backend name to deactivate.")),
			),
			Handler: g.handleDeactivateBackend,
		},
		{
			Tool: mcp.NewTool("list_backends",
				mcp.WithDescription("List every registered backend, whether it is active, and how many proxy tools it currently contributes."),
			),
			Handler: g.handleListBackends,
		},
		{
			Tool: mcp.NewTool("context_budget",
				mcp.WithDescription("Report the token cost of the tools currently loaded versus the cost of activating every registered backend at once."),
			),
			Handler: g.handleContextBudget,
		},
		{
			Tool: mcp.NewTool("register_backend",
				mcp.WithDescription("Persist a new backend's launch command in the registry. Does not start it — call activate_backend separately."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Unique backend name.")),
				mcp.WithString("command", mcp.Required(), mcp.Description("Executable to launch the backend's MCP server.")),
				mcp.WithString("args_json", mcp.Description("JSON array of command-line arguments, e.g. [\"--port\",\"8080\"].")),
				mcp.WithString("env_json", mcp.Description("JSON object of environment variables to set for the backend process.")),
				mcp.WithBoolean("auto_activate", mcp.Description("Activate this backend automatically on gateway startup.")),
				mcp.WithString("description", mcp.Description("Human-readable description shown by list_backends.")),
			),
			Handler: g.handleRegisterBackend,
		},
	}
	g.mcpServer.AddTools(tools...)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func (g *Gateway) handleActivateBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name := stringArg(args, "name")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	msg, err := g.ActivateBackend(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(msg), nil
}

func (g *Gateway) handleDeactivateBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name := stringArg(args, "name")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	msg, err := g.DeactivateBackend(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(msg), nil
}

func (g *Gateway) handleListBackends(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(g.ListBackendsMarkdown()), nil
}

func (g *Gateway) handleContextBudget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(g.ContextBudgetMarkdown()), nil
}

func (g *Gateway) handleRegisterBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name := stringArg(args, "name")
	command := stringArg(args, "command")
	if name == "" || command == "" {
		return mcp.NewToolResultError("name and command are required"), nil
	}

	var cmdArgs []string
	if raw := stringArg(args, "args_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cmdArgs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("args_json is not a valid JSON array: %v", err)), nil
		}
	}
	env := map[string]string{}
	if raw := stringArg(args, "env_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("env_json is not a valid JSON object: %v", err)), nil
		}
	}

	msg := g.RegisterBackend(name, command, cmdArgs, env, boolArg(args, "auto_activate"), stringArg(args, "description"))
	return mcp.NewToolResultText(msg), nil
}

// RegisterBackend persists cfg to the registry and saves it. It never starts
// the backend, matching spec §4.6.1's register_backend semantics.
func (g *Gateway) RegisterBackend(name, command string, args []string, env map[string]string, autoActivate bool, description string) string {
	g.registry.Add(name, registry.BackendConfig{
		Command:      command,
		Args:         args,
		Env:          env,
		AutoActivate: autoActivate,
		Description:  description,
	})
	if err := g.registry.Save(); err != nil {
		logging.Warn(subsystem, "register_backend: failed to persist registry: %v", err)
		logging.Audit(logging.AuditEvent{
			Action:    "register_backend",
			Outcome:   "failure",
			SessionID: logging.TruncateSessionID(g.currentSession()),
			Target:    name,
			Error:     err.Error(),
		})
		return fmt.Sprintf("Registered %q but failed to save the registry: %v", name, err)
	}
	logging.Info(subsystem, "Registered backend %q (command=%s)", name, command)
	logging.Audit(logging.AuditEvent{
		Action:    "register_backend",
		Outcome:   "success",
		SessionID: logging.TruncateSessionID(g.currentSession()),
		Target:    name,
		Details:   fmt.Sprintf("command=%s", command),
	})
	return fmt.Sprintf("Registered backend %q. Call activate_backend to start it.", name)
}

// ActivateBackend implements spec §4.6.3: start the backend, handshake,
// discover its tools, register one proxy tool per discovered tool, and
// announce the change. A backend already active is a no-op.
func (g *Gateway) ActivateBackend(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	if _, ok := g.active[name]; ok {
		g.mu.Unlock()
		return fmt.Sprintf("Backend %q is already active.", name), nil
	}
	g.mu.Unlock()

	cfg, ok := g.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("backend %q is not registered; call register_backend first", name)
	}

	result, err := g.tryActivate(ctx, name, cfg)
	if err != nil && maxSelfHealAttempts > 0 {
		heal := g.verify.SelfHeal(ctx, name, err.Error(), cfg.Command)
		g.mem.RecordFailure(name, "", err.Error(), map[string]interface{}{"category": heal.Category})
		if heal.AutoFixAttempted {
			logging.Info(subsystem, "activate_backend %q: self-heal attempted (%s): %s", name, heal.Category, heal.AutoFixResult)
			result, err = g.tryActivate(ctx, name, cfg)
		}
		if err != nil {
			msg := fmt.Sprintf("%v (suggestion: %s)", err, heal.Suggestion)
			if fix := g.mem.CheckFailureMemory(name); fix != nil && fix.FixApplied != "" {
				msg += fmt.Sprintf("\n\n**Previous fix that worked:** %s", fix.FixApplied)
			}
			logging.Audit(logging.AuditEvent{
				Action:    "activate_backend",
				Outcome:   "failure",
				SessionID: logging.TruncateSessionID(g.currentSession()),
				Target:    name,
				Error:     msg,
			})
			return "", errors.New(msg)
		}
	} else if err != nil {
		g.mem.RecordFailure(name, "", err.Error(), nil)
		msg := err.Error()
		if fix := g.mem.CheckFailureMemory(name); fix != nil && fix.FixApplied != "" {
			msg += fmt.Sprintf("\n\n**Previous fix that worked:** %s", fix.FixApplied)
		}
		logging.Audit(logging.AuditEvent{
			Action:    "activate_backend",
			Outcome:   "failure",
			SessionID: logging.TruncateSessionID(g.currentSession()),
			Target:    name,
			Error:     msg,
		})
		return "", errors.New(msg)
	}

	g.mu.Lock()
	g.active[name] = result
	g.mu.Unlock()

	g.notifyToolsChanged()
	logging.Info(subsystem, "Activated backend %q with %d proxy tool(s)", name, len(result.ToolNames))
	logging.Audit(logging.AuditEvent{
		Action:    "activate_backend",
		Outcome:   "success",
		SessionID: logging.TruncateSessionID(g.currentSession()),
		Target:    name,
		Details:   fmt.Sprintf("tools=%d", len(result.ToolNames)),
	})
	return fmt.Sprintf("Activated %q: %d tool(s) registered.", name, len(result.ToolNames)), nil
}

// tryActivate runs the start/handshake/discover/register sequence once,
// without retrying or touching failure memory — SelfHeal retries live in
// ActivateBackend.
func (g *Gateway) tryActivate(ctx context.Context, name string, cfg registry.BackendConfig) (*ActiveBackend, error) {
	if _, err := g.orch.StartServer(ctx, name, cfg.Command, cfg.Args, cfg.Env); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", name, err)
	}
	if err := g.orch.PerformHandshake(ctx, name); err != nil {
		return nil, fmt.Errorf("handshake with %q failed: %w", name, err)
	}

	discovered := g.orch.DiscoverServerTools(ctx, name, cfg.Command, cfg.Args, cfg.Env)

	toolsToAdd := make([]mcpserver.ServerTool, 0, len(discovered.Tools))
	toolNames := make([]string, 0, len(discovered.Tools))
	for _, dt := range discovered.Tools {
		proxyName := name + proxySeparator + dt.Name
		schema := dt.ParametersSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		toolsToAdd = append(toolsToAdd, mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:           proxyName,
				Description:    dt.Description,
				RawInputSchema: schema,
			},
			Handler: g.proxyHandler(name, dt.Name),
		})
		toolNames = append(toolNames, proxyName)
	}
	g.mcpServer.AddTools(toolsToAdd...)

	return &ActiveBackend{Name: name, ToolNames: toolNames, ActivatedAt: time.Now()}, nil
}

// proxyHandler builds the handler for one dynamically registered proxy
// tool: forward arbitrary kwargs to the backend's local tool, pass strings
// through untouched, and JSON-pretty-encode anything else. Backend errors
// surface as a tool error rather than crashing the gateway (spec §4.6.6).
func (g *Gateway) proxyHandler(backend, localTool string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		out, err := g.orch.ForwardToolCall(ctx, backend, localTool, args, proxyCallTimeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if s, ok := out.(string); ok {
			return mcp.NewToolResultText(s), nil
		}
		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result from %s/%s: %v", backend, localTool, err)), nil
		}
		return mcp.NewToolResultText(string(encoded)), nil
	}
}

// DeactivateBackend implements spec §4.6.4: unregister every proxy tool
// belonging to name, stop the process (tolerating "already unknown"), and
// announce the change.
func (g *Gateway) DeactivateBackend(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	backend, ok := g.active[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Sprintf("Backend %q is not active.", name), nil
	}
	delete(g.active, name)
	g.mu.Unlock()

	g.mcpServer.DeleteTools(backend.ToolNames...)

	var unknown *orchestrator.UnknownBackendError
	if err := g.orch.StopServer(ctx, name); err != nil && !errors.As(err, &unknown) {
		logging.Warn(subsystem, "deactivate_backend %q: stop_server reported: %v", name, err)
	}

	g.notifyToolsChanged()
	logging.Info(subsystem, "Deactivated backend %q (%d proxy tool(s) removed)", name, len(backend.ToolNames))
	logging.Audit(logging.AuditEvent{
		Action:    "deactivate_backend",
		Outcome:   "success",
		SessionID: logging.TruncateSessionID(g.currentSession()),
		Target:    name,
		Details:   fmt.Sprintf("tools_removed=%d", len(backend.ToolNames)),
	})
	return fmt.Sprintf("Deactivated %q: %d tool(s) removed.", name, len(backend.ToolNames)), nil
}

// AutoActivate starts every registered backend marked auto_activate, after a
// short delay so the host's own handshake has time to complete first (spec
// §4.6.7). Failures are logged, not propagated — one misconfigured backend
// must not block the others.
func (g *Gateway) AutoActivate(ctx context.Context) {
	names := g.registry.AutoActivateList()
	if len(names) == 0 {
		return
	}
	time.Sleep(autoActivateDelay)
	for _, name := range names {
		if _, err := g.ActivateBackend(ctx, name); err != nil {
			logging.Warn(subsystem, "auto_activate: failed to activate %q: %v", name, err)
		}
	}
}

// Shutdown stops every activated backend's process via the orchestrator.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.orch.Shutdown(ctx)
}

func createMarkdownTable(headers ...string) table.Writer {
	t := table.NewWriter()
	row := make(table.Row, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	t.AppendHeader(row)
	t.SetStyle(table.StyleDefault)
	return t
}

// ListBackendsMarkdown renders every registered backend, active or not, as
// a markdown table: name, status, proxy tool count, auto-activate flag, and
// description.
func (g *Gateway) ListBackendsMarkdown() string {
	summaries := g.registry.ListSummary()
	if len(summaries) == 0 {
		return "No backends registered. Use register_backend to add one."
	}

	g.mu.Lock()
	active := make(map[string]*ActiveBackend, len(g.active))
	for k, v := range g.active {
		active[k] = v
	}
	g.mu.Unlock()

	t := createMarkdownTable("Backend", "Status", "Tools", "Auto", "Description")
	for _, s := range summaries {
		status := "inactive"
		toolCount := "-"
		if ab, ok := active[s.Name]; ok {
			status = "active"
			toolCount = fmt.Sprintf("%d", len(ab.ToolNames))
		}
		auto := "no"
		if s.AutoActivate {
			auto = "yes"
		}
		t.AppendRow(table.Row{s.Name, status, toolCount, auto, s.Description})
	}

	var b strings.Builder
	b.WriteString(t.RenderMarkdown())
	b.WriteString(fmt.Sprintf("\n\n%d backend(s) registered, %d active.\n", len(summaries), len(active)))
	return b.String()
}

// ContextBudgetMarkdown reports how many tools are currently loaded, their
// estimated token cost, and the additional cost that activating every
// remaining registered backend would add (spec §4.6.1's context_budget).
func (g *Gateway) ContextBudgetMarkdown() string {
	g.mu.Lock()
	proxyToolCount := 0
	activeNames := make(map[string]bool, len(g.active))
	for name, ab := range g.active {
		proxyToolCount += len(ab.ToolNames)
		activeNames[name] = true
	}
	g.mu.Unlock()

	loadedCost := (fixedToolCount + proxyToolCount) * tokensPerTool

	var inactiveCost int
	for name, cfg := range g.registry.All() {
		if activeNames[name] {
			continue
		}
		inactiveCost += cfg.EstimatedTokens
	}

	t := createMarkdownTable("Metric", "Value")
	t.AppendRow(table.Row{"Always-loaded tools", fixedToolCount})
	t.AppendRow(table.Row{"Active proxy tools", proxyToolCount})
	t.AppendRow(table.Row{"Estimated cost (current)", fmt.Sprintf("~%d tokens", loadedCost)})
	t.AppendRow(table.Row{"Estimated savings vs. activating everything", fmt.Sprintf("~%d tokens", inactiveCost)})

	var b strings.Builder
	b.WriteString(t.RenderMarkdown())
	return b.String()
}
