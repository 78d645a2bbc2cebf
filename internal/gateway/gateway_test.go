package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/clientconfig"
	"mcpgate/internal/memory"
	"mcpgate/internal/mock"
	"mcpgate/internal/orchestrator"
	"mcpgate/internal/registry"
	"mcpgate/internal/verifier"
)

const echoServerScript = `
import sys, json

def write(msg):
    sys.stdout.write(json.dumps(msg) + "\n")
    sys.stdout.flush()

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        msg = json.loads(line)
    except Exception:
        continue
    method = msg.get("method")
    if method == "initialize":
        write({"jsonrpc": "2.0", "id": msg["id"], "result": {
            "protocolVersion": "2024-11-05",
            "capabilities": {},
            "serverInfo": {"name": "echo", "version": "0.0.1"},
        }})
    elif method == "notifications/initialized":
        continue
    elif method == "tools/list":
        write({"jsonrpc": "2.0", "id": msg["id"], "result": {"tools": [
            {"name": "ping", "description": "no-arg ping", "inputSchema": {"type": "object", "properties": {}}},
        ]}})
    elif method == "tools/call":
        write({"jsonrpc": "2.0", "id": msg["id"], "result": {"content": [{"type": "text", "text": "pong"}]}})
`

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	reg := registry.New(t.TempDir() + "/backends.json")
	mem := memory.NewWithClock(t.TempDir()+"/memory.json", mock.RealClock{})
	orch := orchestrator.New()
	v := verifier.New(5 * time.Second)
	t.Setenv("HOME", t.TempDir())
	clients := clientconfig.New()
	return New(reg, orch, mem, v, clients)
}

func TestActivateBackend_UnregisteredBackendErrors(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.ActivateBackend(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestRegisterThenActivate_RegistersProxyToolsAndCallsThrough(t *testing.T) {
	g := newTestGateway(t)
	msg := g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, false, "test echo backend")
	assert.Contains(t, msg, "Registered")

	activateMsg, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)
	assert.Contains(t, activateMsg, "1 tool(s) registered")

	g.mu.Lock()
	active, ok := g.active["echo"]
	g.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, []string{"echo_ping"}, active.ToolNames)

	out, err := g.orch.ForwardToolCall(context.Background(), "echo", "ping", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestActivateBackend_AlreadyActiveIsNoop(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, false, "")
	_, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)

	msg, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)
	assert.Contains(t, msg, "already active")
}

func TestDeactivateBackend_RemovesProxyToolsAndStopsProcess(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, false, "")
	_, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)

	msg, err := g.DeactivateBackend(context.Background(), "echo")
	require.NoError(t, err)
	assert.Contains(t, msg, "1 tool(s) removed")

	g.mu.Lock()
	_, stillActive := g.active["echo"]
	g.mu.Unlock()
	assert.False(t, stillActive)
}

func TestDeactivateBackend_NotActiveIsNoop(t *testing.T) {
	g := newTestGateway(t)
	msg, err := g.DeactivateBackend(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Contains(t, msg, "not active")
}

func TestListBackendsMarkdown_ReflectsActivationState(t *testing.T) {
	g := newTestGateway(t)
	assert.Contains(t, g.ListBackendsMarkdown(), "No backends registered")

	g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, false, "desc")
	inactiveTable := g.ListBackendsMarkdown()
	assert.Contains(t, inactiveTable, "echo")
	assert.Contains(t, inactiveTable, "inactive")

	_, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)
	activeTable := g.ListBackendsMarkdown()
	assert.Contains(t, activeTable, "active")
}

func TestContextBudgetMarkdown_ReportsLoadedAndSavings(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, false, "")

	before := g.ContextBudgetMarkdown()
	assert.Contains(t, before, "Always-loaded tools")
	assert.Contains(t, before, "500")

	_, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)
	after := g.ContextBudgetMarkdown()
	assert.Contains(t, after, "Active proxy tools")
}

func TestForwardToolCall_SurvivesBackendCrashByRestartingBeforeForwarding(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, false, "")
	_, err := g.ActivateBackend(context.Background(), "echo")
	require.NoError(t, err)

	running, ok := g.orch.Get("echo")
	require.True(t, ok)
	proc, err := os.FindProcess(running.PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
	time.Sleep(200 * time.Millisecond) // let the orchestrator's Wait() goroutine reap it

	out, err := g.orch.ForwardToolCall(context.Background(), "echo", "ping", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	got, ok := g.orch.Get("echo")
	require.True(t, ok)
	assert.Equal(t, orchestrator.StatusRunning, got.Status)
	assert.NotEqual(t, running.PID, got.PID)
}

func TestAutoActivate_StartsOnlyAutoActivateBackends(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterBackend("echo", "python3", []string{"-u", "-c", echoServerScript}, nil, true, "")
	g.RegisterBackend("manual", "this-binary-does-not-exist-xyz", nil, nil, false, "")

	g.AutoActivate(context.Background())

	g.mu.Lock()
	_, echoActive := g.active["echo"]
	_, manualActive := g.active["manual"]
	g.mu.Unlock()
	assert.True(t, echoActive)
	assert.False(t, manualActive)
}
