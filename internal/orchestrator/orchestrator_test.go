package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeScript(t *testing.T, body string) (command string, args []string) {
	t.Helper()
	return "python3", []string{"-u", "-c", body}
}

// echoServerScript is a minimal MCP stdio server: it answers initialize and
// tools/list, accepts notifications/initialized, and echoes its single
// "echo" tool's "text" argument back as tool output.
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
            {"name": "echo", "description": "echoes input", "inputSchema": {"type": "object", "properties": {"text": {"type": "string"}}, "required": ["text"]}},
        ]}})
    elif method == "prompts/list":
        write({"jsonrpc": "2.0", "id": msg["id"], "result": {"prompts": []}})
    elif method == "tools/call":
        text = msg["params"].get("arguments", {}).get("text", "")
        write({"jsonrpc": "2.0", "id": msg["id"], "result": {"content": [{"type": "text", "text": text}]}})
`

func TestStartServer_UnknownCommand(t *testing.T) {
	o := New()
	ctx := context.Background()
	_, err := o.StartServer(ctx, "ghost", "this-binary-does-not-exist-xyz", nil, nil)
	require.Error(t, err)
	var notFound *CommandNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestStartServer_StopServer_Lifecycle(t *testing.T) {
	command, args := probeScript(t, echoServerScript)
	o := New()
	ctx := context.Background()

	model, err := o.StartServer(ctx, "echo", command, args, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, model.Status)
	assert.Greater(t, model.PID, 0)

	require.NoError(t, o.PerformHandshake(ctx, "echo"))

	out, err := o.ForwardToolCall(ctx, "echo", "echo", map[string]interface{}{"text": "hello"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	require.NoError(t, o.StopServer(ctx, "echo"))
	got, ok := o.Get("echo")
	require.True(t, ok)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestStopServer_UnknownBackend(t *testing.T) {
	o := New()
	err := o.StopServer(context.Background(), "nope")
	var unknown *UnknownBackendError
	assert.True(t, errors.As(err, &unknown))
}

func TestDiscoverServerTools_TransientProbe(t *testing.T) {
	command, args := probeScript(t, echoServerScript)
	o := New()
	result := o.DiscoverServerTools(context.Background(), "echo", command, args, nil)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
	schema := result.Tools[0].ParametersSchema
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(schema, &parsed))
	assert.Equal(t, "object", parsed["type"])
}

func TestDiscoverServerTools_SpawnFailureYieldsEmptyResult(t *testing.T) {
	o := New()
	result := o.DiscoverServerTools(context.Background(), "ghost", "this-binary-does-not-exist-xyz", nil, nil)
	assert.Empty(t, result.Tools)
	assert.Empty(t, result.Prompts)
}

func TestExtractToolOutput_SingleTextItemUnwraps(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"hello"}]}`)
	assert.Equal(t, "hello", extractToolOutput(raw))
}

func TestExtractToolOutput_MultipleItemsBuildsList(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`)
	assert.Equal(t, []interface{}{"a", "b"}, extractToolOutput(raw))
}

func TestExtractToolOutput_NonTextItemPassesThroughRaw(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"image","data":"base64=="}]}`)
	out := extractToolOutput(raw)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "image", m["type"])
}

func TestExtractToolOutput_NoContentKeyReturnsUnchanged(t *testing.T) {
	raw := json.RawMessage(`{"isError":false}`)
	out := extractToolOutput(raw)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, m["isError"])
}

func TestSubstitutePrevious_ExactMatchUsesRawValue(t *testing.T) {
	args := map[string]interface{}{"input": "$previous"}
	out := substitutePrevious(args, map[string]interface{}{"a": 1}, true)
	assert.Equal(t, map[string]interface{}{"a": 1}, out["input"])
}

func TestSubstitutePrevious_EmbeddedTokenUsesStringForm(t *testing.T) {
	args := map[string]interface{}{"input": "prefix: $previous"}
	out := substitutePrevious(args, "value", true)
	assert.Equal(t, "prefix: value", out["input"])
}

func TestSubstitutePrevious_EmbeddedTokenJSONEncodesNonString(t *testing.T) {
	args := map[string]interface{}{"input": "prefix: $previous"}
	out := substitutePrevious(args, map[string]interface{}{"a": 1}, true)
	assert.Equal(t, `prefix: {"a":1}`, out["input"])
}

func TestSubstitutePrevious_NoPreviousLeavesArgsUntouched(t *testing.T) {
	args := map[string]interface{}{"input": "$previous"}
	out := substitutePrevious(args, nil, false)
	assert.Equal(t, "$previous", out["input"])
}

func TestExecuteWorkflow_ChainsPreviousOutputAcrossSteps(t *testing.T) {
	command, args := probeScript(t, echoServerScript)
	o := New()
	ctx := context.Background()
	_, err := o.StartServer(ctx, "echo", command, args, nil)
	require.NoError(t, err)
	require.NoError(t, o.PerformHandshake(ctx, "echo"))

	result := o.ExecuteWorkflow(ctx, []WorkflowStep{
		{Server: "echo", Tool: "echo", Input: map[string]interface{}{"text": "first"}},
		{Server: "echo", Tool: "echo", Input: map[string]interface{}{"text": "$previous"}},
	}, "chain")

	assert.Equal(t, "completed", result.Status)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "first", result.Steps[1].Output)
}

func TestExecuteWorkflow_FailureSkipsRemainingSteps(t *testing.T) {
	o := New()
	ctx := context.Background()

	result := o.ExecuteWorkflow(ctx, []WorkflowStep{
		{Server: "nonexistent", Tool: "echo", Input: nil},
		{Server: "nonexistent", Tool: "echo", Input: nil},
	}, "broken")

	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
	assert.Equal(t, StepSkipped, result.Steps[1].Status)
}

func TestForwardToolCall_RestartsAndRehandshakesAfterCrash(t *testing.T) {
	command, args := probeScript(t, echoServerScript)
	o := New()
	ctx := context.Background()

	model, err := o.StartServer(ctx, "echo", command, args, nil)
	require.NoError(t, err)
	require.NoError(t, o.PerformHandshake(ctx, "echo"))

	o.mu.Lock()
	proc := o.backends["echo"].proc
	o.mu.Unlock()
	require.NoError(t, proc.cmd.Process.Kill())
	<-proc.waitCh
	require.True(t, proc.hasExited())

	out, err := o.ForwardToolCall(ctx, "echo", "echo", map[string]interface{}{"text": "hello"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	got, ok := o.Get("echo")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotEqual(t, model.PID, got.PID)
}

func TestShutdown_StopsAllTrackedBackends(t *testing.T) {
	command, args := probeScript(t, echoServerScript)
	o := New()
	ctx := context.Background()
	_, err := o.StartServer(ctx, "echo", command, args, nil)
	require.NoError(t, err)

	o.Shutdown(ctx)
	_, ok := o.Get("echo")
	assert.False(t, ok)
}
